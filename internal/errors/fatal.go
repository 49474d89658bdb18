package errors

import "fmt"

// fatalError is an error that should be printed to the user and terminate the
// current operation. It carries no stack trace, the message is meant to be
// self-contained.
type fatalError string

func (e fatalError) Error() string {
	return string(e)
}

func (e fatalError) Fatal() bool {
	return true
}

// Fataler is an error which may be a fatal error, see IsFatal.
type Fataler interface {
	Fatal() bool
}

// IsFatal returns true if err is a fatal message that should be printed to the
// user. The program should exit afterwards.
func IsFatal(err error) bool {
	var fatal Fataler
	return As(err, &fatal) && fatal.Fatal()
}

// Fatal returns an error that is marked fatal.
func Fatal(s string) error {
	return Wrap(fatalError(s), "Fatal")
}

// Fatalf returns an error that is marked fatal.
func Fatalf(s string, data ...interface{}) error {
	return Wrap(fatalError(fmt.Sprintf(s, data...)), "Fatal")
}
