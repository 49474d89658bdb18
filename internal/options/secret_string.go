package options

// SecretString is a string that should not be exposed in log output or error
// messages.
type SecretString struct {
	s *string
}

// NewSecretString wraps a string as a SecretString.
func NewSecretString(s string) SecretString {
	return SecretString{s: &s}
}

func (s SecretString) GoString() string {
	return `"` + s.String() + `"`
}

func (s SecretString) String() string {
	if s.s == nil || len(*s.s) == 0 {
		return ``
	}
	return `**redacted**`
}

// Unwrap returns the inner string value.
func (s SecretString) Unwrap() string {
	if s.s == nil {
		return ""
	}
	return *s.s
}
