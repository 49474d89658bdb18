package rclone

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/strata-backup/strata/internal/debug"
)

// StdioConn implements a net.Conn via stdin/stdout.
type StdioConn struct {
	receive   *os.File
	send      *os.File
	closeRecv sync.Once
	closeSend sync.Once
}

func (s *StdioConn) Read(p []byte) (int, error) {
	n, err := s.receive.Read(p)
	return n, err
}

func (s *StdioConn) Write(p []byte) (int, error) {
	n, err := s.send.Write(p)
	return n, err
}

// CloseRecv closes the reading side of the connection.
func (s *StdioConn) CloseRecv() error {
	var err error
	s.closeRecv.Do(func() {
		debug.Log("close receiving pipe")
		err = s.receive.Close()
	})
	return err
}

// CloseSend closes the writing side of the connection.
func (s *StdioConn) CloseSend() error {
	var err error
	s.closeSend.Do(func() {
		debug.Log("close sending pipe")
		err = s.send.Close()
	})
	return err
}

// Close closes both sides of the connection.
func (s *StdioConn) Close() (err error) {
	err = s.CloseRecv()
	err2 := s.CloseSend()
	if err == nil {
		err = err2
	}
	return err
}

// LocalAddr returns nil.
func (s *StdioConn) LocalAddr() net.Addr {
	return Addr{}
}

// RemoteAddr returns nil.
func (s *StdioConn) RemoteAddr() net.Addr {
	return Addr{}
}

// SetDeadline sets the read/write deadline.
func (s *StdioConn) SetDeadline(t time.Time) error {
	err1 := s.receive.SetReadDeadline(t)
	err2 := s.send.SetWriteDeadline(t)
	if err1 != nil {
		return err1
	}
	return err2
}

// SetReadDeadline sets the read/write deadline.
func (s *StdioConn) SetReadDeadline(t time.Time) error {
	return s.receive.SetReadDeadline(t)
}

// SetWriteDeadline sets the read/write deadline.
func (s *StdioConn) SetWriteDeadline(t time.Time) error {
	return s.send.SetWriteDeadline(t)
}

// make sure StdioConn implements net.Conn
var _ net.Conn = &StdioConn{}

// Addr implements net.Addr for stdin/stdout.
type Addr struct{}

// Network returns the network type as a string.
func (a Addr) Network() string {
	return "stdio"
}

func (a Addr) String() string {
	return "stdio"
}
