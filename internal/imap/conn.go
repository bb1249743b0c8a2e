package imap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// readBufferSize is the most a single ReadCommand will consume. Longer
// lines are split across reads.
const readBufferSize = 1024

// ErrConnClosed is wrapped by every read failure, including EOF.
var ErrConnClosed = errors.New("connection closed")

// IOError is a transport failure on a connection. It ends the session but
// never affects other connections.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("imap: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was an expired deadline.
func (e *IOError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Conn owns one client stream and its authentication state. It is used by a
// single session goroutine.
type Conn struct {
	netConn     net.Conn
	idleTimeout time.Duration
	buf         []byte

	state    State
	identity string
}

// NewConn wraps c. A positive idleTimeout bounds each wait for a command.
func NewConn(c net.Conn, idleTimeout time.Duration) *Conn {
	return &Conn{
		netConn:     c,
		idleTimeout: idleTimeout,
		buf:         make([]byte, readBufferSize),
		state:       StateNotAuthenticated,
	}
}

// ReadCommand performs one read of up to readBufferSize bytes and parses it.
// A zero-byte read or any read error yields an *IOError wrapping
// ErrConnClosed; a malformed line yields a *ParseError.
func (c *Conn) ReadCommand() (*Command, error) {
	if c.idleTimeout > 0 {
		if err := c.netConn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return nil, &IOError{Op: "read", Err: fmt.Errorf("%w: %w", ErrConnClosed, err)}
		}
	}

	n, err := c.netConn.Read(c.buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, &IOError{Op: "read", Err: fmt.Errorf("%w: %w", ErrConnClosed, err)}
	}

	return ParseCommand(string(c.buf[:n]))
}

// Write sends each line followed by CRLF, in order. It stops at the first
// failure and returns the bytes written so far.
func (c *Conn) Write(lines ...string) (int, error) {
	total := 0
	for _, line := range lines {
		n, err := io.WriteString(c.netConn, line+"\r\n")
		total += n
		if err != nil {
			return total, &IOError{Op: "write", Err: err}
		}
	}
	return total, nil
}

// MarkAuthenticated moves the connection to the authenticated state.
// Calling it again has no further effect.
func (c *Conn) MarkAuthenticated() {
	c.state = StateAuthenticated
}

// State returns the current authentication state.
func (c *Conn) State() State {
	return c.state
}

// Identity returns the token subject recorded at authentication.
func (c *Conn) Identity() string {
	return c.identity
}

func (c *Conn) setIdentity(subject string) {
	c.identity = subject
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.netConn.Close()
}
