package imap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fenilsonani/imapd/internal/audit"
	"github.com/fenilsonani/imapd/internal/auth"
)

// bufferConn is a net.Conn that reads from a fixed input and records writes.
type bufferConn struct {
	in       io.Reader
	out      bytes.Buffer
	writeErr error
	closed   bool
}

func newBufferConn(input string) *bufferConn {
	return &bufferConn{in: strings.NewReader(input)}
}

func (c *bufferConn) Read(p []byte) (int, error) { return c.in.Read(p) }
func (c *bufferConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.out.Write(p)
}
func (c *bufferConn) Close() error                       { c.closed = true; return nil }
func (c *bufferConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 143} }
func (c *bufferConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000} }
func (c *bufferConn) SetDeadline(t time.Time) error      { return nil }
func (c *bufferConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *bufferConn) SetWriteDeadline(t time.Time) error { return nil }

// fakeValidator accepts the tokens in valid, mapped to their subject.
type fakeValidator struct {
	valid map[string]string
	err   error
}

func (v *fakeValidator) Validate(_ context.Context, credential string) (*auth.Claims, error) {
	if v.err != nil {
		return nil, v.err
	}
	subject, ok := v.valid[credential]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}, nil
}

// recordingAuditor keeps every event logged to it.
type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Log(_ context.Context, e audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAuditor) actions() []audit.EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.EventType, len(a.events))
	for i, e := range a.events {
		out[i] = e.Action
	}
	return out
}

func newTestDispatcher(auditor Auditor) *Dispatcher {
	return NewDispatcher(DispatcherOptions{
		Validator: &fakeValidator{valid: map[string]string{"good-token": "alice@example.com"}},
		Auditor:   auditor,
	})
}

// pipeSession runs a Session over net.Pipe and exposes the client end.
type pipeSession struct {
	t      *testing.T
	client net.Conn
	reader *bufio.Reader
	conn   *Conn
	done   chan error
}

func startPipeSession(t *testing.T, d *Dispatcher, idleTimeout time.Duration) *pipeSession {
	t.Helper()
	server, client := net.Pipe()
	return startSessionOn(t, d, NewConn(server, idleTimeout), client)
}

func startSessionOn(t *testing.T, d *Dispatcher, conn *Conn, client net.Conn) *pipeSession {
	t.Helper()
	ps := &pipeSession{
		t:      t,
		client: client,
		reader: bufio.NewReader(client),
		conn:   conn,
		done:   make(chan error, 1),
	}
	go func() {
		ps.done <- NewSession(conn, d, nil).Serve(context.Background())
		conn.Close()
	}()
	t.Cleanup(func() { client.Close() })
	return ps
}

func (ps *pipeSession) send(line string) {
	ps.t.Helper()
	ps.client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := ps.client.Write([]byte(line + "\r\n")); err != nil {
		ps.t.Fatalf("write %q: %v", line, err)
	}
}

func (ps *pipeSession) expect(lines ...string) {
	ps.t.Helper()
	for _, want := range lines {
		ps.client.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := ps.reader.ReadString('\n')
		if err != nil {
			ps.t.Fatalf("reading response (want %q): %v", want, err)
		}
		if !strings.HasSuffix(got, "\r\n") {
			ps.t.Errorf("response %q is not CRLF terminated", got)
		}
		if got = strings.TrimRight(got, "\r\n"); got != want {
			ps.t.Errorf("response = %q, want %q", got, want)
		}
	}
}

// wait returns the Serve result, failing the test if it does not finish.
func (ps *pipeSession) wait() error {
	ps.t.Helper()
	select {
	case err := <-ps.done:
		return err
	case <-time.After(2 * time.Second):
		ps.t.Fatal("session did not terminate")
		return nil
	}
}

func (ps *pipeSession) expectClosed() {
	ps.t.Helper()
	ps.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := ps.reader.ReadByte()
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		ps.t.Errorf("read after close = %v, want EOF", err)
	}
}
