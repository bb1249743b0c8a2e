package imap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fenilsonani/imapd/internal/audit"
	"github.com/fenilsonani/imapd/internal/auth"
	"github.com/fenilsonani/imapd/internal/logging"
)

// Dispatch failures answered with a tagged BAD by the session.
var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrNotAllowed       = errors.New("command not allowed in current state")
)

// DispatchError carries the command a dispatch failure belongs to.
type DispatchError struct {
	Command string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// TokenValidator checks the credential of AUTHENTICATE XOAUTH2.
type TokenValidator interface {
	Validate(ctx context.Context, credential string) (*auth.Claims, error)
}

// Auditor records authentication events. *audit.Logger satisfies it, and a
// nil *audit.Logger records nothing.
type Auditor interface {
	Log(ctx context.Context, e audit.Event) error
}

// FailureLimiter throttles hosts that keep failing AUTHENTICATE.
// *ratelimit.Limiter satisfies it.
type FailureLimiter interface {
	IsBlocked(key string) bool
	RecordFailure(key string) bool
	RecordSuccess(key string)
	RemainingAttempts(key string) int
	BlockedUntil(key string) time.Time
	Stats() (tracked, blocked int)
}

// HandlerFunc handles one command and returns the bytes it wrote.
type HandlerFunc func(ctx context.Context, cmd *Command, conn *Conn) (int, error)

type route struct {
	handler HandlerFunc
	states  []State
}

// Dispatcher maps command names to handlers and enforces the state each
// command requires. Names match case-sensitively.
type Dispatcher struct {
	routes    map[string]route
	validator TokenValidator
	auditor   Auditor
	limiter   FailureLimiter
	logger    *logging.Logger
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Validator TokenValidator
	Auditor   Auditor
	Limiter   FailureLimiter // nil disables throttling
	Logger    *logging.Logger
}

// NewDispatcher creates a dispatcher with the built-in commands registered.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Auditor == nil {
		opts.Auditor = (*audit.Logger)(nil)
	}

	d := &Dispatcher{
		routes:    make(map[string]route),
		validator: opts.Validator,
		auditor:   opts.Auditor,
		limiter:   opts.Limiter,
		logger:    opts.Logger.IMAP(),
	}

	d.Register("CAPABILITY", anyState, d.handleCapability)
	d.Register("NOOP", anyState, d.handleNoop)
	d.Register("LOGOUT", anyState, d.handleLogout)
	d.Register("LOGIN", anyState, d.handleLogin)
	d.Register("AUTHENTICATE", anyState, d.handleAuthenticate)
	return d
}

// Register adds or replaces the handler for name. Register is not safe to
// call once sessions are running.
func (d *Dispatcher) Register(name string, states []State, h HandlerFunc) {
	d.routes[name] = route{handler: h, states: states}
}

// Dispatch runs the handler for cmd. Unknown names, disallowed states and
// bad arguments come back as *DispatchError without anything written.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command, conn *Conn) (int, error) {
	r, found := d.routes[cmd.Name]
	if !found {
		return 0, &DispatchError{Command: cmd.Name, Err: ErrUnknownCommand}
	}
	if !stateAllowed(conn.State(), r.states) {
		return 0, &DispatchError{Command: cmd.Name, Err: ErrNotAllowed}
	}
	return r.handler(ctx, cmd, conn)
}

func (d *Dispatcher) audit(ctx context.Context, e audit.Event) {
	e.TraceID = logging.TraceID(ctx)
	e.RemoteAddr = logging.RemoteAddr(ctx)
	if err := d.auditor.Log(ctx, e); err != nil {
		d.logger.ErrorContext(ctx, "failed to record audit event", err, "action", string(e.Action))
	}
}
