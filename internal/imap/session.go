package imap

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/fenilsonani/imapd/internal/logging"
	"github.com/fenilsonani/imapd/internal/metrics"
)

// Session drives one connection from its first read until LOGOUT, a
// transport failure or an internal fault.
type Session struct {
	conn       *Conn
	dispatcher *Dispatcher
	logger     *logging.Logger
}

// NewSession creates a session for conn.
func NewSession(conn *Conn, dispatcher *Dispatcher, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Session{
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logger.IMAP(),
	}
}

// Serve runs the read/dispatch/respond loop. It returns nil when the client
// logs out or the stream closes, and the fault otherwise. Serve never closes
// the connection; the caller does.
func (s *Session) Serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordError("imap", "panic")
			err = fmt.Errorf("panic in session: %v", r)
			s.logger.ErrorContext(ctx, "session panicked", err, "stack", string(debug.Stack()))
			_, _ = s.conn.Write(bye("Internal server error"))
		}
	}()

	for {
		cmd, err := s.conn.ReadCommand()
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				metrics.RecordParseError()
				s.logger.DebugContext(ctx, "malformed command line", "line", perr.Line)
				if _, err := s.conn.Write(bad(untagged, perr.Error())); err != nil {
					return nil
				}
				continue
			}
			s.readFailed(ctx, err)
			return nil
		}

		cmdCtx := logging.WithCommand(ctx, cmd.Name)
		if id := s.conn.Identity(); id != "" {
			cmdCtx = logging.WithSubject(cmdCtx, id)
		}

		_, err = s.dispatcher.Dispatch(cmdCtx, cmd, s.conn)

		if cmd.Name == "LOGOUT" {
			s.logger.DebugContext(cmdCtx, "client logged out")
			return nil
		}
		if err == nil {
			continue
		}

		reply, recoverable := s.reply(cmd, err)
		if !recoverable {
			var ioErr *IOError
			if errors.As(err, &ioErr) {
				s.logger.DebugContext(cmdCtx, "write failed", "error", err.Error())
				return nil
			}
			metrics.RecordCommand(cmd.Name, "error")
			metrics.RecordError("imap", "internal")
			s.logger.ErrorContext(cmdCtx, "internal error handling command", err)
			_, _ = s.conn.Write(bye("Internal server error"))
			return err
		}

		metrics.RecordCommand(cmd.Name, "BAD")
		if _, err := s.conn.Write(reply); err != nil {
			return nil
		}
	}
}

// reply maps a recoverable dispatch error to its tagged BAD line.
func (s *Session) reply(cmd *Command, err error) (string, bool) {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return bad(cmd.Tag, cmd.Name+" is not a valid command."), true
	case errors.Is(err, ErrInvalidArguments):
		return bad(cmd.Tag, "Arguments invalid"), true
	case errors.Is(err, ErrNotAllowed):
		return bad(cmd.Tag, cmd.Name+" not allowed in "+s.conn.State().String()+" state"), true
	default:
		return "", false
	}
}

func (s *Session) readFailed(ctx context.Context, err error) {
	var ioErr *IOError
	if errors.As(err, &ioErr) && ioErr.Timeout() {
		s.logger.InfoContext(ctx, "idle timeout")
		_, _ = s.conn.Write(bye("Autologout; idle for too long"))
		return
	}
	s.logger.DebugContext(ctx, "connection closed", "error", err.Error())
}
