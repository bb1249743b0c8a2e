package imap

import (
	"context"
	"errors"

	"github.com/fenilsonani/imapd/internal/audit"
	"github.com/fenilsonani/imapd/internal/auth"
	"github.com/fenilsonani/imapd/internal/metrics"
	"github.com/fenilsonani/imapd/internal/ratelimit"
)

func (d *Dispatcher) handleCapability(_ context.Context, cmd *Command, conn *Conn) (int, error) {
	metrics.RecordCommand(cmd.Name, "OK")
	return conn.Write(capabilityLine(), ok(cmd.Tag, "CAPABILITY completed"))
}

// handleNoop only acknowledges. Untagged status updates would go here once
// there is state to report.
func (d *Dispatcher) handleNoop(_ context.Context, cmd *Command, conn *Conn) (int, error) {
	metrics.RecordCommand(cmd.Name, "OK")
	return conn.Write(ok(cmd.Tag, "NOOP completed"))
}

func (d *Dispatcher) handleLogout(_ context.Context, cmd *Command, conn *Conn) (int, error) {
	metrics.RecordCommand(cmd.Name, "OK")
	return conn.Write(bye("IMAPrev1 Server logging out"), ok(cmd.Tag, "LOGOUT completed"))
}

func (d *Dispatcher) handleLogin(ctx context.Context, cmd *Command, conn *Conn) (int, error) {
	metrics.RecordCommand(cmd.Name, "NO")
	d.logger.InfoContext(ctx, "plaintext login rejected")
	d.audit(ctx, audit.Event{Action: audit.EventLoginRejected, Reason: "login disabled"})
	return conn.Write(no(cmd.Tag, "Login is disabled."))
}

func (d *Dispatcher) handleAuthenticate(ctx context.Context, cmd *Command, conn *Conn) (int, error) {
	if len(cmd.Args) != 2 {
		metrics.RecordAuth(metrics.AuthBadArgs)
		return 0, &DispatchError{Command: cmd.Name, Err: ErrInvalidArguments}
	}
	mechanism, credential := cmd.Args[0], cmd.Args[1]

	if mechanism != auth.MechanismXOAUTH2 {
		metrics.RecordCommand(cmd.Name, "NO")
		metrics.RecordAuth(metrics.AuthUnsupported)
		d.logger.InfoContext(ctx, "unsupported authentication mechanism", "mechanism", mechanism)
		d.audit(ctx, audit.Event{Action: audit.EventUnsupportedMechanism, Mechanism: mechanism})
		return conn.Write(no(cmd.Tag, "Unsupported authentication mechanism"))
	}

	host := ratelimit.Key(conn.RemoteAddr())
	if d.limiter != nil && d.limiter.IsBlocked(host) {
		metrics.RecordCommand(cmd.Name, "NO")
		metrics.RecordAuth(metrics.AuthThrottled)
		d.logger.WarnContext(ctx, "authentication throttled",
			"host", host,
			"blocked_until", d.limiter.BlockedUntil(host),
		)
		d.audit(ctx, audit.Event{Action: audit.EventAuthFailure, Mechanism: mechanism, Reason: "too many failures"})
		return conn.Write(no(cmd.Tag, "Too many failed authentication attempts"))
	}

	claims, err := d.validate(ctx, credential)
	if err != nil {
		metrics.RecordCommand(cmd.Name, "NO")
		metrics.RecordAuth(metrics.AuthFailure)
		if errors.Is(err, auth.ErrRevocationUnavailable) {
			metrics.RecordError("auth", "revocation_unavailable")
		} else if d.limiter != nil {
			d.recordFailure(ctx, host)
		}
		d.logger.WarnContext(ctx, "authentication failed", "mechanism", mechanism, "reason", err.Error())
		d.audit(ctx, audit.Event{Action: audit.EventAuthFailure, Mechanism: mechanism, Reason: err.Error()})
		return conn.Write(no(cmd.Tag, "Invalid credentials"))
	}

	if d.limiter != nil {
		d.limiter.RecordSuccess(host)
		metrics.SetThrottledHosts(d.limiter.Stats())
	}
	conn.MarkAuthenticated()
	conn.setIdentity(claims.Subject)

	metrics.RecordCommand(cmd.Name, "OK")
	metrics.RecordAuth(metrics.AuthSuccess)
	d.logger.InfoContext(ctx, "authentication succeeded",
		"mechanism", mechanism,
		"subject", claims.Subject,
		"expires_at", claims.Expiry(),
	)
	d.audit(ctx, audit.Event{Action: audit.EventAuthSuccess, Mechanism: mechanism, Subject: claims.Subject})
	return conn.Write(ok(cmd.Tag, "SASL authentication successful"))
}

func (d *Dispatcher) recordFailure(ctx context.Context, host string) {
	if d.limiter.RecordFailure(host) {
		d.logger.WarnContext(ctx, "host blocked after repeated authentication failures",
			"host", host,
			"blocked_until", d.limiter.BlockedUntil(host),
		)
	} else {
		d.logger.DebugContext(ctx, "authentication failure counted",
			"host", host,
			"remaining_attempts", d.limiter.RemainingAttempts(host),
		)
	}
	metrics.SetThrottledHosts(d.limiter.Stats())
}

var errNoValidator = errors.New("no token validator configured")

func (d *Dispatcher) validate(ctx context.Context, credential string) (*auth.Claims, error) {
	if d.validator == nil {
		return nil, errNoValidator
	}
	return d.validator.Validate(ctx, credential)
}
