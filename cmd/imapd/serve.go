package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/imapd/internal/audit"
	"github.com/fenilsonani/imapd/internal/config"
	imapserver "github.com/fenilsonani/imapd/internal/imap"
	"github.com/fenilsonani/imapd/internal/logging"
	"github.com/fenilsonani/imapd/internal/metrics"
	"github.com/fenilsonani/imapd/internal/ratelimit"
	"github.com/fenilsonani/imapd/internal/security"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the IMAP server",
	Long: `Start the IMAP server.

By default no greeting is sent on connect and the first line a client reads
is the reply to its first command. Set server.greeting to send
"* OK [CAPABILITY ...] IMAP4rev1 Service Ready" first, which standard IMAP
clients expect. Authentication throttling (ratelimit.enabled) is off by
default; when on, a blocked host is refused even with a valid token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Validate configuration before doing anything
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		logger = logger.WithFields("hostname", cfg.Server.Hostname)

		r := &resources{logger: logger}
		defer func() {
			if p := recover(); p != nil {
				fmt.Fprintf(os.Stderr, "PANIC during server operation: %v\n", p)
				r.cleanup(cfg)
				panic(p)
			}
		}()

		if err := r.start(cmd.Context(), cfg); err != nil {
			r.cleanup(cfg)
			return err
		}

		fmt.Printf("IMAP server running on %s\n", cfg.IMAPAddr())
		logger.Info("All services started successfully")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigCh)

		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				r.reload()
				continue
			}
			logger.Info("Received shutdown signal", "signal", sig.String())
			break
		}

		r.cleanup(cfg)
		logger.Info("Server stopped")
		return nil
	},
}

// resources tracks everything serve starts so cleanup can stop it in
// reverse order.
type resources struct {
	logger          *logging.Logger
	tlsManager      *security.TLSManager
	closeRevocation func()
	auditLog        *audit.Logger
	limiter         *ratelimit.Limiter
	imapSrv         *imapserver.Server
	metricsSrv      *metrics.Server
	challengeSrv    *http.Server
}

func (r *resources) start(ctx context.Context, c *config.Config) error {
	logger := r.logger
	logger.Info("IMAP server starting")

	tlsManager, err := security.NewTLSManager(c.TLS, c.Server.Hostname)
	if err != nil {
		return fmt.Errorf("failed to initialize TLS: %w", err)
	}
	r.tlsManager = tlsManager
	if tlsManager.HasTLS() {
		logger.Info("TLS configured")
	} else {
		logger.Warn("TLS not configured - bearer tokens will travel in cleartext")
	}

	validator, closeRevocation, err := newValidator(ctx, c, logger)
	if err != nil {
		return err
	}
	r.closeRevocation = closeRevocation
	if c.Revocation.Enabled {
		logger.Info("Revocation list connected", "prefix", c.Revocation.Prefix)
	}

	if c.Audit.Enabled {
		auditLog, err := audit.Open(c.Audit.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		r.auditLog = auditLog
		logger.Audit().Info("Audit log opened", "path", c.Audit.DatabasePath)
	}

	opts := imapserver.DispatcherOptions{
		Validator: validator,
		Auditor:   r.auditLog,
		Logger:    logger,
	}
	if c.RateLimit.Enabled {
		r.limiter = ratelimit.New(ratelimit.Config{
			MaxFailures:   c.RateLimit.MaxFailures,
			Window:        config.Duration(c.RateLimit.Window, 0),
			BlockDuration: config.Duration(c.RateLimit.BlockDuration, 0),
		})
		opts.Limiter = r.limiter
		logger.Info("Authentication throttling enabled", "max_failures", c.RateLimit.MaxFailures)
	}
	dispatcher := imapserver.NewDispatcher(opts)
	r.imapSrv = imapserver.NewServer(imapserver.Options{
		Dispatcher:      dispatcher,
		Logger:          logger,
		Greeting:        c.Server.Greeting,
		IdleTimeout:     config.Duration(c.Server.IdleTimeout, 0),
		ShutdownTimeout: config.Duration(c.Server.ShutdownTimeout, 30*time.Second),
	})

	addr, err := r.imapSrv.ListenAndServe(c.IMAPAddr())
	if err != nil {
		return fmt.Errorf("failed to start IMAP server: %w", err)
	}
	logger.Info("IMAP server started", "addr", addr.String())

	if tlsManager.HasTLS() {
		addr, err := r.imapSrv.ListenAndServeTLS(c.IMAPSAddr(), tlsManager.TLSConfig())
		if err != nil {
			return fmt.Errorf("failed to start IMAPS server: %w", err)
		}
		logger.Info("IMAPS server started", "addr", addr.String())
	}

	if h := tlsManager.ChallengeHandler(); h != nil {
		r.challengeSrv = &http.Server{
			Addr:              c.TLS.ChallengeListen,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := r.challengeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("ACME challenge server error")
			}
		}()
		logger.Info("ACME challenge responder started", "addr", c.TLS.ChallengeListen)
	}

	if c.Metrics.Enabled {
		r.metricsSrv = metrics.NewServer(c.MetricsAddr())
		metricsLog := logger.Metrics()
		go func() {
			if err := r.metricsSrv.ListenAndServe(); err != nil {
				metricsLog.WithError(err).Error("Metrics server error")
			}
		}()
		fmt.Printf("  Metrics: http://%s/metrics\n", c.MetricsAddr())
		metricsLog.Info("Metrics server started", "addr", c.MetricsAddr())
	}

	return nil
}

// reload re-reads certificate files on SIGHUP.
func (r *resources) reload() {
	if r.tlsManager == nil {
		return
	}
	if err := r.tlsManager.Reload(); err != nil {
		r.logger.WithError(err).Error("TLS certificate reload failed")
		return
	}
	r.logger.Info("TLS certificates reloaded")
}

func (r *resources) cleanup(c *config.Config) {
	logger := r.logger
	logger.Info("Starting graceful shutdown")

	shutdownTimeout := config.Duration(c.Server.ShutdownTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 1. Stop accepting new connections and end sessions
	if r.imapSrv != nil {
		logger.Info("Shutting down IMAP servers")
		if err := r.imapSrv.Close(); err != nil {
			logger.WithError(err).Error("IMAP server shutdown error")
		}
	}

	// 2. HTTP side servers
	if r.challengeSrv != nil {
		if err := r.challengeSrv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("ACME challenge server shutdown error")
		}
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown error")
		}
	}

	// 3. Collaborators used by sessions
	if r.limiter != nil {
		r.limiter.Close()
	}
	if r.closeRevocation != nil {
		logger.Info("Closing Redis connection")
		r.closeRevocation()
	}
	if r.auditLog != nil {
		logger.Info("Closing audit log")
		if err := r.auditLog.Close(); err != nil {
			logger.Audit().WithError(err).Error("Audit log close error")
		}
	}

	logger.Info("Shutdown complete")
}
