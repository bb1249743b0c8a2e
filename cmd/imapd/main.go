package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/imapd/internal/audit"
	"github.com/fenilsonani/imapd/internal/auth"
	"github.com/fenilsonani/imapd/internal/config"
	"github.com/fenilsonani/imapd/internal/logging"
	"github.com/fenilsonani/imapd/internal/validation"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "imapd",
	Short: "Minimal IMAP server with XOAUTH2 bearer-token authentication",
	Long: `A minimal IMAP4rev1 command server:
- CAPABILITY, NOOP, LOGOUT, LOGIN (disabled) and AUTHENTICATE XOAUTH2
- HS256 bearer tokens with optional Redis-backed revocation
- SQLite audit trail of authentication events
- Prometheus metrics`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("imapd %s\n", version)
	},
}

// Token commands
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue, verify and revoke bearer tokens",
}

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a bearer token for AUTHENTICATE XOAUTH2",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSubject == "" {
			return fmt.Errorf("--subject is required")
		}
		if err := validation.Subject(tokenSubject); err != nil {
			return err
		}

		validator, err := auth.NewJWTValidator(jwtConfig(cfg), nil)
		if err != nil {
			return err
		}

		token, claims, err := validator.Issue(tokenSubject, tokenTTL)
		if err != nil {
			return err
		}

		recordCLIEvent(cmd.Context(), audit.Event{Action: audit.EventTokenIssued, Subject: claims.Subject})

		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "subject=%s jti=%s expires=%s\n",
			claims.Subject, claims.TokenID(), claims.Expiry().Format(time.RFC3339))
		return nil
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Validate a token the way AUTHENTICATE does",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}

		validator, closeRevocation, err := newValidator(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeRevocation()

		claims, err := validator.Validate(ctx, args[0])
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}

		fmt.Printf("valid\nsubject: %s\njti: %s\nexpires: %s\n",
			claims.Subject, claims.TokenID(), claims.Expiry().Format(time.RFC3339))
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Add a token to the revocation list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Revocation.Enabled {
			return fmt.Errorf("revocation is disabled (set revocation.enabled)")
		}
		ctx := cmd.Context()
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}

		validator, closeRevocation, err := newValidator(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeRevocation()

		claims, err := validator.Revoke(ctx, args[0])
		if err != nil {
			return err
		}

		recordCLIEvent(ctx, audit.Event{Action: audit.EventTokenRevoked, Subject: claims.Subject})
		fmt.Printf("revoked %s (subject %s) until %s\n",
			claims.TokenID(), claims.Subject, claims.Expiry().Format(time.RFC3339))
		return nil
	},
}

// Config commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		fmt.Println("configuration OK")
		return nil
	},
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

// Audit commands
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the authentication audit trail",
}

var (
	auditLimit   int
	auditSubject string
	auditAction  string
)

var auditRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recent authentication events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Audit.Enabled {
			return fmt.Errorf("audit is disabled (set audit.enabled)")
		}

		auditLog, err := audit.Open(cfg.Audit.DatabasePath)
		if err != nil {
			return err
		}
		defer auditLog.Close()

		events, err := auditLog.Query(cmd.Context(), audit.QueryFilter{
			Subject: auditSubject,
			Action:  audit.EventType(auditAction),
			Limit:   auditLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to query audit log: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tSUBJECT\tREMOTE\tTRACE\tREASON")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.RFC3339), e.Action, e.Subject, e.RemoteAddr, e.TraceID, e.Reason)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "imapd.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	// Token commands
	tokenIssueCmd.Flags().StringVarP(&tokenSubject, "subject", "s", "", "token subject (user)")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
	rootCmd.AddCommand(tokenCmd)

	// Config commands
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configPrintCmd)
	rootCmd.AddCommand(configCmd)

	// Audit commands
	auditRecentCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "number of events")
	auditRecentCmd.Flags().StringVar(&auditSubject, "subject", "", "only events for this subject")
	auditRecentCmd.Flags().StringVar(&auditAction, "action", "", "only events of this action, e.g. auth.failure")
	auditCmd.AddCommand(auditRecentCmd)
	rootCmd.AddCommand(auditCmd)
}

func jwtConfig(c *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Secret: c.Auth.JWTSecret,
		Issuer: c.Auth.Issuer,
		TTL:    config.Duration(c.Auth.TokenTTL, auth.DefaultTokenTTL),
		Leeway: config.Duration(c.Auth.Leeway, 0),
	}
}

func newLogger(c *config.Config) (*logging.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// newValidator builds the token validator, connecting to Redis when
// revocation is enabled. The returned func releases the connection.
func newValidator(ctx context.Context, c *config.Config, logger *logging.Logger) (*auth.JWTValidator, func(), error) {
	var (
		revoked auth.RevocationList
		closeFn = func() {}
	)

	if c.Revocation.Enabled {
		redisList, err := auth.NewRedisRevocationList(ctx, auth.RedisRevocationConfig{
			URL:    c.Revocation.RedisURL,
			Prefix: c.Revocation.Prefix,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize revocation list: %w", err)
		}
		revoked = redisList
		closeFn = func() {
			if err := redisList.Close(); err != nil {
				logger.WithError(err).Error("Redis close error")
			}
		}
	}

	validator, err := auth.NewJWTValidator(jwtConfig(c), revoked)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return validator, closeFn, nil
}

// recordCLIEvent writes a token management event when auditing is enabled.
// Failures are reported but do not fail the command.
func recordCLIEvent(ctx context.Context, e audit.Event) {
	if !cfg.Audit.Enabled {
		return
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		return
	}
	auditLog, err := audit.Open(cfg.Audit.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: audit unavailable: %v\n", err)
		return
	}
	defer auditLog.Close()

	if err := auditLog.Log(ctx, e); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record audit event: %v\n", err)
	}
}
