package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailmove/internal/api"
	"github.com/Martian-dev/mailmove/internal/auth"
	"github.com/Martian-dev/mailmove/internal/config"
	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/engine"
	"github.com/Martian-dev/mailmove/internal/jobs"
	"github.com/Martian-dev/mailmove/internal/model"
	natsjs "github.com/Martian-dev/mailmove/internal/nats"
	"github.com/Martian-dev/mailmove/internal/providers/google"
	"github.com/Martian-dev/mailmove/internal/providers/imap"
	"github.com/Martian-dev/mailmove/internal/providers/microsoft"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the migration engine and the HTTP control API",
		Long: `Start the worker pool, the scheduler that starts scheduled jobs and runs
incremental passes, and the HTTP control API. SIGINT or SIGTERM stops
accepting requests and interrupts running jobs; they stay RUNNING and resume
on the next start.`,
		Args: cobra.NoArgs,
		RunE: serveRun,
	}
	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port), overrides server.listen")
	return cmd
}

// newRegistry wires the provider connectors to the credential broker.
func newRegistry(cfg *config.Config) *connector.Registry {
	broker := auth.NewBrokerClient(cfg.Broker.URL, cfg.Broker.Token)
	googleTokens := auth.NewTokenSources(broker, auth.GoogleConfig(cfg.Google.ClientID, cfg.Google.ClientSecret))
	msTokens := auth.NewTokenSources(broker, auth.MicrosoftConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.TenantID))

	reg := connector.NewRegistry()
	reg.Register(model.ProviderGoogle, google.New(googleTokens, logger.With("provider", "google")).Set())
	reg.Register(model.ProviderMicrosoft, microsoft.New(msTokens, logger.With("provider", "microsoft")).Set())
	reg.Register(model.ProviderIMAP, imap.New(broker, imap.Config{Timeout: cfg.IMAP.Timeout}, logger.With("provider", "imap")).Set())
	return reg
}

func engineConfig(cfg *config.Config) engine.Config {
	e := cfg.Engine
	return engine.Config{
		BatchSize:        e.BatchSize,
		ProgressEvery:    e.ProgressEvery,
		VerifyTolerance:  e.VerifyTolerance,
		PropagateDeletes: e.PropagateDeletes,
		Retry: connector.RetryPolicy{
			MaxAttempts:     e.Retry.MaxAttempts,
			InitialInterval: e.Retry.InitialInterval,
			MaxInterval:     e.Retry.MaxInterval,
		},
	}
}

func serveRun(cmd *cobra.Command, args []string) error {
	cfg := globalCfg
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore()
	if err != nil {
		return err
	}

	var broadcaster engine.Broadcaster
	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(ctx, natsjs.Config{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		}, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		broadcaster = pub
	} else {
		logger.Warn("nats.url not set, progress is not broadcast")
	}

	var authn api.Authenticator
	if cfg.Server.JWKSURL != "" {
		v, err := auth.NewJWTVerifier(ctx, cfg.Server.JWKSURL, auth.VerifierOptions{
			Issuer:   cfg.Server.JWTIssuer,
			Audience: cfg.Server.JWTAudience,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize jwt verifier: %w", err)
		}
		authn = v
	} else {
		logger.Warn("server.jwks_url not set, control API is unauthenticated")
	}

	reg := newRegistry(cfg)
	eng := engine.New(st, reg, broadcaster, engineConfig(cfg), logger)
	pool := engine.NewPool(eng, cfg.Engine.Workers, cfg.Engine.QueueSize, logger)
	pool.Start(ctx)

	sched := engine.NewScheduler(st, pool, eng, cfg.Engine.IncrementalInterval, logger)
	if cfg.Engine.SchedulerTick > 0 {
		sched.Tick = cfg.Engine.SchedulerTick
	}
	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	srv := api.New(jobs.New(st, reg, pool, broadcaster, logger), authn, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.Server.Listen) }()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil {
			serveErr = fmt.Errorf("server error: %w", serveErr)
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	stop()
	pool.Stop()
	logger.Info("mailmove stopped")
	return serveErr
}
