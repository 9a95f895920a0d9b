package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/winwatch/winwatch/internal/agent"
	"github.com/winwatch/winwatch/internal/audit"
	"github.com/winwatch/winwatch/internal/config"
	"github.com/winwatch/winwatch/internal/journal"
	"github.com/winwatch/winwatch/internal/relay"
	"github.com/winwatch/winwatch/internal/stream"
)

var configPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run every monitor from a configuration file until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", `C:\ProgramData\winwatch\config.yaml`, "path to the winwatch YAML configuration file")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// The configuration decides the level unless it was given on the command
	// line.
	level := cfg.LogLevel
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	logger := newLogger(os.Stderr, level, logFormat)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.String("log_level", level),
		slog.Int("num_monitors", len(cfg.Monitors)),
	)

	ctx, stop := watchContext(cmd)
	defer stop()

	opts, release, err := agentOptions(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ag := agent.New(cfg, logger, opts...)
	if err := ag.Start(ctx); err != nil {
		// The agent only owns the journal and sinks once it started.
		release()
		return err
	}

	var statusServer *http.Server
	if cfg.StatusEnabled() {
		statusServer = &http.Server{
			Addr:         cfg.StatusAddr,
			Handler:      ag.Router(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server listening", slog.String("addr", cfg.StatusAddr))
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", slog.Any("error", err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// Graceful shutdown: stop the agent first, then the HTTP server.
	ag.Stop()

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("winwatch exited cleanly")
	return nil
}

// agentOptions opens the journal and sinks the configuration asks for. On
// error everything opened so far is closed again; on success release closes
// them, for use when the agent never takes ownership.
func agentOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]agent.Option, func(), error) {
	var (
		opts    []agent.Option
		closers []io.Closer
	)
	release := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, j)
		opts = append(opts, agent.WithJournal(j))
		logger.Info("event journal opened",
			slog.String("path", cfg.JournalPath),
			slog.Int("entries", j.Count()),
		)
	}

	if cfg.AuditPath != "" {
		tr, err := audit.Open(cfg.AuditPath)
		if err != nil {
			release()
			return nil, nil, err
		}
		closers = append(closers, tr)
		opts = append(opts, agent.WithSink(tr))
		seq, _ := tr.Head()
		logger.Info("audit trail opened", slog.String("path", cfg.AuditPath), slog.Int64("records", seq))
	}

	if cfg.Forward.DSN != "" {
		fw, err := journal.NewForwarder(ctx, cfg.Forward.DSN, cfg.Forward.BatchSize, cfg.Forward.FlushInterval)
		if err != nil {
			release()
			return nil, nil, err
		}
		closers = append(closers, fw)
		opts = append(opts, agent.WithSink(fw))
		logger.Info("forwarding events to postgres", slog.String("host", fw.Host()))
	}

	if cfg.Relay.Addr != "" {
		rl, err := relay.New(relay.Config{
			Addr:       cfg.Relay.Addr,
			CAPath:     cfg.Relay.CAPath,
			ServerName: cfg.Relay.ServerName,
			Insecure:   cfg.Relay.Insecure,
			Buffer:     cfg.Relay.Buffer,
			MaxBackoff: cfg.Relay.MaxBackoff,
		}, logger)
		if err != nil {
			release()
			return nil, nil, err
		}
		closers = append(closers, rl)
		opts = append(opts, agent.WithSink(rl))
		logger.Info("relaying events", slog.String("collector", cfg.Relay.Addr))
	}

	if cfg.EventStream {
		hub := stream.NewHub(logger, 0)
		closers = append(closers, hub)
		opts = append(opts, agent.WithStream(hub))
	}

	if cfg.StatusAuth.PublicKeyPath != "" {
		auth, err := agent.LoadAuth(cfg.StatusAuth.PublicKeyPath, cfg.StatusAuth.Issuer, cfg.StatusAuth.Audience)
		if err != nil {
			release()
			return nil, nil, err
		}
		opts = append(opts, agent.WithAuth(auth))
	}

	return opts, release, nil
}

// watchContext returns a context cancelled by SIGINT or SIGTERM.
func watchContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
}
