package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/keepalive/internal/config"
	"github.com/loykin/keepalive/internal/history/factory"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/server"
	"github.com/loykin/keepalive/internal/supervisor"
	ktls "github.com/loykin/keepalive/internal/tls"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// RootFlags holds the only flags; everything else comes from config and env.
type RootFlags struct {
	ConfigPath string
	Listen     string
}

func buildRoot() *cobra.Command {
	flags := &RootFlags{}
	root := &cobra.Command{
		Use:   "keepalive",
		Short: "Self-healing supervisor for the Novera chat bot",
		Long: `keepalive watches the bot's health endpoint and escalates recovery when it
stops answering: credential refresh, kill and respawn, then a full reset.
Attempts are rate limited over a sliding one-hour window.

Settings come from built-in defaults, an optional TOML file and KEEPALIVE_*
environment variables, in that order of precedence.

Examples:
  keepalive
  keepalive --config /etc/keepalive.toml
  KEEPALIVE_HEALTH_URL=http://127.0.0.1:8080/healthz keepalive --listen 127.0.0.1:9300`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, *flags)
		},
	}
	root.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.Flags().StringVar(&flags.Listen, "listen", "", "status server address, overrides server.listen")
	return root
}

func run(ctx context.Context, flags RootFlags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}

	logs := cfg.Log.Setup()
	defer func() { _ = logs.Close() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("metrics unavailable", "error", err)
	}

	sup := supervisor.New(cfg)
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN, cfg.History.Table)
		if err != nil {
			slog.Warn("recovery history disabled", "error", err)
		} else {
			sup.History = sink
			if c, ok := sink.(io.Closer); ok {
				defer func() { _ = c.Close() }()
			}
		}
	}
	if cfg.Server.Listen != "" {
		tlsCfg, err := ktls.Setup(cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("status server tls: %w", err)
		}
		srv, err := server.NewServer(cfg.Server.Listen, "", sup, nil, tlsCfg)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		defer server.Shutdown(srv, 5*time.Second)
	}
	return sup.Run(ctx)
}
