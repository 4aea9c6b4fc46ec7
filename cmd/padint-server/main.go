// Command padint-server runs one padint server.
//
// Without --backup-of the server starts as a primary: it registers with the
// master, receives its server ID and capacity bound, and serves clients.
// With --backup-of it starts as the backup of that primary and asks the
// primary to adopt it; it takes over when the primary's heartbeats stop.
//
// Usage:
//
//	padint-server --master http://127.0.0.1:8000 --listen :9000 --addr http://10.0.0.5:9000
//	padint-server --master http://127.0.0.1:8000 --backup-of http://10.0.0.5:9000 --listen :9001 --addr http://10.0.0.6:9001
//
// Settings come from defaults, an optional --config YAML file, the PADINT_*
// environment and finally the command-line flags.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dreamware/padint/internal/cluster"
	"github.com/dreamware/padint/internal/config"
	"github.com/dreamware/padint/internal/directory"
	"github.com/dreamware/padint/internal/logger"
	"github.com/dreamware/padint/internal/metrics"
	"github.com/dreamware/padint/internal/server"
)

var logFatal = log.Fatalf

// Startup calls to the master and the primary are retried so processes can
// be started in any order.
var (
	retryAttempts = 10
	retryDelay    = 400 * time.Millisecond
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		logFatal("padint-server: %v", err)
	}
}

type flagValues struct {
	configPath string
	listen     string
	addr       string
	master     string
	backupOf   string
}

func newRootCommand() *cobra.Command {
	var fv flagValues

	cmd := &cobra.Command{
		Use:          "padint-server",
		Short:        "Run a padint server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, fv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&fv.configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&fv.listen, "listen", "", "listen address (default :9000)")
	cmd.Flags().StringVar(&fv.addr, "addr", "", "public URL of this server")
	cmd.Flags().StringVar(&fv.master, "master", "", "master directory URL")
	cmd.Flags().StringVar(&fv.backupOf, "backup-of", "", "start as the backup of the primary at this URL")
	return cmd
}

// loadConfig layers the flags that were set over the file and environment.
func loadConfig(cmd *cobra.Command, fv flagValues) (config.ServerConfig, error) {
	cfg, err := config.LoadServer(fv.configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = fv.listen
	}
	if flags.Changed("addr") {
		cfg.Addr = fv.addr
	}
	if flags.Changed("master") {
		cfg.Master = fv.master
	}
	if flags.Changed("backup-of") {
		cfg.BackupOf = fv.backupOf
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// options translates the configuration into server options.
func options(cfg config.ServerConfig, lg *zap.Logger, m *metrics.Server) server.Options {
	opts := server.Options{
		Resolver:          cluster.NewResolver(&http.Client{Timeout: cfg.RequestTimeout}),
		Logger:            lg,
		Metrics:           m,
		Addr:              cfg.Addr,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReplicationRate:   rate.Limit(cfg.ReplicationRate),
		ReplicationBurst:  cfg.ReplicationBurst,
		RequestTimeout:    cfg.RequestTimeout,
	}
	if cfg.Master != "" {
		opts.Directory = directory.NewClient(cfg.Master)
	}
	return opts
}

// start creates the server in the role the configuration asks for. A primary
// registers with the master first; the returned join func is non-nil for a
// backup and must run once the HTTP listener accepts connections.
func start(ctx context.Context, cfg config.ServerConfig, opts server.Options) (*server.Server, func(context.Context) error, error) {
	if cfg.BackupOf != "" {
		srv := server.NewBackup(cfg.BackupOf, opts)
		return srv, srv.Join, nil
	}

	var reg server.Registration
	err := retry(ctx, opts.Logger, "register", func(ctx context.Context) error {
		regCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
		var err error
		reg, err = opts.Directory.Register(regCtx, -1, cfg.Addr)
		return err
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "register with master %s", cfg.Master)
	}
	opts.Logger.Info("registered with master",
		zap.Int("server_id", reg.ID),
		zap.Int("capacity", reg.Capacity))
	return server.NewPrimary(reg.ID, reg.Capacity, opts), nil, nil
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	lg, err := logger.New(cfg.Log, "server")
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewServer()
	srv, join, err := start(ctx, cfg, options(cfg, lg, m))
	if err != nil {
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Listen)
	}
	httpSrv := &http.Server{
		Handler:           newHandler(srv, m, lg).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("server listening",
			zap.String("listen", cfg.Listen),
			zap.String("addr", cfg.Addr),
			zap.String("role", srv.RoleName()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})
	if join != nil {
		g.Go(func() error {
			return retry(gctx, lg, "join primary", func(ctx context.Context) error {
				joinCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
				defer cancel()
				return join(joinCtx)
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	lg.Info("server stopped", zap.Int("server_id", srv.ID()), zap.String("role", srv.RoleName()))
	return err
}

// retry calls fn until it succeeds, ctx ends, or retryAttempts calls failed.
//
// Parameters:
//   - what: operation name for the log
//   - fn: the call to retry; it receives ctx
//
// Returns the last error when every attempt failed.
func retry(ctx context.Context, lg *zap.Logger, what string, fn func(context.Context) error) error {
	var err error
	for i := 0; i < retryAttempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		lg.Warn("startup call failed, retrying",
			zap.String("op", what),
			zap.Int("attempt", i+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return err
}
