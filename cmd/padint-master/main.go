// Command padint-master runs the padint master directory.
//
// The master hands out server IDs and capacity bounds, keeps the address
// table servers use for chain migration, and polls every server's /health
// endpoint. It holds no cell data.
//
// Usage:
//
//	padint-master --listen :8000 --capacity 2
//
// Settings come from defaults, an optional --config YAML file, the MASTER_*
// environment and finally the command-line flags.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/padint/internal/cluster"
	"github.com/dreamware/padint/internal/config"
	"github.com/dreamware/padint/internal/directory"
	"github.com/dreamware/padint/internal/logger"
	"github.com/dreamware/padint/internal/metrics"
)

var logFatal = log.Fatalf

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		logFatal("padint-master: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		listen     string
		capacity   int
	)

	cmd := &cobra.Command{
		Use:          "padint-master",
		Short:        "Run the padint master directory",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadMaster(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("capacity") {
				cfg.DefaultCapacity = capacity
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default :8000)")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "capacity bound handed to new servers (default 2)")
	return cmd
}

func run(ctx context.Context, cfg config.MasterConfig) error {
	lg, err := logger.New(cfg.Log, "master")
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()

	srv := newServer(cfg, lg, metrics.NewMaster())
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.monitor.Start(gctx, srv.registry.Entries)
		return nil
	})
	g.Go(func() error {
		lg.Info("master listening",
			zap.String("listen", cfg.Listen),
			zap.Int("default_capacity", cfg.DefaultCapacity))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.monitor.Stop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	lg.Info("master stopped")
	return err
}

// server serves the master API over the registry and health monitor.
type server struct {
	registry *directory.Registry
	monitor  *directory.HealthMonitor
	metrics  *metrics.Master
	log      *zap.Logger
}

func newServer(cfg config.MasterConfig, lg *zap.Logger, m *metrics.Master) *server {
	s := &server{
		registry: directory.NewRegistry(cfg.DefaultCapacity),
		monitor:  directory.NewHealthMonitor(cfg.HealthInterval, cfg.HealthTimeout, lg),
		metrics:  m,
		log:      lg,
	}
	s.monitor.SetOnChange(func(_ int, status string) {
		s.metrics.HealthChanges.WithLabelValues(status).Inc()
	})
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(cluster.PathRegister, s.handleRegister)
	mux.HandleFunc(cluster.PathServers, s.handleServers)
	mux.HandleFunc(cluster.PathCapacity, s.handleCapacity)
	mux.HandleFunc(cluster.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle(cluster.PathMetrics, s.metrics.Handler())
	return mux
}

// handleRegister assigns or confirms a server ID.
//
// A request without an ID is a new server; one with an ID is a backup that
// took over that ID and now answers at a new address.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}

	id := -1
	if req.ID != nil {
		id = *req.ID
	}
	reg, err := s.registry.Register(id, req.Addr)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.metrics.Registers.Inc()
	s.metrics.Servers.Set(float64(s.registry.Len()))
	s.metrics.Capacity.WithLabelValues(strconv.Itoa(reg.ID)).Set(float64(reg.Capacity))
	s.log.Info("server registered",
		zap.Int("server_id", reg.ID),
		zap.String("addr", req.Addr),
		zap.Bool("takeover", req.ID != nil),
		zap.Int("capacity", reg.Capacity))

	cluster.WriteJSON(w, http.StatusOK, cluster.RegisterResponse(reg))
}

// handleServers returns the capacity and health tables, plus the address
// table when the query asks for it with addresses=true.
func (s *server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := cluster.ServersResponse{
		Capacities: s.registry.Capacities(),
		Status:     s.monitor.Statuses(),
	}
	if want, _ := strconv.ParseBool(r.URL.Query().Get("addresses")); want {
		resp.Addresses = s.registry.Addresses()
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.CapacityRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if req.Capacity < 1 {
		s.writeError(w, errors.Wrapf(cluster.ErrBadRequest, "capacity %d", req.Capacity))
		return
	}
	if err := s.registry.SetCapacity(req.ID, req.Capacity); err != nil {
		s.writeError(w, err)
		return
	}

	s.metrics.Capacity.WithLabelValues(strconv.Itoa(req.ID)).Set(float64(req.Capacity))
	s.log.Info("capacity updated", zap.Int("server_id", req.ID), zap.Int("capacity", req.Capacity))
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps registry errors onto the shared wire codes.
func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrUnknownServer):
		cluster.WriteJSON(w, http.StatusNotFound, cluster.ErrorResponse{Code: "unknown_server", Message: err.Error()})
		return
	case errors.Is(err, directory.ErrInvalidAddress):
		err = errors.Wrap(cluster.ErrBadRequest, err.Error())
	}
	cluster.WriteError(w, err)
}
