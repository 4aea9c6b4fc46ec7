package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/padint/internal/cluster"
	"github.com/dreamware/padint/internal/config"
	"github.com/dreamware/padint/internal/metrics"
	"github.com/dreamware/padint/internal/server"
)

func TestRootCommandValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "neither master nor primary",
			args:    []string{"--master", "", "--backup-of", ""},
			wantErr: "either master or backup_of",
		},
		{
			name:    "empty public address",
			args:    []string{"--master", "http://m:8000", "--addr", ""},
			wantErr: "public address",
		},
		{
			name:    "unknown flag",
			args:    []string{"--primary"},
			wantErr: "unknown flag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCommand()
			cmd.SetArgs(tt.args)
			cmd.SetOut(io.Discard)
			cmd.SetErr(io.Discard)

			err := cmd.ExecuteContext(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigFlagsWin(t *testing.T) {
	t.Setenv("PADINT_LISTEN", ":7000")
	t.Setenv("PADINT_MASTER", "http://env-master:8000")

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--listen", ":9100", "--addr", "http://10.0.0.7:9100"}))

	cfg, err := loadConfig(cmd, flagValues{listen: ":9100", addr: "http://10.0.0.7:9100"})
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Listen)
	assert.Equal(t, "http://10.0.0.7:9100", cfg.Addr)
	assert.Equal(t, "http://env-master:8000", cfg.Master)
	assert.Empty(t, cfg.BackupOf)
}

func TestOptions(t *testing.T) {
	cfg := config.DefaultServer()
	cfg.Master = "http://m:8000"
	cfg.ReplicationRate = 5

	opts := options(cfg, zap.NewNop(), metrics.NewServer())
	assert.NotNil(t, opts.Resolver)
	assert.NotNil(t, opts.Directory)
	assert.Equal(t, cfg.Addr, opts.Addr)
	assert.Equal(t, rate.Limit(5), opts.ReplicationRate)
	assert.Equal(t, cfg.HeartbeatTimeout, opts.HeartbeatTimeout)

	cfg.Master = ""
	opts = options(cfg, zap.NewNop(), metrics.NewServer())
	assert.Nil(t, opts.Directory)
}

// TestStartPrimaryRegisters checks that a primary takes its ID and bound from
// the master.
func TestStartPrimaryRegisters(t *testing.T) {
	var got cluster.RegisterRequest
	master := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, cluster.PathRegister, r.URL.Path)
		assert.NoError(t, cluster.DecodeJSON(r, &got))
		cluster.WriteJSON(w, http.StatusOK, cluster.RegisterResponse{ID: 3, Capacity: 8})
	}))
	defer master.Close()

	cfg := config.DefaultServer()
	cfg.Master = master.URL
	cfg.Addr = "http://10.0.0.9:9000"

	srv, join, err := start(context.Background(), cfg, options(cfg, zap.NewNop(), metrics.NewServer()))
	require.NoError(t, err)
	defer srv.Close()

	assert.Nil(t, join)
	assert.Nil(t, got.ID)
	assert.Equal(t, cfg.Addr, got.Addr)
	assert.Equal(t, 3, srv.ID())
	assert.Equal(t, 8, srv.Info().Bound)
	assert.Equal(t, server.RolePrimary, srv.RoleName())
}

func TestStartPrimaryMasterDown(t *testing.T) {
	master := httptest.NewServer(http.NotFoundHandler())
	master.Close()

	attempts, delay := retryAttempts, retryDelay
	retryAttempts, retryDelay = 3, time.Millisecond
	defer func() { retryAttempts, retryDelay = attempts, delay }()

	cfg := config.DefaultServer()
	cfg.Master = master.URL
	cfg.RequestTimeout = 200 * time.Millisecond

	_, _, err := start(context.Background(), cfg, options(cfg, zap.NewNop(), metrics.NewServer()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register with master")
}

func TestStartBackup(t *testing.T) {
	cfg := config.DefaultServer()
	cfg.BackupOf = "http://10.0.0.5:9000"
	cfg.HeartbeatTimeout = time.Hour

	srv, join, err := start(context.Background(), cfg, options(cfg, zap.NewNop(), metrics.NewServer()))
	require.NoError(t, err)
	defer srv.Close()

	assert.NotNil(t, join)
	assert.Equal(t, server.RoleBackup, srv.RoleName())
}

func TestRetry(t *testing.T) {
	attempts, delay := retryAttempts, retryDelay
	retryAttempts, retryDelay = 4, time.Millisecond
	defer func() { retryAttempts, retryDelay = attempts, delay }()

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), zap.NewNop(), "test", func(context.Context) error {
			calls++
			if calls < 3 {
				return server.ErrPeerUnreachable
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), zap.NewNop(), "test", func(context.Context) error {
			calls++
			return server.ErrPeerUnreachable
		})
		assert.ErrorIs(t, err, server.ErrPeerUnreachable)
		assert.Equal(t, 4, calls)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := retry(ctx, zap.NewNop(), "test", func(context.Context) error {
			return server.ErrPeerUnreachable
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
