// Package config loads padint server and master settings.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then environment variables. The binaries apply command-line flags on
// top of the result and call Validate before starting.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/padint/internal/logger"
)

// ServerConfig configures one padint server process.
type ServerConfig struct {
	// Listen is the local bind address, e.g. ":9000".
	Listen string `yaml:"listen"`
	// Addr is the public URL peers and clients use to reach this server.
	Addr string `yaml:"addr"`
	// Master is the master directory URL.
	Master string `yaml:"master"`
	// BackupOf is the primary's URL. Empty starts the server as a primary.
	BackupOf string `yaml:"backup_of"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReplicationRate   float64       `yaml:"replication_rate"`
	ReplicationBurst  int           `yaml:"replication_burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	Log logger.Config `yaml:"log"`
}

// MasterConfig configures the master directory process.
type MasterConfig struct {
	Listen          string        `yaml:"listen"`
	DefaultCapacity int           `yaml:"default_capacity"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`

	Log logger.Config `yaml:"log"`
}

// DefaultServer returns the server defaults.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Listen:            ":9000",
		Addr:              "http://127.0.0.1:9000",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  35 * time.Second,
		ReplicationRate:   20,
		ReplicationBurst:  1,
		RequestTimeout:    5 * time.Second,
		Log:               logger.Config{Level: "info", Format: "json"},
	}
}

// DefaultMaster returns the master defaults.
func DefaultMaster() MasterConfig {
	return MasterConfig{
		Listen:          ":8000",
		DefaultCapacity: 2,
		HealthInterval:  5 * time.Second,
		HealthTimeout:   2 * time.Second,
		Log:             logger.Config{Level: "info", Format: "json"},
	}
}

// LoadServer resolves a ServerConfig from defaults, the YAML file at path
// (skipped when empty) and the PADINT_* environment.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServer()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}

	env := envReader{}
	env.str("PADINT_LISTEN", &cfg.Listen)
	env.str("PADINT_ADDR", &cfg.Addr)
	env.str("PADINT_MASTER", &cfg.Master)
	env.str("PADINT_BACKUP_OF", &cfg.BackupOf)
	env.duration("PADINT_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	env.duration("PADINT_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	env.float("PADINT_REPLICATION_RATE", &cfg.ReplicationRate)
	env.str("PADINT_LOG_LEVEL", &cfg.Log.Level)
	env.str("PADINT_LOG_FORMAT", &cfg.Log.Format)
	return cfg, env.err
}

// LoadMaster resolves a MasterConfig from defaults, the YAML file at path
// (skipped when empty) and the MASTER_* environment.
func LoadMaster(path string) (MasterConfig, error) {
	cfg := DefaultMaster()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}

	env := envReader{}
	env.str("MASTER_LISTEN", &cfg.Listen)
	env.int("MASTER_CAPACITY", &cfg.DefaultCapacity)
	env.duration("MASTER_HEALTH_INTERVAL", &cfg.HealthInterval)
	env.str("MASTER_LOG_LEVEL", &cfg.Log.Level)
	env.str("MASTER_LOG_FORMAT", &cfg.Log.Format)
	return cfg, env.err
}

// Validate reports the first inconsistent setting.
func (c ServerConfig) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("listen address is required")
	case c.Addr == "":
		return errors.New("public address is required")
	case c.Master == "" && c.BackupOf == "":
		return errors.New("either master or backup_of is required")
	case c.HeartbeatInterval <= 0:
		return errors.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return errors.Errorf("heartbeat timeout %s must exceed interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	case c.ReplicationRate <= 0 || c.ReplicationBurst < 1:
		return errors.Errorf("invalid replication rate %g burst %d", c.ReplicationRate, c.ReplicationBurst)
	case c.RequestTimeout <= 0:
		return errors.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c MasterConfig) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("listen address is required")
	case c.DefaultCapacity < 1:
		return errors.Errorf("default capacity must be at least 1, got %d", c.DefaultCapacity)
	case c.HealthInterval <= 0 || c.HealthTimeout <= 0:
		return errors.New("health interval and timeout must be positive")
	}
	return nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// envReader applies non-empty environment variables and keeps the first
// parse error.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != "" && r.err == nil
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.err = errors.Wrapf(err, "env %s", key)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.err = errors.Wrapf(err, "env %s", key)
			return
		}
		*dst = f
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.err = errors.Wrapf(err, "env %s", key)
			return
		}
		*dst = d
	}
}
