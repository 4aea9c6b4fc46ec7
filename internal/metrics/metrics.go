// Package metrics defines the Prometheus collectors exported by padint
// servers and the master. Each constructor builds its own registry so that
// several servers (or tests) can live in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "padint"

// Role label values.
var roles = []string{"primary", "backup", "frozen"}

// Server holds the collectors of one padint server.
type Server struct {
	registry *prometheus.Registry

	Ops           *prometheus.CounterVec
	LockWait      *prometheus.HistogramVec
	AbortRequired prometheus.Counter
	Cells         prometheus.Gauge
	Bound         prometheus.Gauge
	Role          *prometheus.GaugeVec
	Takeovers     prometheus.Counter
	Heartbeats    *prometheus.CounterVec
	Replications  *prometheus.CounterVec
	Migrations    *prometheus.CounterVec
	MigratedCells prometheus.Counter
}

// NewServer creates and registers the server collectors.
func NewServer() *Server {
	m := &Server{
		registry: prometheus.NewRegistry(),
		Ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "operations_total",
				Help:      "Client operations by name and result.",
			}, []string{"op", "result"}),
		LockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cell",
				Name:      "lock_wait_seconds",
				Help:      "Time spent acquiring cell locks.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
			}, []string{"mode"}),
		AbortRequired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cell",
				Name:      "abort_required_total",
				Help:      "Upgrades refused because the promotion slot was taken.",
			}),
		Cells: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "partition",
				Name:      "cells",
				Help:      "Cells held by this server.",
			}),
		Bound: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "partition",
				Name:      "capacity_bound",
				Help:      "Current capacity bound.",
			}),
		Role: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "role",
				Help:      "1 for the active role, 0 otherwise.",
			}, []string{"role"}),
		Takeovers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "takeovers_total",
				Help:      "Backups promoted after a heartbeat timeout.",
			}),
		Heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "heartbeats_total",
				Help:      "ImAlive messages by direction and result.",
			}, []string{"direction", "result"}),
		Replications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "replications_total",
				Help:      "Snapshots pushed to the backup by result.",
			}, []string{"result"}),
		Migrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "partition",
				Name:      "migrations_total",
				Help:      "Capacity migrations by outcome.",
			}, []string{"result"}),
		MigratedCells: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "partition",
				Name:      "migrated_cells_total",
				Help:      "Cells donated to the left neighbor.",
			}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Ops, m.LockWait, m.AbortRequired, m.Cells, m.Bound, m.Role,
		m.Takeovers, m.Heartbeats, m.Replications, m.Migrations, m.MigratedCells,
	)
	return m
}

// SetRole marks role as the active one.
func (m *Server) SetRole(role string) {
	for _, r := range roles {
		v := 0.0
		if r == role {
			v = 1
		}
		m.Role.WithLabelValues(r).Set(v)
	}
}

// Op counts a client operation. err decides the result label.
func (m *Server) Op(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Ops.WithLabelValues(op, result).Inc()
}

// Registry exposes the underlying registry.
func (m *Server) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Server) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Master holds the collectors of the master directory.
type Master struct {
	registry *prometheus.Registry

	Servers       prometheus.Gauge
	Registers     prometheus.Counter
	HealthChanges *prometheus.CounterVec
	Capacity      *prometheus.GaugeVec
}

// NewMaster creates and registers the master collectors.
func NewMaster() *Master {
	m := &Master{
		registry: prometheus.NewRegistry(),
		Servers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "master",
				Name:      "servers",
				Help:      "Registered servers.",
			}),
		Registers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "master",
				Name:      "registrations_total",
				Help:      "Register calls served.",
			}),
		HealthChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "master",
				Name:      "health_changes_total",
				Help:      "Server health status changes by new status.",
			}, []string{"status"}),
		Capacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "master",
				Name:      "server_capacity",
				Help:      "Last capacity reported per server.",
			}, []string{"server_id"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.Servers, m.Registers, m.HealthChanges, m.Capacity,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Master) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
