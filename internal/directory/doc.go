// Package directory implements the padint master: the registry of servers
// and their capacities, the health monitor that polls them, and the client
// servers use to reach the master.
//
// # Registry
//
// Servers register with their public address and receive a sequential ID and
// the default capacity bound. The ID fixes the server's position in the
// migration chain; server 0 is the sink. A backup that takes over registers
// again under the ID it inherited, replacing the address:
//
//	Register(-1, "http://a:9000")  → {ID: 0, Capacity: 2}
//	Register(-1, "http://b:9000")  → {ID: 1, Capacity: 2}
//	SetCapacity(1, 4)
//	Register(1, "http://b2:9000")  → {ID: 1, Capacity: 4}   (takeover)
//
// ServersInfo answers with the capacity of every server and, on request,
// the address table the migration chain routes by.
//
// # Health Monitoring
//
// HealthMonitor polls GET /health on every registered server each interval.
// Three failures in a row mark a server unhealthy; one success marks it
// healthy again. The master reports the status of each server next to its
// capacity. Health is informational only: failover is driven by the backups'
// heartbeat timers, not by the master.
package directory
