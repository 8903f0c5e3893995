// Package stores provides the persistence layer for agentd. It includes a
// SQLite-based store with WAL mode, connection pooling and embedded
// migrations, holding agents, their source and control links, emitted
// events and the per-agent logs.
package stores
