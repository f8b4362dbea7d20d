// Connection state and lifecycle now live on backend.Server
// (internal/backend/server.go), which generalizes this package's
// former PooledConn with transaction/sync/dirty tracking and
// prepared-statement bookkeeping per spec §3/§4.1. See DESIGN.md.
package pool
