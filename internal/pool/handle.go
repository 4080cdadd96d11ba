package pool

import (
	"database/sql"
	"sync"
	"time"
)

// Handle is an exclusive lease on one connection. Exactly one of Release or
// Discard takes effect; later calls are no-ops.
type Handle struct {
	pool       *Pool
	pc         *pconn
	acquiredAt time.Time
	once       sync.Once
}

// Conn returns the leased connection. It must not be used after Release.
func (h *Handle) Conn() *sql.Conn {
	return h.pc.conn
}

// ID identifies the physical connection, for logs
func (h *Handle) ID() uint64 {
	return h.pc.id
}

// AcquiredAt reports when the lease began
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// Release returns the connection to the pool
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.release(h.pc)
	})
}

// Discard closes the connection instead of returning it. Use it when the
// connection is known to be broken.
func (h *Handle) Discard() {
	h.once.Do(func() {
		h.pool.discard(h.pc, "discarded")
	})
}
