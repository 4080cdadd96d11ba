// Package pool leases exclusive database connections to in-flight operations.
//
// The pool keeps at most Max physical connections open and at least Min warm.
// Every connection is probed before it is handed out; a dead one is replaced
// transparently a bounded number of times before the caller sees
// ErrPoolExhausted. Callers that find the pool full wait in FIFO order until a
// connection is released or their timeout expires (ErrPoolTimeout).
//
// Bookkeeping invariant, guarded by mu:
//
//	open = len(idle) + active + warming
//
// where active counts leased handles plus slots reserved for a dial in progress.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/observability/events"
	"github.com/aryan0dhankhar/clinicore/internal/observability/metrics"
	"github.com/aryan0dhankhar/clinicore/internal/reliability/circuitbreaker"
	"github.com/aryan0dhankhar/clinicore/internal/reliability/retry"
)

// Connector dials a dedicated physical connection. *sql.DB satisfies it.
type Connector interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// ProbeFunc checks that a connection is still usable.
type ProbeFunc func(ctx context.Context, conn *sql.Conn) error

// Config bounds the pool
type Config struct {
	Name            string
	Min             int
	Max             int
	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	HighUtilization float64
	ProbeAttempts   int
	ProbeDelay      time.Duration
	ReapInterval    time.Duration
}

// DefaultConfig returns the pool defaults
func DefaultConfig() Config {
	return Config{
		Name:            "primary",
		Min:             2,
		Max:             10,
		AcquireTimeout:  5 * time.Second,
		IdleTimeout:     5 * time.Minute,
		HighUtilization: 0.8,
		ProbeAttempts:   3,
		ProbeDelay:      200 * time.Millisecond,
	}
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Active      int
	Idle        int
	Waiting     int
	Open        int
	Max         int
	Utilization float64
}

var errBreakerOpen = errors.New("database dial circuit is open")

type pconn struct {
	conn       *sql.Conn
	id         uint64
	createdAt  time.Time
	returnedAt time.Time
}

// grant is what a waiter receives: a live connection or a reserved dial slot.
type grant struct {
	pc   *pconn
	slot bool
	err  error
}

type waiter struct {
	ch chan grant
}

// Pool is the connection pool manager
type Pool struct {
	connector Connector
	cfg       Config
	logger    *slog.Logger
	events    events.Sink
	probe     ProbeFunc
	now       func() time.Time
	breaker   *circuitbreaker.CircuitBreaker

	mu         sync.Mutex
	idle       []*pconn
	open       int
	active     int
	waiters    []*waiter
	closed     bool
	highWarned bool
	nextID     uint64

	startOnce  sync.Once
	stop       chan struct{}
	reaperDone chan struct{}
}

// Option customizes a Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEvents routes pool warnings to sink
func WithEvents(sink events.Sink) Option {
	return func(p *Pool) {
		if sink != nil {
			p.events = sink
		}
	}
}

// WithProbe replaces the liveness probe (default: PingContext)
func WithProbe(probe ProbeFunc) Option {
	return func(p *Pool) {
		if probe != nil {
			p.probe = probe
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithBreaker replaces the dial circuit breaker
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(p *Pool) {
		if cb != nil {
			p.breaker = cb
		}
	}
}

// New validates cfg and builds a pool. No connection is opened until Start
// or the first Acquire.
func New(connector Connector, cfg Config, opts ...Option) (*Pool, error) {
	if connector == nil {
		return nil, fmt.Errorf("pool: connector is required")
	}
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("pool: max must be positive, got %d", cfg.Max)
	}
	if cfg.Min < 0 || cfg.Min > cfg.Max {
		return nil, fmt.Errorf("pool: min must be within [0, %d], got %d", cfg.Max, cfg.Min)
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HighUtilization <= 0 || cfg.HighUtilization > 1 {
		cfg.HighUtilization = def.HighUtilization
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = def.ProbeAttempts
	}
	if cfg.ProbeDelay < 0 {
		cfg.ProbeDelay = def.ProbeDelay
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = min(cfg.IdleTimeout/2, time.Minute)
	}

	p := &Pool{
		connector: connector,
		cfg:       cfg,
		logger:    slog.Default(),
		events:    events.Nop,
		probe:     func(ctx context.Context, c *sql.Conn) error { return c.PingContext(ctx) },
		now:       time.Now,
		breaker:   circuitbreaker.NewCircuitBreaker(5, 1, 10*time.Second),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker.SetStateChangeCallback(func(from, to circuitbreaker.State) {
		p.logger.Warn("pool dial circuit changed state",
			slog.String("pool", p.cfg.Name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return p, nil
}

// Config returns the effective configuration
func (p *Pool) Config() Config {
	return p.cfg
}

// Start warms Min connections and launches the idle reaper. The reaper stops
// when ctx is canceled or the pool is closed.
func (p *Pool) Start(ctx context.Context) error {
	var err error
	p.startOnce.Do(func() {
		p.mu.Lock()
		n := max(p.cfg.Min-p.open, 0)
		p.open += n
		p.mu.Unlock()
		if failed := p.warm(ctx, n); failed > 0 {
			err = fmt.Errorf("pool: failed to open %d of %d warm connections", failed, n)
		}

		p.reaperDone = make(chan struct{})
		go p.reapLoop(ctx)

		p.logger.Info("connection pool started",
			slog.String("pool", p.cfg.Name),
			slog.Int("min", p.cfg.Min),
			slog.Int("max", p.cfg.Max),
			slog.Duration("idle_timeout", p.cfg.IdleTimeout),
		)
	})
	return err
}

// Acquire leases a connection, waiting at most timeout (the configured
// acquire timeout when timeout <= 0). The returned handle must be released.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, err := p.reserve(ctx, timeout)
	if err != nil {
		metrics.ObserveAcquire(p.cfg.Name, string(domain.KindOf(err)), p.now().Sub(start))
		return nil, err
	}

	pc, err := p.validate(ctx, g, timeout)
	if err != nil {
		p.mu.Lock()
		p.freeSlotLocked()
		p.mu.Unlock()
		metrics.ObserveAcquire(p.cfg.Name, string(domain.KindOf(err)), p.now().Sub(start))
		p.publishStats()
		return nil, err
	}

	metrics.ObserveAcquire(p.cfg.Name, "ok", p.now().Sub(start))
	p.checkUtilization()
	return &Handle{pool: p, pc: pc, acquiredAt: p.now()}, nil
}

// Release returns h to the pool. Equivalent to h.Release().
func (p *Pool) Release(h *Handle) {
	if h != nil {
		h.Release()
	}
}

// Stats returns a snapshot without touching any connection
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// HealthCheck probes every idle connection, discarding dead ones, and returns
// the resulting stats. When nothing is idle or leased it dials one connection
// to prove the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) (Stats, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Stats{Max: p.cfg.Max}, domain.E(domain.KindPoolClosed, "pool.health_check", "", nil)
	}
	batch := p.idle
	p.idle = nil
	p.active += len(batch)
	busy := p.active > len(batch)
	p.mu.Unlock()

	var probeErr error
	healthy := 0
	for _, pc := range batch {
		if err := p.probe(ctx, pc.conn); err != nil {
			probeErr = err
			p.logger.Warn("idle connection failed health probe",
				slog.String("pool", p.cfg.Name),
				slog.Uint64("conn_id", pc.id),
				slog.String("error", err.Error()),
			)
			p.discard(pc, "health_check")
			continue
		}
		healthy++
		p.mu.Lock()
		p.returnLocked(pc)
		p.mu.Unlock()
	}

	if healthy == 0 && !busy {
		h, err := p.Acquire(ctx, p.cfg.AcquireTimeout)
		if err != nil {
			return p.Stats(), err
		}
		h.Release()
		probeErr = nil
	}

	stats := p.Stats()
	p.publishStats()
	if healthy == 0 && probeErr != nil {
		return stats, domain.E(domain.KindPoolExhausted, "pool.health_check", "no idle connection passed the probe", probeErr)
	}
	return stats, nil
}

// Close fails pending waiters, closes idle connections and stops the reaper.
// Leased handles are closed when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- grant{err: domain.E(domain.KindPoolClosed, "pool.acquire", "", nil)}
	}
	var errs []error
	for _, pc := range idle {
		if err := pc.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	close(p.stop)
	if p.reaperDone != nil {
		<-p.reaperDone
	}
	p.logger.Info("connection pool closed", slog.String("pool", p.cfg.Name))
	return errors.Join(errs...)
}

// reserve takes an idle connection, a free dial slot, or waits for one.
func (p *Pool) reserve(ctx context.Context, timeout time.Duration) (grant, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return grant{}, domain.E(domain.KindPoolClosed, "pool.acquire", "", nil)
	}
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.mu.Unlock()
		return grant{pc: pc}, nil
	}
	if p.open < p.cfg.Max {
		p.open++
		p.active++
		p.mu.Unlock()
		return grant{slot: true}, nil
	}
	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	p.publishStats()

	select {
	case g := <-w.ch:
		if g.err != nil {
			return grant{}, g.err
		}
		return g, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !removed {
			// Granted concurrently with the timeout: hand it back.
			if g := <-w.ch; g.err == nil {
				p.giveBack(g)
			}
		}
		stats := p.Stats()
		p.events.Emit(events.New(events.PoolTimeout, map[string]any{
			"pool":       p.cfg.Name,
			"timeout_ms": timeout.Milliseconds(),
			"active":     stats.Active,
			"waiting":    stats.Waiting,
		}))
		p.publishStats()
		return grant{}, domain.E(domain.KindPoolTimeout, "pool.acquire",
			fmt.Sprintf("no connection available within %s", timeout), ctx.Err())
	}
}

// validate probes the granted connection, dialing replacements on failure.
func (p *Pool) validate(ctx context.Context, g grant, timeout time.Duration) (*pconn, error) {
	candidate := g.pc
	cfg := retry.Fixed(p.cfg.ProbeAttempts, p.cfg.ProbeDelay)
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, errBreakerOpen) }

	pc, err := retry.Do(ctx, cfg, p.logger, "pool.acquire", func(ctx context.Context, attempt int) (*pconn, error) {
		pc := candidate
		candidate = nil
		if pc == nil {
			var err error
			if pc, err = p.dial(ctx); err != nil {
				return nil, err
			}
		}
		if err := p.probe(ctx, pc.conn); err != nil {
			p.closeConn(pc, "probe_failed")
			return nil, fmt.Errorf("liveness probe failed: %w", err)
		}
		return pc, nil
	})
	if err == nil {
		return pc, nil
	}
	if candidate != nil {
		p.closeConn(candidate, "acquire_abandoned")
	}
	if ctx.Err() != nil && !errors.Is(err, errBreakerOpen) {
		return nil, domain.E(domain.KindPoolTimeout, "pool.acquire",
			fmt.Sprintf("no healthy connection within %s", timeout), err)
	}
	stats := p.Stats()
	p.events.Emit(events.New(events.PoolExhausted, map[string]any{
		"pool":     p.cfg.Name,
		"attempts": p.cfg.ProbeAttempts,
		"active":   stats.Active,
		"error":    err.Error(),
	}))
	p.logger.Error("connection pool exhausted",
		slog.String("pool", p.cfg.Name),
		slog.String("error", err.Error()),
	)
	return nil, domain.E(domain.KindPoolExhausted, "pool.acquire", "no healthy connection could be obtained", err)
}

func (p *Pool) dial(ctx context.Context) (*pconn, error) {
	if !p.breaker.AllowRequest() {
		return nil, errBreakerOpen
	}
	c, err := p.connector.Conn(ctx)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	p.breaker.RecordSuccess()
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()
	now := p.now()
	return &pconn{conn: c, id: id, createdAt: now, returnedAt: now}, nil
}

// release is called by Handle.Release.
func (p *Pool) release(pc *pconn) {
	p.mu.Lock()
	if p.closed {
		p.active--
		p.open--
		p.mu.Unlock()
		p.closeConn(pc, "pool_closed")
		return
	}
	p.returnLocked(pc)
	p.mu.Unlock()
	p.checkUtilization()
}

// discard closes a leased connection and frees its slot.
func (p *Pool) discard(pc *pconn, reason string) {
	p.closeConn(pc, reason)
	p.mu.Lock()
	p.freeSlotLocked()
	p.mu.Unlock()
	p.checkUtilization()
}

// giveBack returns a grant that a timed-out waiter received too late.
func (p *Pool) giveBack(g grant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.pc != nil {
		p.returnLocked(g.pc)
		return
	}
	p.freeSlotLocked()
}

// returnLocked moves a leased connection to the first waiter or to idle.
func (p *Pool) returnLocked(pc *pconn) {
	if p.handoffLocked(grant{pc: pc}) {
		return
	}
	p.active--
	pc.returnedAt = p.now()
	p.idle = append(p.idle, pc)
}

// freeSlotLocked gives a leased slot to the first waiter or drops it.
func (p *Pool) freeSlotLocked() {
	if p.handoffLocked(grant{slot: true}) {
		return
	}
	p.active--
	p.open--
}

func (p *Pool) handoffLocked(g grant) bool {
	if len(p.waiters) == 0 || p.closed {
		return false
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w.ch <- g
	return true
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) closeConn(pc *pconn, reason string) {
	if err := pc.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		p.logger.Debug("error closing connection",
			slog.String("pool", p.cfg.Name),
			slog.Uint64("conn_id", pc.id),
			slog.String("error", err.Error()),
		)
	}
	metrics.ObserveDiscard(p.cfg.Name, reason)
}

// checkUtilization publishes stats and raises the high-utilization warning
// once per upward crossing of the threshold.
func (p *Pool) checkUtilization() {
	p.mu.Lock()
	stats := p.statsLocked()
	fire := false
	if stats.Utilization >= p.cfg.HighUtilization {
		if !p.highWarned {
			p.highWarned = true
			fire = true
		}
	} else {
		p.highWarned = false
	}
	p.mu.Unlock()

	metrics.SetPoolStats(p.cfg.Name, stats.Active, stats.Idle, stats.Waiting, stats.Utilization)
	if fire {
		p.logger.Warn("connection pool utilization high",
			slog.String("pool", p.cfg.Name),
			slog.Int("active", stats.Active),
			slog.Int("max", stats.Max),
			slog.Float64("utilization", stats.Utilization),
		)
		p.events.Emit(events.New(events.PoolHighUtilization, map[string]any{
			"pool":        p.cfg.Name,
			"active":      stats.Active,
			"max":         stats.Max,
			"utilization": stats.Utilization,
			"threshold":   p.cfg.HighUtilization,
		}))
	}
}

func (p *Pool) publishStats() {
	s := p.Stats()
	metrics.SetPoolStats(p.cfg.Name, s.Active, s.Idle, s.Waiting, s.Utilization)
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		Active:      p.active,
		Idle:        len(p.idle),
		Waiting:     len(p.waiters),
		Open:        p.open,
		Max:         p.cfg.Max,
		Utilization: float64(p.active) / float64(p.cfg.Max),
	}
}
