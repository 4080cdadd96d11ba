package pool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/clinicore/internal/observability/events"
	"github.com/aryan0dhankhar/clinicore/internal/reliability/circuitbreaker"
	"github.com/aryan0dhankhar/clinicore/internal/testutil"
)

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *events.Recorder) {
	t.Helper()
	db := testutil.OpenSQLite(t)
	rec := &events.Recorder{}
	opts = append([]Option{WithLogger(logger.Discard()), WithEvents(rec)}, opts...)
	p, err := New(db.DB(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, rec
}

func TestNewRejectsInvalidBounds(t *testing.T) {
	db := testutil.OpenSQLite(t)

	_, err := New(db.DB(), Config{Max: 0})
	assert.Error(t, err)

	_, err = New(db.DB(), Config{Min: 3, Max: 2})
	assert.Error(t, err)

	_, err = New(nil, Config{Max: 2})
	assert.Error(t, err)
}

func TestAcquireAndRelease(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 2})
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, h.Conn())

	var one int
	require.NoError(t, h.Conn().QueryRowContext(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Idle)
	assert.InDelta(t, 0.5, stats.Utilization, 1e-9)

	h.Release()
	h.Release()

	stats = p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Open)
}

func TestIdleConnectionIsReused(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 2})
	ctx := context.Background()

	h1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	id := h1.ID()
	h1.Release()

	h2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer h2.Release()
	assert.Equal(t, id, h2.ID())
	assert.Equal(t, 1, p.Stats().Open)
}

func TestPoolStaysBoundedUnderContention(t *testing.T) {
	const maxConns = 10
	p, _ := newTestPool(t, Config{Max: maxConns})
	ctx := context.Background()

	var inUse, peak atomic.Int64
	var failures atomic.Int64
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for range maxConns + 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(ctx, 5*time.Second)
			if err != nil {
				failures.Add(1)
				return
			}
			n := inUse.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			assert.LessOrEqual(t, p.Stats().Open, maxConns)
			<-gate
			inUse.Add(-1)
			h.Release()
		}()
	}

	// Every connection is handed out and the surplus queues behind them.
	require.Eventually(t, func() bool {
		return inUse.Load() == maxConns && p.Stats().Waiting == 10
	}, 5*time.Second, 5*time.Millisecond)
	stats := p.Stats()
	assert.Equal(t, maxConns, stats.Active)
	assert.Equal(t, maxConns, stats.Open)
	close(gate)
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, int64(maxConns), peak.Load())
	stats = p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Waiting)
	assert.LessOrEqual(t, stats.Open, maxConns)
}

func TestAcquireTimesOutWhenFull(t *testing.T) {
	p, rec := newTestPool(t, Config{Max: 2})
	ctx := context.Background()

	h1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer h1.Release()
	h2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer h2.Release()

	start := time.Now()
	_, err = p.Acquire(ctx, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPoolTimeout)
	assert.True(t, domain.Retryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 0, stats.Waiting)
	assert.Len(t, rec.OfType(events.PoolTimeout), 1)
}

func TestWaiterReceivesReleasedConnection(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})
	ctx := context.Background()

	held, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	heldID := held.ID()

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(ctx, 2*time.Second)
		assert.NoError(t, err)
		got <- h
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	held.Release()

	h := <-got
	require.NotNil(t, h)
	assert.Equal(t, heldID, h.ID())
	h.Release()
	assert.Equal(t, 1, p.Stats().Open)
}

func TestFailedProbeSubstitutesFreshConnection(t *testing.T) {
	var calls atomic.Int64
	probe := func(ctx context.Context, c *sql.Conn) error {
		if calls.Add(1) == 1 {
			return errors.New("connection reset by peer")
		}
		return c.PingContext(ctx)
	}
	p, _ := newTestPool(t, Config{Max: 2, ProbeDelay: time.Millisecond}, WithProbe(probe))

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, int64(2), calls.Load())
	stats := p.Stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 1, stats.Active)
}

func TestProbeFailuresExhaustThePool(t *testing.T) {
	var calls atomic.Int64
	probe := func(context.Context, *sql.Conn) error {
		calls.Add(1)
		return errors.New("server closed the connection")
	}
	p, rec := newTestPool(t, Config{Max: 2, ProbeAttempts: 3, ProbeDelay: time.Millisecond}, WithProbe(probe))

	_, err := p.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
	assert.Equal(t, int64(3), calls.Load())

	stats := p.Stats()
	assert.Equal(t, 0, stats.Open)
	assert.Equal(t, 0, stats.Active)
	assert.Len(t, rec.OfType(events.PoolExhausted), 1)
}

type flakyConnector struct {
	db    *sql.DB
	fail  atomic.Bool
	dials atomic.Int64
}

func (f *flakyConnector) Conn(ctx context.Context) (*sql.Conn, error) {
	f.dials.Add(1)
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return f.db.Conn(ctx)
}

func TestOpenBreakerFailsFast(t *testing.T) {
	db := testutil.OpenSQLite(t)
	conn := &flakyConnector{db: db.DB()}
	conn.fail.Store(true)

	p, err := New(conn, Config{Max: 2, ProbeAttempts: 1},
		WithLogger(logger.Discard()),
		WithBreaker(circuitbreaker.NewCircuitBreaker(2, 1, time.Hour)),
	)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	for range 2 {
		_, err := p.Acquire(ctx, time.Second)
		assert.ErrorIs(t, err, domain.ErrPoolExhausted)
	}
	require.Equal(t, int64(2), conn.dials.Load())

	_, err = p.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
	assert.Equal(t, int64(2), conn.dials.Load())
	assert.Equal(t, 0, p.Stats().Open)
}

func TestHighUtilizationWarningIsEdgeTriggered(t *testing.T) {
	p, rec := newTestPool(t, Config{Max: 5, HighUtilization: 0.8})
	ctx := context.Background()

	var held []*Handle
	acquire := func() {
		h, err := p.Acquire(ctx, time.Second)
		require.NoError(t, err)
		held = append(held, h)
	}

	for range 3 {
		acquire()
	}
	assert.Empty(t, rec.OfType(events.PoolHighUtilization))

	acquire()
	assert.Len(t, rec.OfType(events.PoolHighUtilization), 1)
	acquire()
	assert.Len(t, rec.OfType(events.PoolHighUtilization), 1)

	held[4].Release()
	held[3].Release()
	held = held[:3]
	acquire()
	assert.Len(t, rec.OfType(events.PoolHighUtilization), 2)

	e := rec.OfType(events.PoolHighUtilization)[0]
	assert.Equal(t, 4, e.Fields["active"])
	assert.Equal(t, 5, e.Fields["max"])

	for _, h := range held {
		h.Release()
	}
}

func TestReapClosesStaleIdleConnectionsDownToMin(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	p, _ := newTestPool(t, Config{Min: 1, Max: 4, IdleTimeout: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	var hs []*Handle
	for range 3 {
		h, err := p.Acquire(ctx, time.Second)
		require.NoError(t, err)
		hs = append(hs, h)
	}
	for _, h := range hs {
		h.Release()
	}
	require.Equal(t, 3, p.Stats().Idle)

	p.reap(ctx)
	assert.Equal(t, 3, p.Stats().Idle)

	clock.Advance(2 * time.Minute)
	p.reap(ctx)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Open)
}

func TestStartWarmsMinimum(t *testing.T) {
	p, _ := newTestPool(t, Config{Min: 2, Max: 4})

	require.NoError(t, p.Start(context.Background()))
	stats := p.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 0, stats.Active)
}

func TestHealthCheckDiscardsDeadConnections(t *testing.T) {
	var dead atomic.Pointer[sql.Conn]
	probe := func(ctx context.Context, c *sql.Conn) error {
		if c == dead.Load() {
			return errors.New("broken pipe")
		}
		return c.PingContext(ctx)
	}
	p, _ := newTestPool(t, Config{Max: 3}, WithProbe(probe))
	ctx := context.Background()

	h1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	dead.Store(h2.Conn())
	h1.Release()
	h2.Release()

	stats, err := p.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Open)
}

func TestDiscardFreesSlot(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	h.Discard()
	h.Release()

	assert.Equal(t, 0, p.Stats().Open)
	h2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	h2.Release()
}

func TestCloseFailsWaitersAndLaterAcquires(t *testing.T) {
	p, _ := newTestPool(t, Config{Max: 1})
	ctx := context.Background()

	held, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, 5*time.Second)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-waitErr, domain.ErrPoolClosed)

	held.Release()
	assert.Equal(t, 0, p.Stats().Open)

	_, err = p.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, domain.ErrPoolClosed)
}
