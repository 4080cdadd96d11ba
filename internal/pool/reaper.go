package pool

import (
	"context"
	"log/slog"
	"time"
)

// reapLoop runs reap on a ticker until ctx is canceled or the pool closes.
func (p *Pool) reapLoop(ctx context.Context) {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.reap(ctx)
		}
	}
}

// reap closes connections idle longer than IdleTimeout, never dropping below
// Min open, then dials back up to Min.
func (p *Pool) reap(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	cutoff := p.now().Add(-p.cfg.IdleTimeout)
	var victims []*pconn
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if pc.returnedAt.Before(cutoff) && p.open-len(victims) > p.cfg.Min {
			victims = append(victims, pc)
			continue
		}
		kept = append(kept, pc)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.open -= len(victims)
	deficit := max(p.cfg.Min-p.open, 0)
	p.open += deficit
	p.mu.Unlock()

	for _, pc := range victims {
		p.closeConn(pc, "idle_timeout")
	}
	if len(victims) > 0 {
		p.logger.Debug("reaped idle connections",
			slog.String("pool", p.cfg.Name),
			slog.Int("count", len(victims)),
		)
	}
	if deficit > 0 {
		p.warm(ctx, deficit)
	}
	p.publishStats()
}

// warm dials n connections whose slots the caller already counted in open.
// It returns how many dials failed.
func (p *Pool) warm(ctx context.Context, n int) int {
	failed := 0
	for range n {
		pc, err := p.dial(ctx)
		if err == nil {
			err = p.probe(ctx, pc.conn)
			if err != nil {
				p.closeConn(pc, "probe_failed")
				pc = nil
			}
		}

		p.mu.Lock()
		switch {
		case p.closed:
			p.open--
		case pc != nil:
			if p.handoffLocked(grant{pc: pc}) {
				p.active++
			} else {
				p.idle = append(p.idle, pc)
			}
		default:
			if p.handoffLocked(grant{slot: true}) {
				p.active++
			} else {
				p.open--
			}
		}
		closed := p.closed
		p.mu.Unlock()

		if closed && pc != nil {
			p.closeConn(pc, "pool_closed")
		}
		if err != nil {
			failed++
			p.logger.Warn("failed to warm pool connection",
				slog.String("pool", p.cfg.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return failed
}
