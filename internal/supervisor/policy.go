package supervisor

import (
	"sync"
	"time"

	"github.com/betbot/edgebot/pkg/config"
)

// restartPolicy is the crash-loop guard for one worker slot. Every allowed
// restart is timestamped; once max restarts pile up inside the rolling
// window, further restarts are refused and the caller marks the worker
// FAILED.
type restartPolicy struct {
	max       int
	window    time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration

	now func() time.Time

	mu     sync.Mutex
	recent []time.Time
}

func newRestartPolicy(cfg config.SupervisorConfig) *restartPolicy {
	return &restartPolicy{
		max:       cfg.MaxRestarts,
		window:    cfg.RestartWindow.Or(60 * time.Second),
		baseDelay: cfg.RestartBaseDelay.Or(2 * time.Second),
		maxDelay:  cfg.RestartMaxDelay.Or(60 * time.Second),
		now:       time.Now,
	}
}

// allow reports whether another restart fits the budget, and the backoff
// delay to wait first. The delay doubles per restart already inside the
// window, capped at maxDelay.
func (p *restartPolicy) allow() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	cutoff := now.Add(-p.window)
	kept := p.recent[:0]
	for _, t := range p.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.recent = kept

	if p.max > 0 && len(p.recent) >= p.max {
		return 0, false
	}

	delay := p.baseDelay
	for i := 0; i < len(p.recent); i++ {
		delay *= 2
		if delay >= p.maxDelay {
			delay = p.maxDelay
			break
		}
	}
	p.recent = append(p.recent, now)
	return delay, true
}

// reset clears the budget. Used when the operator starts a worker by hand:
// an explicit start is a statement that the crash loop is believed fixed.
func (p *restartPolicy) reset() {
	p.mu.Lock()
	p.recent = nil
	p.mu.Unlock()
}
