package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/edgebot/pkg/config"
)

func fixedPolicy(max int, window, base, cap time.Duration, now *time.Time) *restartPolicy {
	return &restartPolicy{
		max:       max,
		window:    window,
		baseDelay: base,
		maxDelay:  cap,
		now:       func() time.Time { return *now },
	}
}

func TestRestartPolicyBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := fixedPolicy(3, time.Minute, 2*time.Second, 60*time.Second, &now)

	d, ok := p.allow()
	require.True(t, ok)
	require.Equal(t, 2*time.Second, d)

	now = now.Add(time.Second)
	d, ok = p.allow()
	require.True(t, ok)
	require.Equal(t, 4*time.Second, d)

	now = now.Add(time.Second)
	d, ok = p.allow()
	require.True(t, ok)
	require.Equal(t, 8*time.Second, d)

	// fourth crash inside the window: budget exhausted
	now = now.Add(time.Second)
	_, ok = p.allow()
	require.False(t, ok)

	// once the window slides past the earlier restarts the budget frees up
	now = now.Add(2 * time.Minute)
	d, ok = p.allow()
	require.True(t, ok)
	require.Equal(t, 2*time.Second, d)
}

func TestRestartPolicyDelayCap(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := fixedPolicy(10, time.Hour, 2*time.Second, 5*time.Second, &now)

	for i, want := range []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second} {
		d, ok := p.allow()
		require.True(t, ok, "restart %d", i)
		require.Equal(t, want, d, "restart %d", i)
	}
}

func TestRestartPolicyReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := fixedPolicy(1, time.Hour, time.Second, time.Minute, &now)

	_, ok := p.allow()
	require.True(t, ok)
	_, ok = p.allow()
	require.False(t, ok)

	p.reset()
	_, ok = p.allow()
	require.True(t, ok)
}

func TestRestartPolicyDefaults(t *testing.T) {
	p := newRestartPolicy(config.SupervisorConfig{})
	require.Equal(t, 60*time.Second, p.window)
	require.Equal(t, 2*time.Second, p.baseDelay)
	require.Equal(t, 60*time.Second, p.maxDelay)
}
