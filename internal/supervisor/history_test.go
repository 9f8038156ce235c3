package supervisor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRoundTrip(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "supervisor.db"))
	require.NoError(t, err)
	defer h.Close()
	ctx := context.Background()

	first, err := h.RecordStart(ctx, "alpha", 4242, 0)
	require.NoError(t, err)
	require.NotZero(t, first)
	require.NoError(t, h.RecordExit(ctx, first, 137, "signal: killed"))

	second, err := h.RecordStart(ctx, "alpha", 4300, 1)
	require.NoError(t, err)
	_, err = h.RecordStart(ctx, "beta", 5000, 0)
	require.NoError(t, err)

	runs, err := h.Recent(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// newest first
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, 4300, runs[0].PID)
	assert.Equal(t, 1, runs[0].Restarts)
	assert.Nil(t, runs[0].ExitCode)
	assert.Nil(t, runs[0].ExitedAt)

	assert.Equal(t, first, runs[1].ID)
	assert.Equal(t, 4242, runs[1].PID)
	require.NotNil(t, runs[1].ExitCode)
	assert.Equal(t, 137, *runs[1].ExitCode)
	assert.Equal(t, "signal: killed", runs[1].ExitError)
	assert.NotNil(t, runs[1].ExitedAt)
	assert.False(t, runs[1].StartedAt.IsZero())
}

func TestHistoryRecentFilters(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "supervisor.db"))
	require.NoError(t, err)
	defer h.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.RecordStart(ctx, "alpha", 100+i, i)
		require.NoError(t, err)
	}
	_, err = h.RecordStart(ctx, "beta", 200, 0)
	require.NoError(t, err)

	all, err := h.Recent(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	limited, err := h.Recent(ctx, "alpha", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, 104, limited[0].PID)
	assert.Equal(t, 103, limited[1].PID)
}
