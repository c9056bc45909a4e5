package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/reloadcore/internal/reload"
)

func TestLog_AppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	log, err := Open(ctx, path)
	require.NoError(t, err)
	defer log.Close()

	entry := reload.AuditLogEntry{
		RequestID:     "req-1",
		Trigger:       reload.TriggerFileChange,
		StartedAt:     time.Now().Add(-time.Second),
		FinishedAt:    time.Now(),
		Outcome:       reload.OutcomeSuccess,
		VersionBefore: "v1",
		VersionAfter:  "v2",
		Summary:       "applied 3 change(s)",
	}
	require.NoError(t, log.Append(ctx, entry))

	recent, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "req-1", recent[0].RequestID)
	assert.Equal(t, reload.OutcomeSuccess, recent[0].Outcome)
	assert.Equal(t, "v2", recent[0].VersionAfter)
}

func TestLog_RecentOrdersNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	log, err := Open(ctx, path)
	require.NoError(t, err)
	defer log.Close()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, log.Append(ctx, reload.AuditLogEntry{
			RequestID:  id,
			Trigger:    reload.TriggerManual,
			StartedAt:  time.Now().Add(time.Duration(i) * time.Millisecond),
			FinishedAt: time.Now(),
			Outcome:    reload.OutcomeSuccess,
		}))
	}

	recent, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].RequestID)
	assert.Equal(t, "a", recent[2].RequestID)
}

func TestLog_RecentDefaultLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer log.Close()

	recent, err := log.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
