package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condominio/portero/internal/portero/store"
)

var t0 = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func TestListEvents_NewestFirstPerShell(t *testing.T) {
	s := NewAccessEventStore()
	ctx := context.Background()

	for i, shell := range []string{"a", "b", "a", "a"} {
		require.NoError(t, s.RecordEvent(ctx, store.AccessEventRecord{
			ShellID:    shell,
			Kind:       "gate",
			Action:     "open",
			Message:    string(rune('0' + i)),
			OccurredAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.ListEvents(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"3", "2", "0"}, []string{got[0].Message, got[1].Message, got[2].Message})

	got, err = s.ListEvents(ctx, "a", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListEvents(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListEvents_TiesListLatestInsertFirst(t *testing.T) {
	s := NewAccessEventStore()
	ctx := context.Background()
	require.NoError(t, s.RecordEvent(ctx, store.AccessEventRecord{ShellID: "a", Message: "first", OccurredAt: t0}))
	require.NoError(t, s.RecordEvent(ctx, store.AccessEventRecord{ShellID: "a", Message: "second", OccurredAt: t0}))

	got, err := s.ListEvents(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Message)
}

func TestPruneOlderThan(t *testing.T) {
	s := NewAccessEventStore()
	ctx := context.Background()
	require.NoError(t, s.RecordEvent(ctx, store.AccessEventRecord{ShellID: "a", OccurredAt: t0.Add(-48 * time.Hour)}))
	require.NoError(t, s.RecordEvent(ctx, store.AccessEventRecord{ShellID: "a", OccurredAt: t0}))

	n, err := s.PruneOlderThan(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Len(t, s.Events(), 1)
}

func TestRecordEvent_StampsMissingTime(t *testing.T) {
	s := NewAccessEventStore()
	require.NoError(t, s.RecordEvent(context.Background(), store.AccessEventRecord{ShellID: "a"}))
	assert.False(t, s.Events()[0].OccurredAt.IsZero())
}
