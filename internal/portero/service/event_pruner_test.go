package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condominio/portero/internal/clock"
	"github.com/condominio/portero/internal/portero/service"
	"github.com/condominio/portero/internal/portero/store"
	"github.com/condominio/portero/internal/portero/store/memory"
)

func TestEventPruner_DisabledWhenRetentionZero(t *testing.T) {
	ms := memory.NewAccessEventStore()
	fc := clock.NewFake(start)
	p := service.NewEventPruner(ms, service.PrunerConfig{RetentionDays: 0, Clock: fc}, silentLogger())

	p.Start(context.Background())
	assert.Zero(t, fc.Pending())
	p.Stop()
}

func TestEventPruner_PrunesAtStartAndOnInterval(t *testing.T) {
	ms := memory.NewAccessEventStore()
	ctx := context.Background()
	fc := clock.NewFake(start)

	require.NoError(t, ms.RecordEvent(ctx, store.AccessEventRecord{ShellID: "a", OccurredAt: start.AddDate(0, 0, -40)}))
	require.NoError(t, ms.RecordEvent(ctx, store.AccessEventRecord{ShellID: "a", OccurredAt: start.AddDate(0, 0, -29)}))
	require.NoError(t, ms.RecordEvent(ctx, store.AccessEventRecord{ShellID: "a", OccurredAt: start}))

	p := service.NewEventPruner(ms, service.PrunerConfig{RetentionDays: 30, IntervalHours: 24, Clock: fc}, silentLogger())
	p.Start(ctx)
	defer p.Stop()

	assert.Len(t, ms.Events(), 2, "the 40 day old event goes at start")

	fc.Advance(48 * time.Hour)
	assert.Len(t, ms.Events(), 1, "the 29 day old event ages out")
}

func TestEventPruner_StopIsIdempotent(t *testing.T) {
	ms := memory.NewAccessEventStore()
	fc := clock.NewFake(start)
	p := service.NewEventPruner(ms, service.PrunerConfig{RetentionDays: 30, IntervalHours: 1, Clock: fc}, silentLogger())

	p.Start(context.Background())
	require.Equal(t, 1, fc.Pending())

	p.Stop()
	p.Stop()
	assert.Zero(t, fc.Pending())

	// nothing fires after Stop
	require.NoError(t, ms.RecordEvent(context.Background(), store.AccessEventRecord{ShellID: "a", OccurredAt: start.AddDate(0, 0, -60)}))
	fc.Advance(2 * time.Hour)
	assert.Len(t, ms.Events(), 1)
}
