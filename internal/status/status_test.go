package status

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aires-project/aires/internal/store"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "aires.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReporter_HealthyByDefault(t *testing.T) {
	r := New(openStore(t), 300)
	require.Equal(t, HealthOK, r.Health(context.Background()))
}

func TestReporter_DegradedWithinWindowAfterError(t *testing.T) {
	r := New(openStore(t), 300)
	r.RecordError("ai backend timeout")
	require.Equal(t, HealthDegraded, r.Health(context.Background()))
}

func TestReporter_RecoversAfterWindowElapses(t *testing.T) {
	r := New(openStore(t), 1)
	r.RecordError("ai backend timeout")
	time.Sleep(1100 * time.Millisecond)
	require.Equal(t, HealthOK, r.Health(context.Background()))
}

func TestReporter_SnapshotReflectsStateCounts(t *testing.T) {
	s := openStore(t)
	r := New(s, 300)
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.StateCounts)
	require.True(t, snap.WatcherOK)
}

func TestReporter_ComponentsIncludesDBWatcherOutboxAndStages(t *testing.T) {
	r := New(openStore(t), 300)
	components := r.Components(context.Background())
	names := make(map[string]Health, len(components))
	for _, c := range components {
		names[c.Name] = c.Status
	}
	require.Equal(t, HealthOK, names[ComponentDB])
	require.Equal(t, HealthOK, names[ComponentWatcher])
	require.Equal(t, HealthOK, names[ComponentOutbox])
	require.Len(t, components, 1+2+4) // db, watcher, outbox, 4 stages
}

func TestReporter_ComponentDegradedAfterStaleActivity(t *testing.T) {
	r := New(openStore(t), 1)
	r.Touch(ComponentOutbox)
	time.Sleep(1100 * time.Millisecond)
	components := r.Components(context.Background())
	for _, c := range components {
		if c.Name == ComponentOutbox {
			require.Equal(t, HealthDegraded, c.Status)
			require.False(t, c.LastActivity.IsZero())
			return
		}
	}
	t.Fatal("outbox component not found")
}

func TestReporter_WatcherDownReflectsInAggregateHealth(t *testing.T) {
	r := New(openStore(t), 300)
	r.SetWatcherOK(false)
	require.Equal(t, HealthDown, r.Health(context.Background()))
}
