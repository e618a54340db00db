package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/store"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger { return logging.New(io.Discard, logging.LevelError) }

func setup(t *testing.T) (*Watcher, *store.Store, string) {
	t.Helper()
	inputDir := t.TempDir()
	dsn := filepath.Join(t.TempDir(), "aires.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		InputDirectory:      inputDir,
		FilePattern:         []string{"*.log"},
		PollIntervalSeconds: 1,
		StableFor:           0,
	}
	w := New(cfg, s, testLogger(), nil, nil)
	return w, s, inputDir
}

func TestWatcher_ClaimsStableMatchingFile(t *testing.T) {
	w, s, inputDir := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "build.log"), []byte("boom"), 0o644))

	w.pollOnce(context.Background())
	w.pollOnce(context.Background())

	rec, err := s.GetRecord(context.Background(), "build.log")
	require.NoError(t, err)
	require.Equal(t, model.FileStateParsing, rec.State)
}

func TestWatcher_IgnoresNonMatchingFiles(t *testing.T) {
	w, s, inputDir := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "notes.txt"), []byte("boom"), 0o644))

	w.pollOnce(context.Background())
	w.pollOnce(context.Background())

	_, err := s.GetRecord(context.Background(), "notes.txt")
	require.Error(t, err)
}

func TestWatcher_WaitsForStabilityWindow(t *testing.T) {
	w, s, inputDir := setup(t)
	w.cfg.StableFor = 3600 // effectively never stable within this test

	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "build.log"), []byte("boom"), 0o644))
	w.pollOnce(context.Background())

	_, err := s.GetRecord(context.Background(), "build.log")
	require.Error(t, err)
}

func TestWatcher_DoesNotReclaimAlreadyClaimedFile(t *testing.T) {
	w, s, inputDir := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "build.log"), []byte("boom"), 0o644))

	w.pollOnce(context.Background())
	w.pollOnce(context.Background())
	rec1, err := s.GetRecord(context.Background(), "build.log")
	require.NoError(t, err)

	// A second detection pass (e.g. after restart) must not re-claim.
	w.candidates = map[string]*candidate{}
	w.pollOnce(context.Background())
	w.pollOnce(context.Background())

	rec2, err := s.GetRecord(context.Background(), "build.log")
	require.NoError(t, err)
	require.Equal(t, rec1.BatchID, rec2.BatchID)
}

func TestAcquireLock_ReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	stalePath := filepath.Join(dir, ".aires.lock")
	// PID 999999 is presumed not to exist on the test host.
	require.NoError(t, os.WriteFile(stalePath, []byte("999999\n"), 0o644))

	release, err := acquireLock(dir)
	require.NoError(t, err)
	defer release()

	b, err := os.ReadFile(stalePath)
	require.NoError(t, err)
	require.Contains(t, string(b), "")
	_ = time.Now()
}

func TestAcquireLock_FailsWhenHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	release, err := acquireLock(dir)
	require.NoError(t, err)
	defer release()

	_, err = acquireLock(dir)
	require.Error(t, err)
}
