package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aires-project/aires/internal/logging"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger { return logging.New(io.Discard, logging.LevelError) }

func TestMover_MoveProcessed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build1.log"), []byte("x"), 0o644))

	m := New(dir, testLogger())
	dst, err := m.MoveProcessed(context.Background(), "build1.log")
	require.NoError(t, err)
	require.FileExists(t, dst)
	require.Contains(t, dst, filepath.Join("processed", time.Now().Format("2006-01-02")))
	_, err = os.Stat(filepath.Join(dir, "build1.log"))
	require.True(t, os.IsNotExist(err))
}

func TestMover_MoveFailedWritesReason(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build2.log"), []byte("x"), 0o644))

	m := New(dir, testLogger())
	dst, err := m.MoveFailed(context.Background(), "build2.log", "stage Pattern: SchemaMismatch")
	require.NoError(t, err)
	require.FileExists(t, dst)

	reason, err := os.ReadFile(dst + ".reason.txt")
	require.NoError(t, err)
	require.Contains(t, string(reason), "SchemaMismatch")
}

func TestMover_MoveIsIdempotentWhenAlreadyMoved(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, testLogger())
	_, err := m.MoveProcessed(context.Background(), "missing.log")
	require.NoError(t, err)
}

func TestCleaner_RemovesOldDirsOnly(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "processed", time.Now().AddDate(0, 0, -40).Format("2006-01-02"))
	recent := filepath.Join(dir, "processed", time.Now().Format("2006-01-02"))
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.MkdirAll(recent, 0o755))

	c := NewCleaner(dir, 30, testLogger())
	require.NoError(t, c.Run(context.Background()))

	_, err := os.Stat(old)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(recent)
	require.NoError(t, err)
}
