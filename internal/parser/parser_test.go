package parser

import (
	"testing"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/stretchr/testify/require"
)

func TestBatch_CompilerStyleHappyPath(t *testing.T) {
	r := DefaultRegistry()
	raw := []byte("main.c:10:5: error: CS0246: 'Foo' not found\n")
	batch, err := r.Batch("build1.log", raw, time.Now(), 500)
	require.NoError(t, err)
	require.Len(t, batch.Errors, 1)
	require.Equal(t, "CS0246", batch.PrimaryErrorCode())
	require.True(t, batch.HasAtLeastOneError())
}

func TestBatch_GoBuildFamily(t *testing.T) {
	r := DefaultRegistry()
	raw := []byte("./main.go:10:2: undefined: fmt.Prinntln\n")
	batch, err := r.Batch("build.log", raw, time.Now(), 500)
	require.NoError(t, err)
	require.Len(t, batch.Errors, 1)
	require.Equal(t, "GOBUILD", batch.Errors[0].Code)
}

func TestBatch_UnparsableWhenNoRecognizerMatches(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.Batch("noise.log", []byte("just some unrelated log text\nnothing to see here\n"), time.Now(), 500)
	require.Error(t, err)
	require.True(t, aerr.IsKind(err, aerr.KindInput))
}

func TestBatch_UnparsableWhenOnlyWarnings(t *testing.T) {
	r := DefaultRegistry()
	raw := []byte("main.c:1:1: warning: W001: unused variable 'x'\n")
	_, err := r.Batch("warn-only.log", raw, time.Now(), 500)
	require.Error(t, err)
	require.True(t, aerr.IsKind(err, aerr.KindInput))
}

func TestBatch_TruncatesAtMaxErrors(t *testing.T) {
	r := DefaultRegistry()
	var raw []byte
	for i := 0; i < 10; i++ {
		raw = append(raw, []byte("main.c:1:1: error: CS0001: dup\n")...)
	}
	batch, err := r.Batch("many.log", raw, time.Now(), 3)
	require.NoError(t, err)
	require.Len(t, batch.Errors, 3)
}

func TestBatch_DeterministicChecksum(t *testing.T) {
	r := DefaultRegistry()
	raw := []byte("main.c:10:5: error: CS0246: 'Foo' not found\n")
	b1, err := r.Batch("a.log", raw, time.Now(), 500)
	require.NoError(t, err)
	b2, err := r.Batch("a.log", raw, time.Now(), 500)
	require.NoError(t, err)
	require.Equal(t, b1.Checksum, b2.Checksum)
}
