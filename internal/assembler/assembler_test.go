package assembler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/model"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger { return logging.New(io.Discard, logging.LevelError) }

func sampleBatch(t *testing.T) model.ErrorBatch {
	t.Helper()
	b, err := model.NewErrorBatch("batch1", "widget.c", time.Now(), []model.CompilerError{
		{Code: "E001", Message: "undefined reference", Severity: model.SeverityError, Location: model.Location{FilePath: "widget.c", Line: 10}},
	}, "chk")
	require.NoError(t, err)
	return b
}

func sampleFindings() []model.AIResearchFinding {
	return []model.AIResearchFinding{
		{Stage: model.StageDocs, Summary: "E001 means undefined reference", Confidence: 0.9},
		{Stage: model.StageContext, Summary: "symbol is missing from link step", Confidence: 0.8},
		{Stage: model.StagePattern, Summary: "classic missing-library pattern", Confidence: 0.7},
		{Stage: model.StageSynth, Summary: "add -lwidget to the link line", Confidence: 0.6},
	}
}

func TestBuild_ConfidenceIsMinimum(t *testing.T) {
	b, err := Build(sampleBatch(t), sampleFindings(), map[model.Stage]string{
		model.StageDocs: "m1", model.StageContext: "m1", model.StagePattern: "m1", model.StageSynth: "m1",
	})
	require.NoError(t, err)
	require.Contains(t, b.Content, "add -lwidget to the link line")
	require.InDelta(t, 0.6, b.Confidence(), 0.001)
}

func TestAssembler_AssembleWritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{OutputDirectory: dir}
	for n := 1; n <= 4; n++ {
		cfg.Stages[n] = config.StageConfig{Model: "m1"}
	}
	a := New(cfg, testLogger())

	path, err := a.Assemble(context.Background(), sampleBatch(t), sampleFindings())
	require.NoError(t, err)
	require.FileExists(t, path)
	require.True(t, strings.HasPrefix(path, filepath.Join(dir, time.Now().Format("2006-01-02"))))
	require.Contains(t, filepath.Base(path), "E001")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), "batch_id: batch1")
}

func TestAssembler_CollisionAppendsSuffix(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{OutputDirectory: dir}
	for n := 1; n <= 4; n++ {
		cfg.Stages[n] = config.StageConfig{Model: "m1"}
	}
	a := New(cfg, testLogger())

	path1, err := a.Assemble(context.Background(), sampleBatch(t), sampleFindings())
	require.NoError(t, err)

	path2, err := a.Assemble(context.Background(), sampleBatch(t), sampleFindings())
	require.NoError(t, err)
	require.NotEqual(t, path1, path2)
	require.FileExists(t, path2)
}

func TestAssembler_AssembleFailureWritesUnderFailedDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{OutputDirectory: dir}
	for n := 1; n <= 4; n++ {
		cfg.Stages[n] = config.StageConfig{Model: "m1"}
	}
	a := New(cfg, testLogger())

	path, err := a.AssembleFailure(context.Background(), sampleBatch(t), sampleFindings()[:2], "stage 3 exhausted retries")
	require.NoError(t, err)
	require.Contains(t, path, filepath.Join(dir, "failed"))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), "stage 3 exhausted retries")
}
