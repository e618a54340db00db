package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aires-project/aires/internal/archive"
	"github.com/aires-project/aires/internal/assembler"
	"github.com/aires-project/aires/internal/bus"
	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/idgen"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/store"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger { return logging.New(io.Discard, logging.LevelError) }

func setup(t *testing.T) (*Orchestrator, *store.Store, *bus.Bus, string) {
	t.Helper()
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	dsn := filepath.Join(t.TempDir(), "aires.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := bus.New(testLogger())
	cfg := &config.Config{MaxConcurrentBatches: 2, OutputDirectory: outputDir}
	for n := 1; n <= 4; n++ {
		cfg.Stages[n] = config.StageConfig{Model: "m1"}
	}
	asm := assembler.New(cfg, testLogger())
	mover := archive.New(inputDir, testLogger())
	o := New(cfg, s, b, asm, mover, testLogger(), nil)
	o.Register()
	return o, s, b, inputDir
}

func seedBatch(t *testing.T, s *store.Store, inputDir, batchID, fileName string) model.ErrorBatch {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, fileName), []byte("x"), 0o644))

	batch, err := model.NewErrorBatch(batchID, fileName, time.Now(), []model.CompilerError{
		{Code: "E1", Message: "boom", Severity: model.SeverityError},
	}, "chk")
	require.NoError(t, err)
	require.NoError(t, s.SaveErrorBatch(ctx, batch))

	env, err := bus.EncodeEnvelope(bus.Envelope{BatchID: batchID, Stage: model.StageDocs})
	require.NoError(t, err)
	msg := model.OutboxMessage{MessageID: idgen.New(), BatchID: batchID, Topic: bus.StageInputTopic(model.StageDocs), Payload: env, CreatedAt: time.Now(), NextAttemptAt: time.Now()}
	_, err = s.ClaimFile(ctx, fileName, fileName, "chk", batchID, time.Now(), msg)
	require.NoError(t, err)
	require.NoError(t, s.TransitionState(ctx, fileName, model.FileStatePipelining, nil, nil))
	return batch
}

func seedFinding(t *testing.T, s *store.Store, batchID string, stage model.Stage) {
	t.Helper()
	require.NoError(t, s.UpsertFinding(context.Background(), model.AIResearchFinding{
		Stage: stage, BatchID: batchID, ProducedAt: time.Now(), Confidence: 0.5, Summary: "finding " + stage.String(),
	}, []byte(`{}`)))
}

func TestOrchestrator_AssemblesAndCompletesOnAllFindings(t *testing.T) {
	o, s, b, inputDir := setup(t)
	seedBatch(t, s, inputDir, "batch1", "a.log")
	for _, st := range []model.Stage{model.StageDocs, model.StageContext, model.StagePattern, model.StageSynth} {
		seedFinding(t, s, "batch1", st)
	}

	env, err := bus.EncodeEnvelope(bus.Envelope{BatchID: "batch1", Stage: model.StageSynth})
	require.NoError(t, err)
	decoded, err := bus.DecodeEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, b.Dispatch(context.Background(), bus.Message{MessageID: idgen.New(), Topic: bus.SynthOutputTopic, Envelope: decoded}))

	rec, err := s.GetRecord(context.Background(), "a.log")
	require.NoError(t, err)
	require.Equal(t, model.FileStateCompleted, rec.State)
	require.NotEmpty(t, rec.BookletPath)
	require.FileExists(t, rec.BookletPath)

	_, err = os.Stat(filepath.Join(inputDir, "a.log"))
	require.True(t, os.IsNotExist(err))
}

func TestOrchestrator_DeadLetterWritesFailureBookletAndArchives(t *testing.T) {
	o, s, b, inputDir := setup(t)
	seedBatch(t, s, inputDir, "batch2", "b.log")
	seedFinding(t, s, "batch2", model.StageDocs)

	env, err := bus.EncodeEnvelope(bus.Envelope{BatchID: "batch2", Stage: model.StageContext, Data: map[string]any{"reason": "stage Context: SchemaMismatch"}})
	require.NoError(t, err)
	decoded, err := bus.DecodeEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, b.Dispatch(context.Background(), bus.Message{MessageID: idgen.New(), Topic: bus.TopicDeadLetter, Envelope: decoded}))

	rec, err := s.GetRecord(context.Background(), "b.log")
	require.NoError(t, err)
	require.True(t, rec.State.Terminal())

	_, err = os.Stat(filepath.Join(inputDir, "b.log"))
	require.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Join(inputDir, "failed", time.Now().Format("2006-01-02")))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	_ = o
}

func TestOrchestrator_AdmitReleaseRoundTrip(t *testing.T) {
	o, _, _, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, o.Admit(ctx, "b1"))
	require.NoError(t, o.Admit(ctx, "b2"))

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, o.Admit(ctx2, "b3"))

	o.release("b1")
	require.NoError(t, o.Admit(ctx, "b3"))
}
