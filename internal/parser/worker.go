package parser

import (
	"context"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/aires-project/aires/internal/bus"
	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/idgen"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/store"
)

// Admitter bounds inter-batch parallelism (spec §5, implemented by
// internal/orchestrator.Orchestrator). It is an interface here rather than
// a direct dependency so this package does not need to import orchestrator.
type Admitter interface {
	Admit(ctx context.Context, batchID string) error
}

// Worker consumes parse.requested messages published by the watcher (spec
// §4.1 step 4, §4.2): it reads the claimed file, runs it through a
// Registry, persists the resulting ErrorBatch, and forwards the batch into
// stage 1 of the pipeline. A zero-error or unrecognized file is a terminal
// Failed(UNPARSABLE), not a retry.
type Worker struct {
	cfg      *config.Config
	store    *store.Store
	bus      *bus.Bus
	registry *Registry
	admitter Admitter
	log      *logging.Logger
}

// NewWorker constructs a parser Worker over registry. admitter is consulted
// once per successfully-parsed batch, before stage1.input is dispatched,
// reserving the batch's semaphore slot for the rest of its lifecycle.
func NewWorker(cfg *config.Config, st *store.Store, b *bus.Bus, registry *Registry, admitter Admitter, log *logging.Logger) *Worker {
	return &Worker{cfg: cfg, store: st, bus: b, registry: registry, admitter: admitter, log: log.With("component", "parser")}
}

// Register subscribes the worker to parse.requested.
func (w *Worker) Register() {
	w.bus.Subscribe(bus.TopicParseRequested, w.handle)
}

func (w *Worker) handle(ctx context.Context, msg bus.Message) error {
	batchID := msg.Envelope.BatchID
	// recordKey is the file_processing_records key (possibly versioned, spec
	// §4.1 step 5); the physical file to read always comes from the record's
	// own SourcePath, not from this key.
	recordKey, _ := msg.Envelope.Data["file_name"].(string)
	log := w.log.With("batch_id", batchID, "file", recordKey)

	if _, err := w.store.GetErrorBatch(ctx, batchID); err == nil {
		log.Debug("batch already parsed, skipping redelivered message")
		return nil
	}

	rec, err := w.store.GetRecord(ctx, recordKey)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(filepath.Join(w.cfg.InputDirectory, rec.SourcePath))
	if err != nil {
		return err
	}

	if !utf8.Valid(raw) {
		log.Warn("file contains invalid UTF-8, failing batch")
		return w.fail(ctx, recordKey, batchID, "INPUT_ERROR: file is not valid UTF-8")
	}

	batch, parseErr := w.registry.Batch(rec.SourcePath, raw, rec.DetectedAt, w.cfg.MaxErrorsPerBatch)
	if parseErr != nil {
		log.Warn("file unparsable, failing batch", "error", parseErr)
		return w.fail(ctx, recordKey, batchID, parseErr.Error())
	}
	if n, truncated := w.registry.Truncated(raw, w.cfg.MaxErrorsPerBatch); truncated {
		log.Warn("error batch truncated", "diagnostics", n, "kept", w.cfg.MaxErrorsPerBatch)
	}
	batch.BatchID = batchID
	batch.RecordKey = recordKey

	if err := w.store.SaveErrorBatch(ctx, batch); err != nil {
		return err
	}

	if err := w.admitter.Admit(ctx, batchID); err != nil {
		return err
	}

	stage1Msg, err := w.stage1Message(batchID)
	if err != nil {
		return err
	}
	return w.store.TransitionState(ctx, recordKey, model.FileStatePipelining, nil, &stage1Msg)
}

func (w *Worker) fail(ctx context.Context, fileName, batchID, reason string) error {
	deadMsg, err := w.deadLetterMessage(batchID, reason)
	if err != nil {
		return err
	}
	return w.store.TransitionState(ctx, fileName, model.FileStateFailed, func(r *model.FileProcessingRecord) {
		r.LastError = reason
	}, &deadMsg)
}

func (w *Worker) stage1Message(batchID string) (model.OutboxMessage, error) {
	env := bus.Envelope{BatchID: batchID, Stage: model.StageDocs, Kind: bus.StageInputTopic(model.StageDocs)}
	payload, err := bus.EncodeEnvelope(env)
	if err != nil {
		return model.OutboxMessage{}, err
	}
	now := time.Now()
	return model.OutboxMessage{
		MessageID:     idgen.New(),
		BatchID:       batchID,
		Topic:         bus.StageInputTopic(model.StageDocs),
		Payload:       payload,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

func (w *Worker) deadLetterMessage(batchID, reason string) (model.OutboxMessage, error) {
	env := bus.Envelope{BatchID: batchID, Kind: bus.TopicDeadLetter, Data: map[string]any{"reason": reason}}
	payload, err := bus.EncodeEnvelope(env)
	if err != nil {
		return model.OutboxMessage{}, err
	}
	now := time.Now()
	return model.OutboxMessage{
		MessageID:     idgen.New(),
		BatchID:       batchID,
		Topic:         bus.TopicDeadLetter,
		Payload:       payload,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}
