// Package orchestrator implements the Orchestrator (spec §4.6, component
// C7): it owns the batch lifecycle end to end, detects when all four stage
// findings exist, drives the Booklet Assembler, and handles both the happy
// path (Completed) and stage-level failure path (Failed/DeadLettered).
//
// Grounded on the teacher's internal/attractor/engine package, which is
// likewise a single long-lived coordinator driving a fixed-stage pipeline
// to completion and recording a terminal outcome — generalized here from
// engine.go's run-to-completion loop onto AIRES's bus-driven, durable
// outbox-backed batch lifecycle, and on runtime/status.go's Outcome enum
// for the Completed/Failed terminal split.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/aires-project/aires/internal/archive"
	"github.com/aires-project/aires/internal/assembler"
	"github.com/aires-project/aires/internal/bus"
	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/metrics"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/store"
)

// Orchestrator tracks batch lifecycle, bounds inter-batch parallelism, and
// drives both the success and failure terminal paths (spec §4.6, §5).
type Orchestrator struct {
	store     *store.Store
	bus       *bus.Bus
	assembler *assembler.Assembler
	archiver  *archive.Mover
	log       *logging.Logger
	metrics   *metrics.Registry

	sem chan struct{} // size == cfg.MaxConcurrentBatches

	mu       sync.Mutex
	releases map[string]func() // batchID -> semaphore release, held until terminal
}

// New constructs an Orchestrator. asm and mover are the Booklet Assembler
// and Archive Mover this Orchestrator drives on the terminal transitions.
// reg may be nil in tests that don't care about instrumentation.
func New(cfg *config.Config, st *store.Store, b *bus.Bus, asm *assembler.Assembler, mover *archive.Mover, log *logging.Logger, reg *metrics.Registry) *Orchestrator {
	size := cfg.MaxConcurrentBatches
	if size <= 0 {
		size = 1
	}
	return &Orchestrator{
		store:     st,
		bus:       b,
		assembler: asm,
		archiver:  mover,
		log:       log.With("component", "orchestrator"),
		metrics:   reg,
		sem:       make(chan struct{}, size),
		releases:  map[string]func(){},
	}
}

// Register subscribes the Orchestrator to the topics that mark a batch's
// terminal events: the last stage's output, and the dead-letter topic fed
// by the parser worker and the stage workers (spec §4.6).
func (o *Orchestrator) Register() {
	o.bus.Subscribe(bus.SynthOutputTopic, o.handleSynthOutput)
	o.bus.Subscribe(bus.TopicDeadLetter, o.handleDeadLetter)
}

// Admit blocks until a semaphore slot is free (or ctx is done), then
// reserves it for batchID until the batch reaches a terminal state (spec §5
// "Inter-batch parallelism: bounded by maxConcurrentBatches (semaphore at
// the orchestrator)"). The parser worker calls this (through
// parser.Admitter) right after the batch is saved and before the
// stage1.input message is written.
func (o *Orchestrator) Admit(ctx context.Context, batchID string) error {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.mu.Lock()
	o.releases[batchID] = func() { <-o.sem }
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.BatchesStarted.Inc()
	}
	return nil
}

func (o *Orchestrator) release(batchID string) {
	o.mu.Lock()
	rel, ok := o.releases[batchID]
	delete(o.releases, batchID)
	o.mu.Unlock()
	if ok {
		rel()
	}
}

func (o *Orchestrator) handleSynthOutput(ctx context.Context, msg bus.Message) error {
	batchID := msg.Envelope.BatchID
	log := o.log.With("batch_id", batchID)
	defer o.release(batchID)

	findings, err := o.store.FindingsForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !hasAllStages(findings) {
		log.Warn("synth.output received but findings are incomplete, treating as assembly error")
		return o.fail(ctx, batchID, findings, "ASSEMBLY_ERROR: missing findings for one or more stages")
	}

	batch, err := o.store.GetErrorBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if err := o.store.TransitionState(ctx, batch.RecordKey, model.FileStateAssembling, nil, nil); err != nil {
		return err
	}

	path, err := o.assembler.Assemble(ctx, batch, findings)
	if err != nil {
		log.Error("booklet assembly failed", "error", err)
		return o.fail(ctx, batchID, findings, "ASSEMBLY_ERROR: "+err.Error())
	}

	now := time.Now()
	if err := o.store.TransitionState(ctx, batch.RecordKey, model.FileStateCompleted, func(r *model.FileProcessingRecord) {
		r.BookletPath = path
		r.CompletedAt = &now
	}, nil); err != nil {
		return err
	}

	if _, err := o.archiver.MoveProcessed(ctx, batch.SourceFile); err != nil {
		log.Error("failed to archive completed input file", "error", err)
		return err
	}
	if o.metrics != nil {
		o.metrics.BatchesComplete.Inc()
	}
	log.Info("batch completed", "booklet_path", path)
	return nil
}

func (o *Orchestrator) handleDeadLetter(ctx context.Context, msg bus.Message) error {
	batchID := msg.Envelope.BatchID
	defer o.release(batchID)

	reason, _ := msg.Envelope.Data["reason"].(string)
	if reason == "" {
		reason = "stage failure"
	}

	findings, err := o.store.FindingsForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return o.fail(ctx, batchID, findings, reason)
}

// fail writes the failure booklet from whatever partial findings exist and
// archives the input file under failed/<date>/ (spec §4.6).
func (o *Orchestrator) fail(ctx context.Context, batchID string, partial []model.AIResearchFinding, reason string) error {
	batch, err := o.store.GetErrorBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if _, err := o.assembler.AssembleFailure(ctx, batch, partial, reason); err != nil {
		o.log.Error("failed to write failure booklet", "batch_id", batchID, "error", err)
		return err
	}

	rec, err := o.store.GetRecord(ctx, batch.RecordKey)
	if err != nil {
		return err
	}
	if !rec.State.Terminal() {
		now := time.Now()
		if err := o.store.TransitionState(ctx, batch.RecordKey, model.FileStateFailed, func(r *model.FileProcessingRecord) {
			r.LastError = reason
			r.CompletedAt = &now
		}, nil); err != nil {
			return err
		}
	}

	if _, err := o.archiver.MoveFailed(ctx, batch.SourceFile, reason); err != nil {
		o.log.Error("failed to archive failed input file", "batch_id", batchID, "error", err)
		return err
	}
	if o.metrics != nil {
		o.metrics.BatchesFailed.Inc()
	}
	return nil
}

func hasAllStages(findings []model.AIResearchFinding) bool {
	seen := map[model.Stage]bool{}
	for _, f := range findings {
		seen[f.Stage] = true
	}
	for n := 1; n <= model.NumStages; n++ {
		if !seen[model.Stage(n)] {
			return false
		}
	}
	return true
}

