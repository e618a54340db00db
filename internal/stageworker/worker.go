// Package stageworker implements the four stage workers from spec §4.5:
// Docs, Context, Pattern, Synth. All four share one skeleton parameterized
// by model.Stage; only the prompt composition and response-format schema
// differ per stage (spec §4.5's "four workers ... share the same
// skeleton").
//
// Grounded on the teacher's engine retry/escalation shape
// (internal/attractor/engine/failure_policy.go's retryable-vs-escalate
// split) generalized from the attractor's failure-class taxonomy onto
// spec §7's aerr.Kind taxonomy.
package stageworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/aires-project/aires/internal/aiclient"
	"github.com/aires-project/aires/internal/bus"
	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/idgen"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/metrics"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/status"
	"github.com/aires-project/aires/internal/store"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// responseSchemaDoc is the JSON shape every stage's model response must match:
// a short prose summary, a confidence score, and a free-form details bag the
// next stage's prompt composer can read back.
var responseSchemaDoc = map[string]any{
	"type":     "object",
	"required": []any{"summary", "confidence"},
	"properties": map[string]any{
		"summary":    map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"details":    map[string]any{"type": "object"},
	},
}

func compiledResponseSchema() *jsonschema.Schema {
	schema, err := aiclient.CompileSchema("stage-response.json", responseSchemaDoc)
	if err != nil {
		// The schema document above is a fixed literal; a compile failure here
		// is a programming error, not a runtime condition.
		panic("stageworker: invalid built-in response schema: " + err.Error())
	}
	return schema
}

var sharedResponseSchema = compiledResponseSchema()

// Worker runs one stage (spec §4.5).
type Worker struct {
	stage    model.Stage
	cfg      *config.Config
	store    *store.Store
	bus      *bus.Bus
	ai       *aiclient.Client
	log      *logging.Logger
	metrics  *metrics.Registry
	reporter *status.Reporter
}

// New constructs the worker for stage. reg and reporter may be nil in tests
// that don't care about instrumentation.
func New(stage model.Stage, cfg *config.Config, st *store.Store, b *bus.Bus, ai *aiclient.Client, log *logging.Logger, reg *metrics.Registry, reporter *status.Reporter) *Worker {
	return &Worker{
		stage:    stage,
		cfg:      cfg,
		store:    st,
		bus:      b,
		ai:       ai,
		log:      log.With("component", "stageworker", "stage", stage.String()),
		metrics:  reg,
		reporter: reporter,
	}
}

// Register subscribes the worker to its input topic.
func (w *Worker) Register() {
	w.bus.Subscribe(bus.StageInputTopic(w.stage), w.handle)
}

func (w *Worker) handle(ctx context.Context, msg bus.Message) error {
	batchID := msg.Envelope.BatchID
	log := w.log.With("batch_id", batchID)

	exists, err := w.store.FindingExists(ctx, batchID, w.stage)
	if err != nil {
		return err
	}
	if exists {
		log.Debug("finding already recorded, skipping redelivered message")
		return nil
	}

	batch, err := w.store.GetErrorBatch(ctx, batchID)
	if err != nil {
		return err
	}
	priors, err := w.store.FindingsForBatch(ctx, batchID)
	if err != nil {
		return err
	}

	stageCfg := w.cfg.Stages[int(w.stage)]
	prompt := composePrompt(w.stage, batch, priors)

	req := aiclient.Request{
		Stage:        w.stage,
		BatchID:      batchID,
		SystemPrompt: stageCfg.SystemPrompt,
		Prompt:       prompt,
		Model:        stageCfg.Model,
		Temperature:  stageCfg.Temperature,
		MaxTokens:    stageCfg.MaxTokens,
		Timeout:      w.cfg.StageTimeout(int(w.stage)),
		Schema:       sharedResponseSchema,
	}

	if w.reporter != nil {
		w.reporter.Touch(status.StageComponent(w.stage))
	}
	start := time.Now()
	resp, callErr := w.ai.Analyze(ctx, stageCfg.Backend, req, fmt.Sprintf("%s:%d", batchID, w.stage))
	elapsed := time.Since(start).Seconds()
	if callErr != nil {
		w.observe(elapsed, classifyErrKind(callErr))
		return w.handleFailure(ctx, batchID, callErr)
	}
	w.observe(elapsed, "")
	return w.handleSuccess(ctx, batchID, resp)
}

func (w *Worker) observe(seconds float64, errKind string) {
	if w.metrics != nil {
		w.metrics.ObserveStageOutcome(w.stage, seconds, errKind)
	}
}

func classifyErrKind(err error) string {
	var e *aerr.E
	if aerr.As(err, &e) {
		return string(e.Kind)
	}
	return "unknown"
}

func (w *Worker) handleSuccess(ctx context.Context, batchID string, resp aiclient.Response) error {
	summary, _ := resp.Parsed["summary"].(string)
	confidence, _ := resp.Parsed["confidence"].(float64)
	details, _ := resp.Parsed["details"].(map[string]any)

	finding := model.AIResearchFinding{
		Stage:            w.stage,
		BatchID:          batchID,
		ProducedAt:       time.Now(),
		Confidence:       confidence,
		Summary:          summary,
		Details:          details,
		RawModelResponse: resp.RawText,
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "encoding finding details", err)
	}
	if err := w.store.UpsertFinding(ctx, finding, detailsJSON); err != nil {
		return err
	}

	outMsg, err := w.nextStageMessage(batchID, finding)
	if err != nil {
		return err
	}

	recordKey, err := w.recordKeyForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	nextState := model.FileStatePipelining
	return w.store.TransitionState(ctx, recordKey, nextState, func(r *model.FileProcessingRecord) {
		r.Attempts = 0
	}, &outMsg)
}

func (w *Worker) handleFailure(ctx context.Context, batchID string, callErr error) error {
	recordKey, err := w.recordKeyForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	rec, err := w.store.GetRecord(ctx, recordKey)
	if err != nil {
		return err
	}

	var e *aerr.E
	retryable := aerr.As(callErr, &e) && e.Retryable
	if !retryable {
		w.log.Warn("non-retryable stage failure, marking batch Failed", "batch_id", batchID, "error", callErr)
		deadMsg, err := w.deadLetterMessage(batchID, callErr)
		if err != nil {
			return err
		}
		return w.store.TransitionState(ctx, recordKey, model.FileStateFailed, func(r *model.FileProcessingRecord) {
			r.LastError = callErr.Error()
		}, &deadMsg)
	}

	attempts := rec.Attempts + 1
	if attempts >= w.cfg.MaxStageAttempts {
		w.log.Warn("stage retries exhausted, dead-lettering", "batch_id", batchID, "attempts", attempts)
		deadMsg, err := w.deadLetterMessage(batchID, callErr)
		if err != nil {
			return err
		}
		return w.store.TransitionState(ctx, recordKey, model.FileStateDeadLetter, func(r *model.FileProcessingRecord) {
			r.LastError = callErr.Error()
			r.Attempts = attempts
		}, &deadMsg)
	}

	w.log.Info("retryable stage failure, requeueing", "batch_id", batchID, "attempts", attempts, "error", callErr)
	requeueMsg, err := w.requeueMessage(batchID)
	if err != nil {
		return err
	}
	return w.store.TransitionState(ctx, recordKey, model.FileStatePipelining, func(r *model.FileProcessingRecord) {
		r.Attempts = attempts
		r.LastError = callErr.Error()
	}, &requeueMsg)
}

func (w *Worker) recordKeyForBatch(ctx context.Context, batchID string) (string, error) {
	batch, err := w.store.GetErrorBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	return batch.RecordKey, nil
}

func (w *Worker) nextStageMessage(batchID string, finding model.AIResearchFinding) (model.OutboxMessage, error) {
	outputTopic := bus.StageOutputTopic(w.stage)
	var forwardTopic string
	if next := w.stage.Next(); next != 0 {
		forwardTopic = bus.StageInputTopic(next)
	} else {
		forwardTopic = bus.SynthOutputTopic
	}
	// Only the forward message is built and written: the next stage's input,
	// or synth.output after stage 4. Nothing is published to this stage's
	// own *.output topic.
	_ = outputTopic
	return buildEnvelopeMessage(batchID, forwardTopic, w.stage, map[string]any{
		"summary":    finding.Summary,
		"confidence": finding.Confidence,
	})
}

func (w *Worker) requeueMessage(batchID string) (model.OutboxMessage, error) {
	return buildEnvelopeMessage(batchID, bus.StageInputTopic(w.stage), w.stage, map[string]any{"retry": true})
}

func (w *Worker) deadLetterMessage(batchID string, cause error) (model.OutboxMessage, error) {
	return buildEnvelopeMessage(batchID, bus.TopicDeadLetter, w.stage, map[string]any{"reason": cause.Error()})
}

func buildEnvelopeMessage(batchID, topic string, stage model.Stage, data map[string]any) (model.OutboxMessage, error) {
	env := bus.Envelope{BatchID: batchID, Stage: stage, Kind: topic, Data: data}
	payload, err := bus.EncodeEnvelope(env)
	if err != nil {
		return model.OutboxMessage{}, aerr.Wrap(aerr.KindInfrastructure, "encoding outbox envelope", err)
	}
	now := time.Now()
	return model.OutboxMessage{
		MessageID:     idgen.New(),
		BatchID:       batchID,
		Topic:         topic,
		Payload:       payload,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

// composePrompt builds the deterministic serialization of the batch and
// prior findings the spec calls for (§4.5: "the stage's systemPrompt plus a
// deterministic serialization of the batch and prior findings").
func composePrompt(stage model.Stage, batch model.ErrorBatch, priors []model.AIResearchFinding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n", stage.String())
	fmt.Fprintf(&b, "Source file: %s\n", batch.SourceFile)
	fmt.Fprintf(&b, "Errors (%d):\n", len(batch.Errors))
	for _, e := range batch.Errors {
		fmt.Fprintf(&b, "- [%s] %s:%d:%d %s\n", e.Code, e.Location.FilePath, e.Location.Line, e.Location.Column, e.Message)
	}
	if len(priors) > 0 {
		b.WriteString("Prior findings:\n")
		for _, f := range priors {
			fmt.Fprintf(&b, "- Stage %s (confidence %.2f): %s\n", f.Stage.String(), f.Confidence, f.Summary)
		}
	}
	b.WriteString("Respond with a JSON object: {\"summary\": string, \"confidence\": number 0-1, \"details\": object}.\n")
	return b.String()
}
