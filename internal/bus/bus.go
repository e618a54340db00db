// Package bus implements the in-process message bus from spec §4.3: ordered,
// at-least-once, durable handoff between pipeline components, with topics
// partitioned by batchId so all messages for one batch stay in order.
//
// The bus itself is in-memory (subscriber fan-out over Go channels,
// partition-keyed to a worker goroutine per batchId) — AIRES runs as a
// single daemon process (spec §1 "single long-running daemon process"), so
// there is no cross-process broker to run. Durability and at-least-once
// delivery instead come from internal/store's outbox table: every producer
// writes its outbox_messages row in the same store transaction as its state
// change (store.ClaimFile, store.TransitionState), and a background
// Publisher goroutine (this package) drains due rows onto the
// in-memory bus, retrying with internal/retry's backoff on delivery error.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/aires-project/aires/internal/clock"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/retry"
	"github.com/aires-project/aires/internal/status"
	"github.com/aires-project/aires/internal/store"
	"github.com/vmihailenco/msgpack/v5"
)

// Topic names, spec §4.3.
const (
	TopicParseRequested  = "parse.requested"
	TopicParseCompleted  = "parse.completed"
	TopicBookletRequested = "booklet.requested"
	TopicDeadLetter      = "dead.letter"
)

// StageInputTopic and StageOutputTopic name the per-stage topics
// stage1.input..stage4.input / stage1.output..stage4.output, with stage 4's
// output additionally reachable as "synth.output" (spec §4.3 lists both
// spellings; SynthOutputTopic is the canonical alias used by the
// orchestrator's subscription).
func StageInputTopic(s model.Stage) string  { return stageTopicName(s) + ".input" }
func StageOutputTopic(s model.Stage) string { return stageTopicName(s) + ".output" }

const SynthOutputTopic = "synth.output"

func stageTopicName(s model.Stage) string {
	switch s {
	case model.StageDocs:
		return "stage1"
	case model.StageContext:
		return "stage2"
	case model.StagePattern:
		return "stage3"
	case model.StageSynth:
		return "stage4"
	default:
		return "stage0"
	}
}

// Envelope is the decoded form of an OutboxMessage's payload, carrying
// enough to route and process a message without a second DB round trip.
type Envelope struct {
	BatchID string         `msgpack:"batch_id"`
	Stage   model.Stage    `msgpack:"stage"`
	Kind    string         `msgpack:"kind"`
	Data    map[string]any `msgpack:"data"`
}

// EncodeEnvelope msgpack-encodes an Envelope for storage in
// OutboxMessage.Payload.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := msgpack.Unmarshal(b, &e)
	return e, err
}

// Message is what subscribers receive: the envelope plus delivery metadata.
type Message struct {
	MessageID string
	Topic     string
	Envelope  Envelope
}

// Handler processes one delivered message. A non-nil error causes the
// Publisher to leave the message unpublished and reschedule it with backoff,
// exactly like a downstream broker NACK would.
type Handler func(ctx context.Context, msg Message) error

// Bus is the in-process partitioned pub/sub fabric. Partitioning by batchId
// guarantees all messages for one batch are delivered to handlers in the
// order the Publisher drains them, matching spec §4.3's ordering guarantee.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]Handler
	workerChans map[string]chan withResult
	wg          sync.WaitGroup
	log         *logging.Logger
}

// New creates an empty Bus. Subscribe before calling Run.
func New(log *logging.Logger) *Bus {
	return &Bus{
		subscribers: map[string][]Handler{},
		workerChans: map[string]chan withResult{},
		log:         log.With("component", "bus"),
	}
}

// Subscribe registers h to receive every message published to topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

// Dispatch routes msg to topic's subscribers on the goroutine backing msg's
// batchId partition, serializing all messages for that batch (spec §4.3).
// It blocks until the partition worker has processed msg.
func (b *Bus) Dispatch(ctx context.Context, msg Message) error {
	ch := b.partitionChan(msg.Envelope.BatchID)
	result := make(chan error, 1)
	select {
	case ch <- withResult{msg, result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type withResult struct {
	msg    Message
	result chan error
}

func (b *Bus) partitionChan(batchID string) chan withResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.workerChans[batchID]; ok {
		return ch
	}
	ch := make(chan withResult, 64)
	b.workerChans[batchID] = ch
	b.wg.Add(1)
	go b.runPartition(batchID, ch)
	return ch
}

func (b *Bus) runPartition(batchID string, ch chan withResult) {
	defer b.wg.Done()
	for item := range ch {
		b.mu.Lock()
		handlers := append([]Handler(nil), b.subscribers[item.msg.Topic]...)
		b.mu.Unlock()
		var firstErr error
		for _, h := range handlers {
			if err := h(context.Background(), item.msg); err != nil && firstErr == nil {
				firstErr = err
				b.log.Warn("handler error", "topic", item.msg.Topic, "batch_id", batchID, "error", err)
			}
		}
		item.result <- firstErr
	}
}

// Publisher drains due outbox rows onto the Bus, retrying failed deliveries
// with backoff and dead-lettering (store.DeadLetterOutboxMessage) after the
// Publisher's maxPublishAttempts is exhausted (spec §4.3 step 3).
type Publisher struct {
	store              *store.Store
	bus                *Bus
	log                *logging.Logger
	clk                clock.Clock
	pollInterval       time.Duration
	maxPublishAttempts int
	batchSize          int
	reporter           *status.Reporter
}

// NewPublisher wires a Publisher against store s and bus b. reporter may be
// nil in tests that don't care about health reporting; when set, every
// drain cycle touches status.ComponentOutbox so /health can show the
// publisher's last-activity timestamp (spec §4.9).
func NewPublisher(s *store.Store, b *Bus, log *logging.Logger, maxPublishAttempts int, reporter *status.Reporter) *Publisher {
	return &Publisher{
		store:              s,
		bus:                b,
		log:                log.With("component", "outbox-publisher"),
		clk:                clock.Real{},
		pollInterval:       200 * time.Millisecond,
		maxPublishAttempts: maxPublishAttempts,
		batchSize:          50,
		reporter:           reporter,
	}
}

// WithClock overrides the Publisher's time source, used by tests that need
// deterministic backoff scheduling (spec §8's clock-skew invariant).
func (p *Publisher) WithClock(c clock.Clock) *Publisher {
	p.clk = c
	return p
}

// Run drains due outbox messages until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

func (p *Publisher) drainOnce(ctx context.Context) {
	if p.reporter != nil {
		p.reporter.Touch(status.ComponentOutbox)
	}
	now := p.clk.Now()
	due, err := p.store.DueOutboxMessages(ctx, now, p.batchSize)
	if err != nil {
		p.log.Error("list due outbox messages", "error", err)
		return
	}
	for _, m := range due {
		p.publishOne(ctx, m)
	}
}

func (p *Publisher) publishOne(ctx context.Context, m model.OutboxMessage) {
	env, err := DecodeEnvelope(m.Payload)
	if err != nil {
		p.log.Error("decode outbox payload, dead-lettering", "message_id", m.MessageID, "error", err)
		p.deadLetter(ctx, m)
		return
	}
	dispatchErr := p.bus.Dispatch(ctx, Message{MessageID: m.MessageID, Topic: m.Topic, Envelope: env})
	if dispatchErr == nil {
		if err := p.store.MarkPublished(ctx, m.MessageID, p.clk.Now()); err != nil {
			p.log.Error("mark outbox message published", "message_id", m.MessageID, "error", err)
		}
		return
	}

	attempts := m.Attempts + 1
	if attempts >= p.maxPublishAttempts {
		p.log.Warn("outbox message exhausted publish attempts, dead-lettering", "message_id", m.MessageID, "topic", m.Topic, "attempts", attempts)
		p.deadLetter(ctx, m)
		return
	}
	delay := retry.DelayForAttempt(attempts, retry.OutboxPublisher(), m.MessageID)
	next := p.clk.Now().Add(delay)
	if err := p.store.ScheduleRetry(ctx, m.MessageID, attempts, next); err != nil {
		p.log.Error("schedule outbox retry", "message_id", m.MessageID, "error", err)
	}
}

func (p *Publisher) deadLetter(ctx context.Context, m model.OutboxMessage) {
	if err := p.store.DeadLetterOutboxMessage(ctx, m.MessageID); err != nil {
		p.log.Error("dead-letter outbox message", "message_id", m.MessageID, "error", err)
	}
}
