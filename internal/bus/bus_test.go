package bus

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aires-project/aires/internal/idgen"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/store"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelError)
}

func TestEnvelope_RoundTrips(t *testing.T) {
	env := Envelope{BatchID: "b1", Stage: model.StageDocs, Kind: "stage.input", Data: map[string]any{"x": "y"}}
	b, err := EncodeEnvelope(env)
	require.NoError(t, err)
	got, err := DecodeEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, env.BatchID, got.BatchID)
	require.Equal(t, env.Stage, got.Stage)
	require.Equal(t, env.Kind, got.Kind)
}

func TestStageTopics(t *testing.T) {
	require.Equal(t, "stage1.input", StageInputTopic(model.StageDocs))
	require.Equal(t, "stage1.output", StageOutputTopic(model.StageDocs))
	require.Equal(t, "stage4.input", StageInputTopic(model.StageSynth))
	require.Equal(t, "stage4.output", StageOutputTopic(model.StageSynth))
}

func TestDispatch_DeliversToSubscriberInOrder(t *testing.T) {
	b := New(testLogger())
	var mu sync.Mutex
	var seen []string
	b.Subscribe("t1", func(ctx context.Context, msg Message) error {
		mu.Lock()
		seen = append(seen, msg.Envelope.Kind)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 5; i++ {
		env := Envelope{BatchID: "batchA", Kind: "k" + string(rune('0'+i))}
		err := b.Dispatch(context.Background(), Message{MessageID: idgen.New(), Topic: "t1", Envelope: env})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, seen)
}

func TestDispatch_HandlerErrorPropagates(t *testing.T) {
	b := New(testLogger())
	b.Subscribe("t1", func(ctx context.Context, msg Message) error {
		return errBoom
	})
	err := b.Dispatch(context.Background(), Message{MessageID: idgen.New(), Topic: "t1", Envelope: Envelope{BatchID: "b1"}})
	require.Error(t, err)
}

var errBoom = errors.New("boom")

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "aires.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPublisher_DrainsDueOutboxMessageToSubscriber(t *testing.T) {
	s := openTestStore(t)
	b := New(testLogger())
	ctx := context.Background()

	received := make(chan Message, 1)
	b.Subscribe(TopicParseRequested, func(ctx context.Context, msg Message) error {
		received <- msg
		return nil
	})

	payload, err := EncodeEnvelope(Envelope{BatchID: "batch1", Kind: "parse.requested"})
	require.NoError(t, err)
	msg := model.OutboxMessage{
		MessageID:     idgen.New(),
		BatchID:       "batch1",
		Topic:         TopicParseRequested,
		Payload:       payload,
		CreatedAt:     time.Now(),
		NextAttemptAt: time.Now(),
	}
	_, err = s.ClaimFile(ctx, "a.log", "a.log", "chk1", "batch1", time.Now(), msg)
	require.NoError(t, err)

	pub := NewPublisher(s, b, testLogger(), 10, nil)
	pub.drainOnce(ctx)

	select {
	case got := <-received:
		require.Equal(t, "batch1", got.Envelope.BatchID)
	case <-time.After(time.Second):
		t.Fatal("expected message to be delivered")
	}

	due, err := s.DueOutboxMessages(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, due, "published message should no longer be due")
}

func TestPublisher_RetriesOnHandlerError(t *testing.T) {
	s := openTestStore(t)
	b := New(testLogger())
	ctx := context.Background()

	var calls int
	b.Subscribe(TopicParseRequested, func(ctx context.Context, msg Message) error {
		calls++
		return context.DeadlineExceeded
	})

	payload, err := EncodeEnvelope(Envelope{BatchID: "batch1"})
	require.NoError(t, err)
	msg := model.OutboxMessage{
		MessageID:     idgen.New(),
		BatchID:       "batch1",
		Topic:         TopicParseRequested,
		Payload:       payload,
		CreatedAt:     time.Now(),
		NextAttemptAt: time.Now(),
	}
	_, err = s.ClaimFile(ctx, "a.log", "a.log", "chk1", "batch1", time.Now(), msg)
	require.NoError(t, err)

	pub := NewPublisher(s, b, testLogger(), 10, nil)
	pub.drainOnce(ctx)
	require.Equal(t, 1, calls)

	// Not due again immediately: backoff scheduled it into the future.
	due, err := s.DueOutboxMessages(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestPublisher_DeadLettersAfterMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	b := New(testLogger())
	ctx := context.Background()

	b.Subscribe(TopicParseRequested, func(ctx context.Context, msg Message) error {
		return context.DeadlineExceeded
	})

	payload, err := EncodeEnvelope(Envelope{BatchID: "batch1"})
	require.NoError(t, err)
	msg := model.OutboxMessage{
		MessageID:     idgen.New(),
		BatchID:       "batch1",
		Topic:         TopicParseRequested,
		Payload:       payload,
		CreatedAt:     time.Now(),
		NextAttemptAt: time.Now(),
		Attempts:      0,
	}
	_, err = s.ClaimFile(ctx, "a.log", "a.log", "chk1", "batch1", time.Now(), msg)
	require.NoError(t, err)

	pub := NewPublisher(s, b, testLogger(), 1, nil)
	pub.drainOnce(ctx)

	due, err := s.DueOutboxMessages(ctx, time.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due, "dead-lettered message should never become due again")
}
