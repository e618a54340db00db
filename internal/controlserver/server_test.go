package controlserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/metrics"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/status"
	"github.com/aires-project/aires/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeDrainer struct{ drained bool }

func (f *fakeDrainer) Drain() { f.drained = true }

func testLogger() *logging.Logger { return logging.New(io.Discard, logging.LevelError) }

func setup(t *testing.T) (*Server, *store.Store, *fakeDrainer) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "aires.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{ControlAddr: "127.0.0.1:0", RetentionDays: 30}
	reporter := status.New(s, 300)
	reg := metrics.New()
	drainer := &fakeDrainer{}
	srv := New(cfg, "", s, reg, reporter, drainer, testLogger())
	return srv, s, drainer
}

func TestHandleHealth_OK(t *testing.T) {
	srv, _, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatus_ReturnsStateCounts(t *testing.T) {
	srv, s, _ := setup(t)
	ctx := context.Background()
	batch, err := model.NewErrorBatch("b1", "f.log", time.Now(), []model.CompilerError{{Code: "E1", Message: "x", Severity: model.SeverityError}}, "chk")
	require.NoError(t, err)
	require.NoError(t, s.SaveErrorBatch(ctx, batch))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.WatcherOK)
}

func TestHandleDrain_CallsDrainer(t *testing.T) {
	srv, _, drainer := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/drain", nil)
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, drainer.drained)
}

func TestHandleDLQReplay_RejectsNonDeadLetteredFile(t *testing.T) {
	srv, s, _ := setup(t)
	ctx := context.Background()
	env := []byte{}
	msg := model.OutboxMessage{MessageID: "m1", BatchID: "b2", Topic: "parse.requested", Payload: env, CreatedAt: time.Now(), NextAttemptAt: time.Now()}
	_, err := s.ClaimFile(ctx, "g.log", "g.log", "chk2", "b2", time.Now(), msg)
	require.NoError(t, err)

	body, _ := json.Marshal(DLQReplayRequest{FileName: "g.log"})
	req := httptest.NewRequest(http.MethodPost, "/dlq/replay", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleDLQReplay_RequeuedFileIsReclaimable(t *testing.T) {
	// End-to-end DLQ replay: dead-letter a file, replay it over HTTP, and
	// confirm the watcher's ResolveClaimKey/ClaimFile round trip actually
	// re-acquires it instead of bouncing off the still-live row.
	srv, s, _ := setup(t)
	ctx := context.Background()
	env := []byte{}
	msg := model.OutboxMessage{MessageID: "m2", BatchID: "b3", Topic: "parse.requested", Payload: env, CreatedAt: time.Now(), NextAttemptAt: time.Now()}
	_, err := s.ClaimFile(ctx, "h.log", "h.log", "chk3", "b3", time.Now(), msg)
	require.NoError(t, err)
	require.NoError(t, s.TransitionState(ctx, "h.log", model.FileStateDeadLetter, func(r *model.FileProcessingRecord) {
		r.LastError = "stage exhausted retries"
	}, nil))

	body, _ := json.Marshal(DLQReplayRequest{FileName: "h.log"})
	req := httptest.NewRequest(http.MethodPost, "/dlq/replay", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	key, duplicate, err := s.ResolveClaimKey(ctx, "h.log", "chk3")
	require.NoError(t, err)
	require.False(t, duplicate)
	require.Equal(t, "h.log", key)

	result, err := s.ClaimFile(ctx, key, "h.log", "chk3", "b4", time.Now(), model.OutboxMessage{
		MessageID: "m3", BatchID: "b4", Topic: "parse.requested", Payload: env, CreatedAt: time.Now(), NextAttemptAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, store.ClaimAcquired, result)

	rec2, err := s.GetRecord(ctx, "h.log")
	require.NoError(t, err)
	require.Equal(t, model.FileStateClaimed, rec2.State)
	require.Equal(t, "b4", rec2.BatchID)
}

func TestHandleHealth_ReportsComponents(t *testing.T) {
	srv, _, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "ok", resp.Status)
	require.NotEmpty(t, resp.Components)
	names := map[string]bool{}
	for _, c := range resp.Components {
		names[c.Name] = true
	}
	require.True(t, names["db"])
	require.True(t, names["watcher"])
	require.True(t, names["outbox"])
}

func TestHandleMetrics_ServesPrometheusFormat(t *testing.T) {
	srv, _, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "aires_")
}
