package controlserver

import (
	"encoding/json"
	"net/http"

	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/model"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reporter.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts := make(map[string]int, len(snap.StateCounts))
	for state, n := range snap.StateCounts {
		counts[string(state)] = n
	}
	resp := StatusResponse{
		UptimeSeconds: snap.Uptime.Seconds(),
		WatcherOK:     snap.WatcherOK,
		StateCounts:   counts,
		LastError:     snap.LastError,
	}
	if !snap.LastErrorAt.IsZero() {
		at := snap.LastErrorAt
		resp.LastErrorAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.reporter.Health(r.Context())
	components := s.reporter.Components(r.Context())
	out := make([]ComponentHealth, 0, len(components))
	for _, c := range components {
		ch := ComponentHealth{Name: c.Name, Status: string(c.Status)}
		if !c.LastActivity.IsZero() {
			at := c.LastActivity
			ch.LastActivity = &at
		}
		out = append(out, ch)
	}
	code := http.StatusOK
	if h != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{Status: string(h), Components: out})
}

// handleDrain stops the watcher from admitting new files; in-flight
// batches are left to finish (spec §4.9 drain()).
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	s.drainer.Drain()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

// handleReload re-reads the config file and applies only the explicitly
// requested, allowlisted keys (spec §6: restart is required for any other
// key).
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req ReloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	next, err := config.Load(s.configPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reloading config file: "+err.Error())
		return
	}
	if err := s.cfg.ApplyReload(next, req.Keys); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, key := range req.Keys {
		if key == "log.level" {
			if lvl, ok := logging.ParseLevel(s.cfg.LogLevel); ok {
				s.log.SetLevel(lvl)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": req.Keys})
}

// handleDLQList lists dead-lettered records for operator inspection
// (SPEC_FULL.md §12.2).
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListDeadLettered(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]any{
			"file_name":  rec.FileName,
			"batch_id":   rec.BatchID,
			"last_error": rec.LastError,
			"attempts":   rec.Attempts,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDLQReplay moves one dead-lettered record back to Detected so the
// watcher's next poll re-claims it. This is the only path that ever
// revives a DeadLettered record (SPEC_FULL.md §12.2: never automatic).
func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	var req DLQReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.FileName == "" {
		writeError(w, http.StatusBadRequest, "file_name is required")
		return
	}
	rec, err := s.store.GetRecord(r.Context(), req.FileName)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if rec.State != model.FileStateDeadLetter {
		writeError(w, http.StatusConflict, "file is not in DeadLettered state")
		return
	}
	if err := s.store.Requeue(r.Context(), req.FileName); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}
