package controlserver

import "time"

// StatusResponse is the body of GET /status (spec §4.9).
type StatusResponse struct {
	UptimeSeconds float64        `json:"uptime_seconds"`
	WatcherOK     bool           `json:"watcher_ok"`
	StateCounts   map[string]int `json:"state_counts"`
	LastError     string         `json:"last_error,omitempty"`
	LastErrorAt   *time.Time     `json:"last_error_at,omitempty"`
}

// HealthResponse is the body of GET /health (spec §6, §4.9: aggregate
// status plus a per-component breakdown with last-activity timestamps).
type HealthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// ComponentHealth is one subsystem's verdict within HealthResponse.
type ComponentHealth struct {
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// ReloadRequest is the body of POST /reload: the subset of config keys the
// caller wants re-read from the config file on disk (spec §6 reloadableKeys).
type ReloadRequest struct {
	Keys []string `json:"keys"`
}

// DLQReplayRequest is the body of POST /dlq/replay.
type DLQReplayRequest struct {
	FileName string `json:"file_name"`
}

// ErrorResponse is the uniform error envelope for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
