// Package status builds the point-in-time snapshot and health verdict
// exposed by the control server (spec §4.9): counts per file state,
// component health, and the daemon's uptime.
//
// Grounded on the teacher's runtime/status.go Outcome/health reporting
// shape, generalized from a single pipeline run's outcome to a
// long-running daemon's rolling per-component health window.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/store"
)

// Health is one component's point-in-time verdict (spec §4.9).
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Component names tracked by Reporter (spec §4.9 "per-component health").
const (
	ComponentDB      = "db"
	ComponentWatcher = "watcher"
	ComponentOutbox  = "outbox"
)

// StageComponent names the component tracked for one pipeline stage.
func StageComponent(stage model.Stage) string { return "stage:" + stage.String() }

// ComponentHealth is one component's rendered verdict alongside the last
// time it was observed doing work.
type ComponentHealth struct {
	Name         string
	Status       Health
	LastActivity time.Time // zero if never observed
}

// Snapshot is the status control verb's response body.
type Snapshot struct {
	Uptime      time.Duration
	WatcherOK   bool
	StateCounts map[model.FileState]int
	LastError   string
	LastErrorAt time.Time
	DBHealth    Health
}

// Reporter tracks daemon start time, the most recent error seen by any
// component, and per-component last-activity timestamps, rendering both the
// aggregate Snapshot and the per-component Health breakdown on demand.
type Reporter struct {
	store               *store.Store
	startedAt           time.Time
	healthWindowSeconds int

	mu          sync.Mutex
	lastError   string
	lastErrorAt time.Time
	watcherOK   bool
	activity    map[string]time.Time
}

// New constructs a Reporter. healthWindowSeconds bounds how long a
// reported error keeps DBHealth at Degraded instead of OK, and how long a
// component can go without activity before it is reported Degraded (spec §6
// healthWindowSeconds).
func New(st *store.Store, healthWindowSeconds int) *Reporter {
	return &Reporter{
		store:               st,
		startedAt:           time.Now(),
		healthWindowSeconds: healthWindowSeconds,
		watcherOK:           true,
		activity:            map[string]time.Time{},
	}
}

// RecordError notes a component failure for the health window.
func (r *Reporter) RecordError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = msg
	r.lastErrorAt = time.Now()
}

// SetWatcherOK toggles whether the watcher's run loop is currently alive.
func (r *Reporter) SetWatcherOK(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watcherOK = ok
}

// Touch records that component did observable work just now: a watcher
// poll, an outbox publish cycle, or a stage worker starting a call. Used
// to derive each component's Degraded-if-stale verdict in Health.
func (r *Reporter) Touch(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activity[component] = time.Now()
}

// Snapshot gathers current state counts from the store and renders the
// full snapshot.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	counts, err := r.store.CountsByState(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	watcherOK := r.watcherOK
	lastError := r.lastError
	lastErrorAt := r.lastErrorAt
	r.mu.Unlock()
	return Snapshot{
		Uptime:      time.Since(r.startedAt),
		WatcherOK:   watcherOK,
		StateCounts: counts,
		LastError:   lastError,
		LastErrorAt: lastErrorAt,
		DBHealth:    r.dbHealth(ctx),
	}, nil
}

// Health reports the aggregate health verdict (spec §4.9): Down if the
// store is unreachable or any component is down, Degraded if any component
// is degraded, OK otherwise.
func (r *Reporter) Health(ctx context.Context) Health {
	db := r.dbHealth(ctx)
	if db == HealthDown {
		return HealthDown
	}
	worst := db
	for _, c := range r.Components(ctx) {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// Components renders the per-component health breakdown spec §4.9 and §6
// document: DB, watcher, outbox publisher, and each of the four pipeline
// stages, each with a last-activity timestamp an operator can use to spot
// a stalled (as opposed to crashed) component.
func (r *Reporter) Components(ctx context.Context) []ComponentHealth {
	r.mu.Lock()
	watcherOK := r.watcherOK
	activity := make(map[string]time.Time, len(r.activity))
	for k, v := range r.activity {
		activity[k] = v
	}
	r.mu.Unlock()

	names := []string{ComponentWatcher, ComponentOutbox}
	for s := model.StageDocs; s <= model.StageSynth; s++ {
		names = append(names, StageComponent(s))
	}

	out := make([]ComponentHealth, 0, len(names)+1)
	out = append(out, ComponentHealth{Name: ComponentDB, Status: r.dbHealth(ctx)})
	for _, name := range names {
		last := activity[name]
		status := HealthOK
		if name == ComponentWatcher && !watcherOK {
			status = HealthDown
		} else if !last.IsZero() && time.Since(last) >= r.window() {
			status = HealthDegraded
		}
		out = append(out, ComponentHealth{Name: name, Status: status, LastActivity: last})
	}
	return out
}

func (r *Reporter) window() time.Duration {
	window := time.Duration(r.healthWindowSeconds) * time.Second
	if window <= 0 {
		window = 5 * time.Minute
	}
	return window
}

func worse(a, b Health) bool {
	rank := map[Health]int{HealthOK: 0, HealthDegraded: 1, HealthDown: 2}
	return rank[a] > rank[b]
}

func (r *Reporter) dbHealth(ctx context.Context) Health {
	if err := r.store.Ping(ctx); err != nil {
		return HealthDown
	}
	r.mu.Lock()
	lastErrorAt := r.lastErrorAt
	watcherOK := r.watcherOK
	r.mu.Unlock()
	if !lastErrorAt.IsZero() && time.Since(lastErrorAt) < r.window() {
		return HealthDegraded
	}
	if !watcherOK {
		return HealthDegraded
	}
	return HealthOK
}
