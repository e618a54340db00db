// Package store implements the relational state store from spec §4.8: the
// file_processing_records / outbox_messages / findings tables that give the
// pipeline its crash-safe, at-least-once, exactly-once-per-key durability
// guarantees (spec §3, §5, §8).
//
// None of the five complete example repos in the retrieval pack persist to a
// relational database (see DESIGN.md) — sqlite here is the one domain
// dependency not grounded in a pack precedent, chosen because spec §3's
// invariants (unique fileName constraint across non-terminal states,
// outbox-consistency via same-transaction inserts) need real ACID
// transactions and a unique index, which an in-memory map cannot give the
// crash-recovery testable properties in spec §8.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/aires-project/aires/internal/model"
	_ "modernc.org/sqlite"
)

// ErrRecordNotFound is returned (wrapped in an *aerr.E) by GetRecord and
// friends when no row exists for a key, so callers can distinguish "not
// claimed yet" from a genuine infrastructure failure via errors.Is.
var ErrRecordNotFound = errors.New("store: file_processing_record not found")

// Store wraps a *sql.DB configured for AIRES's schema and access patterns.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and applies
// the schema. dsn is spec §6's db.connectionString.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindInfrastructure, "opening state store", err)
	}
	// A single writer connection avoids SQLITE_BUSY under the short,
	// DB-row-only locking discipline spec §5 requires (no application-level
	// in-memory locks — all coordination goes through DB rows).
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the store is reachable, used by the health surface
// and the fatalDbDownSeconds escalation in spec §5/§7.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "state store unreachable", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS file_processing_records (
			file_name TEXT PRIMARY KEY,
			source_path TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL,
			state TEXT NOT NULL,
			batch_id TEXT NOT NULL DEFAULT '',
			detected_at TEXT NOT NULL,
			claimed_at TEXT,
			completed_at TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			booklet_path TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_state ON file_processing_records(state)`,
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			message_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TEXT NOT NULL,
			published_at TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox_messages(published_at, next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS error_batches (
			batch_id TEXT PRIMARY KEY,
			source_file TEXT NOT NULL,
			record_key TEXT NOT NULL DEFAULT '',
			detected_at TEXT NOT NULL,
			checksum TEXT NOT NULL,
			errors_json BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS findings (
			batch_id TEXT NOT NULL,
			stage INTEGER NOT NULL,
			produced_at TEXT NOT NULL,
			confidence REAL NOT NULL,
			summary TEXT NOT NULL,
			details_json BLOB NOT NULL,
			raw_response TEXT NOT NULL,
			PRIMARY KEY (batch_id, stage)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return aerr.Wrap(aerr.KindInfrastructure, "applying schema", err)
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

// ClaimResult is the outcome of an attempted claim (spec §4.1 step 3).
type ClaimResult int

const (
	ClaimAcquired ClaimResult = iota
	ClaimAlreadyKnown
)

// ResolveClaimKey determines the file_processing_records key a new claim of
// sourcePath with the given checksum should use (spec §4.1 step 5). A file
// never claimed before gets sourcePath itself. A file whose prior record for
// sourcePath is actively being worked (NonTerminalExclusive: Claimed through
// Assembling) is a duplicate of an in-progress claim and should be skipped.
// A file whose prior record is Detected — never actually claimed, as after
// store.Requeue resets a dead-lettered record for DLQ replay (spec §12.2) —
// is freely reclaimable under its own key, same as a never-seen file: this
// is what lets a replayed file actually get picked back up by the watcher's
// next poll instead of bouncing off its own still-live row forever. A file
// whose prior record is terminal and whose checksum matches is identical
// content already fully processed — also a no-op duplicate. A file whose
// prior record is terminal but whose checksum differs is a new version of
// the file's content and gets claimed under the next free
// "<sourcePath>.v<N>" key so the watcher can treat it as a fresh batch
// instead of silently dropping it.
func (s *Store) ResolveClaimKey(ctx context.Context, sourcePath, checksum string) (key string, duplicate bool, err error) {
	existing, err := s.GetRecord(ctx, sourcePath)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return sourcePath, false, nil
		}
		return "", false, err
	}
	if existing.State == model.FileStateDetected {
		return sourcePath, false, nil
	}
	if existing.State.NonTerminalExclusive() {
		return "", true, nil
	}
	if existing.Checksum == checksum {
		return "", true, nil
	}
	key, err = s.nextVersionKey(ctx, sourcePath)
	if err != nil {
		return "", false, err
	}
	return key, false, nil
}

func (s *Store) nextVersionKey(ctx context.Context, sourcePath string) (string, error) {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s.v%d", sourcePath, n)
		_, err := s.GetRecord(ctx, candidate)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return candidate, nil
			}
			return "", err
		}
	}
}

// ClaimFile inserts a new FileProcessingRecord in the Claimed state under
// key (as resolved by ResolveClaimKey), or reports ClaimAlreadyKnown if the
// row is already owned by another claim (spec §4.1: "INSERT ... with
// fileName as unique key. On conflict, skip"). key can collide with an
// existing row in exactly one legitimate case: a DLQ replay, where
// store.Requeue reset that row to Detected and this call is the watcher
// reclaiming it (spec §12.2) — so the insert is an upsert that only takes
// effect when the existing row (if any) is still Detected; a collision with
// any other state (in-flight or terminal) is left untouched and reported as
// ClaimAlreadyKnown. sourcePath is the physical file name on disk, recorded
// separately from key so versioned claims still resolve to the right bytes.
// The claim and its ParseRequested outbox row are written in the same
// transaction (spec §4.3 transactional outbox protocol).
func (s *Store) ClaimFile(ctx context.Context, key, sourcePath, checksum, batchID string, detectedAt time.Time, outboxMsg model.OutboxMessage) (ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, aerr.Wrap(aerr.KindInfrastructure, "begin claim tx", err)
	}
	defer tx.Rollback()

	now := detectedAt
	res, err := tx.ExecContext(ctx, `
		INSERT INTO file_processing_records (file_name, source_path, checksum, state, batch_id, detected_at, claimed_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(file_name) DO UPDATE SET
			source_path=excluded.source_path, checksum=excluded.checksum, state=excluded.state,
			batch_id=excluded.batch_id, detected_at=excluded.detected_at, claimed_at=excluded.claimed_at,
			attempts=0, last_error=''
		WHERE file_processing_records.state = ?`,
		key, sourcePath, checksum, string(model.FileStateClaimed), batchID, formatTime(detectedAt), formatTime(now),
		string(model.FileStateDetected))
	if err != nil {
		if isUniqueConflict(err) {
			return ClaimAlreadyKnown, nil
		}
		return 0, aerr.Wrap(aerr.KindInfrastructure, "insert file_processing_records", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ClaimAlreadyKnown, nil
	}

	if err := insertOutboxTx(ctx, tx, outboxMsg); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, aerr.Wrap(aerr.KindInfrastructure, "commit claim tx", err)
	}
	return ClaimAcquired, nil
}

func isUniqueConflict(err error) bool {
	// modernc.org/sqlite surfaces SQLite's "UNIQUE constraint failed" text in
	// the error message; there is no typed sentinel to compare against.
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, msg model.OutboxMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (message_id, batch_id, topic, payload, created_at, attempts, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.BatchID, msg.Topic, msg.Payload, formatTime(msg.CreatedAt), msg.Attempts, formatTime(msg.NextAttemptAt))
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "insert outbox_messages", err)
	}
	return nil
}

// TransitionState advances a record's state and, in the same transaction,
// inserts the outbox message that announces the transition (spec §4.3
// "created in the same local transaction as the state update"). Pass a nil
// outboxMsg for transitions that don't publish (e.g. the orchestrator's
// Assembling and Completed transitions).
func (s *Store) TransitionState(ctx context.Context, fileName string, next model.FileState, mutate func(*model.FileProcessingRecord), outboxMsg *model.OutboxMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "begin transition tx", err)
	}
	defer tx.Rollback()

	rec, err := getRecordTx(ctx, tx, fileName)
	if err != nil {
		return err
	}
	rec.State = next
	if mutate != nil {
		mutate(&rec)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE file_processing_records
		SET state = ?, batch_id = ?, claimed_at = ?, completed_at = ?, attempts = ?, last_error = ?, booklet_path = ?
		WHERE file_name = ?`,
		string(rec.State), rec.BatchID, formatTimePtr(rec.ClaimedAt), formatTimePtr(rec.CompletedAt), rec.Attempts, rec.LastError, rec.BookletPath, fileName)
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "update file_processing_records", err)
	}

	if outboxMsg != nil {
		if err := insertOutboxTx(ctx, tx, *outboxMsg); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "commit transition tx", err)
	}
	return nil
}

func getRecordTx(ctx context.Context, tx *sql.Tx, fileName string) (model.FileProcessingRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT file_name, source_path, checksum, state, batch_id, detected_at, claimed_at, completed_at, attempts, last_error, booklet_path
		FROM file_processing_records WHERE file_name = ?`, fileName)
	return scanRecord(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.FileProcessingRecord, error) {
	var rec model.FileProcessingRecord
	var detectedAt string
	var claimedAt, completedAt sql.NullString
	var state string
	if err := row.Scan(&rec.FileName, &rec.SourcePath, &rec.Checksum, &state, &rec.BatchID, &detectedAt, &claimedAt, &completedAt, &rec.Attempts, &rec.LastError, &rec.BookletPath); err != nil {
		if err == sql.ErrNoRows {
			return model.FileProcessingRecord{}, aerr.Wrap(aerr.KindInfrastructure, "file_processing_record not found", ErrRecordNotFound)
		}
		return model.FileProcessingRecord{}, aerr.Wrap(aerr.KindInfrastructure, "scan file_processing_record", err)
	}
	rec.State = model.FileState(state)
	if rec.SourcePath == "" {
		rec.SourcePath = rec.FileName
	}
	rec.DetectedAt = parseTime(detectedAt)
	rec.ClaimedAt = parseTimePtr(claimedAt)
	rec.CompletedAt = parseTimePtr(completedAt)
	return rec, nil
}

// GetRecord fetches a record by its key (fileName, possibly a versioned key
// from ResolveClaimKey).
func (s *Store) GetRecord(ctx context.Context, fileName string) (model.FileProcessingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_name, source_path, checksum, state, batch_id, detected_at, claimed_at, completed_at, attempts, last_error, booklet_path
		FROM file_processing_records WHERE file_name = ?`, fileName)
	return scanRecord(row)
}

// RecordsByState lists all records in a given state, for status queries
// (spec §4.9) and the archive/DLQ cleaner (spec §4.10).
func (s *Store) RecordsByState(ctx context.Context, state model.FileState) ([]model.FileProcessingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_name, source_path, checksum, state, batch_id, detected_at, claimed_at, completed_at, attempts, last_error, booklet_path
		FROM file_processing_records WHERE state = ?`, string(state))
	if err != nil {
		return nil, aerr.Wrap(aerr.KindInfrastructure, "query records by state", err)
	}
	defer rows.Close()
	var out []model.FileProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountsByState returns the number of records in each state, for the status
// snapshot (spec §4.9).
func (s *Store) CountsByState(ctx context.Context) (map[model.FileState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM file_processing_records GROUP BY state`)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindInfrastructure, "count records by state", err)
	}
	defer rows.Close()
	out := map[model.FileState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, aerr.Wrap(aerr.KindInfrastructure, "scan state count", err)
		}
		out[model.FileState(state)] = n
	}
	return out, nil
}

// UpsertFinding persists a finding idempotently keyed by (batch_id, stage)
// (spec §3 findings table; spec §8 "re-delivering any stage message whose
// finding already exists is a no-op").
func (s *Store) UpsertFinding(ctx context.Context, f model.AIResearchFinding, detailsJSON []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO findings (batch_id, stage, produced_at, confidence, summary, details_json, raw_response)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, stage) DO NOTHING`,
		f.BatchID, int(f.Stage), formatTime(f.ProducedAt), f.Confidence, f.Summary, detailsJSON, f.RawModelResponse)
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "upsert finding", err)
	}
	return nil
}

// FindingExists reports whether a finding already exists for (batchID, stage),
// the idempotency check stage workers perform before calling the AI client.
func (s *Store) FindingExists(ctx context.Context, batchID string, stage model.Stage) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings WHERE batch_id = ? AND stage = ?`, batchID, int(stage)).Scan(&n)
	if err != nil {
		return false, aerr.Wrap(aerr.KindInfrastructure, "check finding existence", err)
	}
	return n > 0, nil
}

// FindingsForBatch returns every persisted finding for batchID, used by the
// orchestrator to verify all four stages are present before assembling
// (spec §4.6) and by stage workers to compose prior-stage context (spec
// §4.5).
func (s *Store) FindingsForBatch(ctx context.Context, batchID string) ([]model.AIResearchFinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, stage, produced_at, confidence, summary, raw_response
		FROM findings WHERE batch_id = ? ORDER BY stage ASC`, batchID)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindInfrastructure, "query findings", err)
	}
	defer rows.Close()
	var out []model.AIResearchFinding
	for rows.Next() {
		var f model.AIResearchFinding
		var stage int
		var producedAt string
		if err := rows.Scan(&f.BatchID, &stage, &producedAt, &f.Confidence, &f.Summary, &f.RawModelResponse); err != nil {
			return nil, aerr.Wrap(aerr.KindInfrastructure, "scan finding", err)
		}
		f.Stage = model.Stage(stage)
		f.ProducedAt = parseTime(producedAt)
		out = append(out, f)
	}
	return out, nil
}

// FindingDetails fetches the raw details_json blob for one finding, kept
// separate from FindingsForBatch's columns so callers that don't need the
// full structured map avoid decoding it.
func (s *Store) FindingDetails(ctx context.Context, batchID string, stage model.Stage) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT details_json FROM findings WHERE batch_id = ? AND stage = ?`, batchID, int(stage)).Scan(&b)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindInfrastructure, "fetch finding details", err)
	}
	return b, nil
}

// SaveErrorBatch persists the parsed ErrorBatch so stage workers can reload
// it by batchId without re-parsing or threading it through every bus
// envelope (spec §4.5 "Load the ErrorBatch ... from the state store").
func (s *Store) SaveErrorBatch(ctx context.Context, batch model.ErrorBatch) error {
	errorsJSON, err := json.Marshal(batch.Errors)
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "encoding error batch", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO error_batches (batch_id, source_file, record_key, detected_at, checksum, errors_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO NOTHING`,
		batch.BatchID, batch.SourceFile, batch.RecordKey, formatTime(batch.DetectedAt), batch.Checksum, errorsJSON)
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "insert error_batches", err)
	}
	return nil
}

// GetErrorBatch reloads a previously saved ErrorBatch by batchId.
func (s *Store) GetErrorBatch(ctx context.Context, batchID string) (model.ErrorBatch, error) {
	var sourceFile, recordKey, detectedAt, checksum string
	var errorsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT source_file, record_key, detected_at, checksum, errors_json FROM error_batches WHERE batch_id = ?`, batchID).
		Scan(&sourceFile, &recordKey, &detectedAt, &checksum, &errorsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.ErrorBatch{}, aerr.New(aerr.KindInfrastructure, "error batch not found: "+batchID)
		}
		return model.ErrorBatch{}, aerr.Wrap(aerr.KindInfrastructure, "query error_batches", err)
	}
	var errs []model.CompilerError
	if err := json.Unmarshal(errorsJSON, &errs); err != nil {
		return model.ErrorBatch{}, aerr.Wrap(aerr.KindInfrastructure, "decoding error batch", err)
	}
	if recordKey == "" {
		recordKey = sourceFile
	}
	return model.ErrorBatch{
		BatchID:    batchID,
		SourceFile: sourceFile,
		RecordKey:  recordKey,
		DetectedAt: parseTime(detectedAt),
		Errors:     errs,
		Checksum:   checksum,
	}, nil
}

// ---- Outbox publisher access ----

// DueOutboxMessages returns unpublished messages whose next_attempt_at has
// elapsed, ordered by creation time to preserve per-partition order (spec
// §4.3, §5 "single-threaded per instance to preserve per-partition order").
func (s *Store) DueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]model.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, batch_id, topic, payload, created_at, attempts, next_attempt_at
		FROM outbox_messages
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, aerr.Wrap(aerr.KindInfrastructure, "query due outbox messages", err)
	}
	defer rows.Close()
	var out []model.OutboxMessage
	for rows.Next() {
		var m model.OutboxMessage
		var createdAt, nextAttemptAt string
		if err := rows.Scan(&m.MessageID, &m.BatchID, &m.Topic, &m.Payload, &createdAt, &m.Attempts, &nextAttemptAt); err != nil {
			return nil, aerr.Wrap(aerr.KindInfrastructure, "scan outbox message", err)
		}
		m.CreatedAt = parseTime(createdAt)
		m.NextAttemptAt = parseTime(nextAttemptAt)
		out = append(out, m)
	}
	return out, nil
}

// MarkPublished sets published_at, completing the outbox-consistency
// invariant (spec §8 property 3).
func (s *Store) MarkPublished(ctx context.Context, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox_messages SET published_at = ? WHERE message_id = ?`, formatTime(at), messageID)
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "mark outbox message published", err)
	}
	return nil
}

// ScheduleRetry bumps attempts and next_attempt_at after a failed publish
// (spec §4.3: "100ms * 2^n up to 60s").
func (s *Store) ScheduleRetry(ctx context.Context, messageID string, attempts int, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox_messages SET attempts = ?, next_attempt_at = ? WHERE message_id = ?`, attempts, formatTime(nextAttemptAt), messageID)
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "schedule outbox retry", err)
	}
	return nil
}

// DeadLetterOutboxMessage removes a message from the active publish queue
// after exhausting maxPublishAttempts (spec §4.3). The message row is kept
// (published_at remains NULL, attempts frozen, next_attempt_at moved to
// 9999-12-31) as a record of the failure. It publishes nothing to the
// dead.letter topic and does not change the owning file record's state.
func (s *Store) DeadLetterOutboxMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox_messages SET next_attempt_at = '9999-12-31T23:59:59Z' WHERE message_id = ?`, messageID)
	if err != nil {
		return aerr.Wrap(aerr.KindInfrastructure, "dead-letter outbox message", err)
	}
	return nil
}

// ListDeadLettered returns every record currently in the DeadLettered state,
// for the manual-replay-only DLQ operation in SPEC_FULL.md §12.2.
func (s *Store) ListDeadLettered(ctx context.Context) ([]model.FileProcessingRecord, error) {
	return s.RecordsByState(ctx, model.FileStateDeadLetter)
}

// Requeue moves a dead-lettered record back to Detected so the watcher's
// next poll re-claims it, used only by the explicit `airesctl dlq replay`
// admin path (never automatically — SPEC_FULL.md §12.2).
func (s *Store) Requeue(ctx context.Context, fileName string) error {
	return s.TransitionState(ctx, fileName, model.FileStateDetected, func(r *model.FileProcessingRecord) {
		r.Attempts = 0
		r.LastError = ""
	}, nil)
}

