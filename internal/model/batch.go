package model

import (
	"fmt"
	"time"
)

// ErrorBatch is one input file's worth of recognized compiler diagnostics,
// immutable after construction (spec §3).
type ErrorBatch struct {
	BatchID    string
	SourceFile string
	// RecordKey is the file_processing_records primary key this batch's
	// lifecycle is tracked under. It equals SourceFile unless the file was
	// re-dropped with different content after a prior terminal record, in
	// which case it is the versioned key ("<SourceFile>.v2", ...) spec §4.1
	// step 5 assigns — SourceFile itself never changes, since it names the
	// actual file on disk the watcher/archiver read and move.
	RecordKey  string
	DetectedAt time.Time
	Errors     []CompilerError
	Checksum   string
}

// NewErrorBatch validates and constructs a batch. errors must be non-empty
// per the invariant in spec §3.
func NewErrorBatch(batchID, sourceFile string, detectedAt time.Time, errs []CompilerError, checksum string) (ErrorBatch, error) {
	if len(errs) == 0 {
		return ErrorBatch{}, fmt.Errorf("model: error batch must contain at least one CompilerError")
	}
	cp := make([]CompilerError, len(errs))
	copy(cp, errs)
	return ErrorBatch{
		BatchID:    batchID,
		SourceFile: sourceFile,
		RecordKey:  sourceFile,
		DetectedAt: detectedAt,
		Errors:     cp,
		Checksum:   checksum,
	}, nil
}

// PrimaryErrorCode is the first element's code, used in booklet file names.
func (b ErrorBatch) PrimaryErrorCode() string {
	if len(b.Errors) == 0 {
		return ""
	}
	return b.Errors[0].Code
}

// HasAtLeastOneError reports whether any diagnostic in the batch is of
// SeverityError. A batch with only warnings/info never enters the pipeline
// (spec §4.2 severity normalization rule).
func (b ErrorBatch) HasAtLeastOneError() bool {
	for _, e := range b.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}
