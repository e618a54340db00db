// Package parser turns raw build-tool output into a model.ErrorBatch
// (spec §4.2). Recognizers are pluggable: ErrorParser implementations are
// queried in order and the first whose CanParse(content) returns true wins,
// mirroring the teacher's pluggable-adapter pattern used for LLM providers
// (internal/llm/client.go's provider registry) applied to build-output
// dialects instead of model vendors.
package parser

import (
	"fmt"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/aires-project/aires/internal/checksum"
	"github.com/aires-project/aires/internal/idgen"
	"github.com/aires-project/aires/internal/model"
)

// ErrorParser recognizes one build-tool's diagnostic line format.
type ErrorParser interface {
	// Name identifies the recognizer for logging/diagnostics.
	Name() string
	// CanParse reports whether this recognizer's grammar matches content.
	// Implementations should sniff a bounded prefix rather than scanning the
	// whole file twice.
	CanParse(content string) bool
	// Parse extracts diagnostics from content. Lines that do not match the
	// recognizer's grammar are simply skipped (and counted by the caller),
	// not an error from Parse itself.
	Parse(content string) []model.CompilerError
}

// Registry holds the ordered list of recognizers consulted by Batch.
type Registry struct {
	parsers []ErrorParser
}

// NewRegistry builds a registry with the given recognizers, consulted in
// the order given (spec §4.2: "queried in order; first whose canParse
// returns true is used").
func NewRegistry(parsers ...ErrorParser) *Registry {
	return &Registry{parsers: parsers}
}

// DefaultRegistry wires the two recognizers AIRES ships with: the
// file:line:col: severity code: message family (MSVC/csc/gcc/clang-style)
// and Go's `go build`/`go vet` file:line:col: message family.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewCompilerStyleParser(),
		NewGoBuildParser(),
	)
}

// select_ returns the first recognizer willing to parse content, or nil.
func (r *Registry) select_(content string) ErrorParser {
	for _, p := range r.parsers {
		if p.CanParse(content) {
			return p
		}
	}
	return nil
}

// Batch parses raw into an ErrorBatch for the given source file path. It
// returns an InputError-kind *aerr.E with Kind UNPARSABLE semantics when no
// recognizer matches or zero lines match (spec §4.2, §8 "Zero-error input
// file -> Failed(UNPARSABLE)").
func (r *Registry) Batch(sourceFile string, raw []byte, detectedAt time.Time, maxErrorsPerBatch int) (model.ErrorBatch, error) {
	content := string(raw)
	p := r.select_(content)
	if p == nil {
		return model.ErrorBatch{}, aerr.New(aerr.KindInput, fmt.Sprintf("UNPARSABLE: no recognizer matched %s", sourceFile))
	}
	errs := p.Parse(content)
	if len(errs) == 0 {
		return model.ErrorBatch{}, aerr.New(aerr.KindInput, fmt.Sprintf("UNPARSABLE: recognizer %s matched zero diagnostic lines in %s", p.Name(), sourceFile))
	}
	truncated := false
	if maxErrorsPerBatch > 0 && len(errs) > maxErrorsPerBatch {
		errs = errs[:maxErrorsPerBatch]
		truncated = true
	}
	sum := checksum.OfBytes(raw)
	batch, err := model.NewErrorBatch(idgen.New(), sourceFile, detectedAt, errs, sum)
	if err != nil {
		return model.ErrorBatch{}, aerr.Wrap(aerr.KindInput, "constructing batch", err)
	}
	if !batch.HasAtLeastOneError() {
		return model.ErrorBatch{}, aerr.New(aerr.KindInput, fmt.Sprintf("UNPARSABLE: %s contains no error-severity diagnostics, only warnings/info", sourceFile))
	}
	_ = truncated // truncation is logged by the caller (the parser worker, via Truncated), which has a logger
	return batch, nil
}

// Truncated reports whether raw's diagnostic count exceeds maxErrorsPerBatch,
// for callers that want to log the spec §8 truncation warning separately
// from the batch construction error path.
func (r *Registry) Truncated(raw []byte, maxErrorsPerBatch int) (int, bool) {
	content := string(raw)
	p := r.select_(content)
	if p == nil {
		return 0, false
	}
	n := len(p.Parse(content))
	return n, maxErrorsPerBatch > 0 && n > maxErrorsPerBatch
}
