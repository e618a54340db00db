package logging

import "time"

// Span logs method entry/exit around a unit of work, generalizing the
// inherited method-entry/exit logging the teacher's base classes would have
// provided in the original OO design (spec §9: "Method-entry/exit logging
// becomes a small wrapper helper ... rather than inherited behavior").
//
// Usage:
//
//	done := logging.Span(logger, "claimFile", "file", name)
//	defer func() { done(&err) }()
func Span(l *Logger, method string, kv ...any) func(errp *error) {
	start := time.Now()
	l.Debug("enter "+method, kv...)
	return func(errp *error) {
		elapsed := time.Since(start)
		fields := append(append([]any{}, kv...), "elapsed_ms", elapsed.Milliseconds())
		if errp != nil && *errp != nil {
			fields = append(fields, "err", (*errp).Error())
			l.Warn("exit "+method, fields...)
			return
		}
		l.Debug("exit "+method, fields...)
	}
}
