package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/aires-project/aires/internal/model"
)

// goBuildLine matches `go build`/`go vet` output:
//
//	./main.go:10:2: undefined: fmt.Prinntln
//	vendor/pkg/foo.go:5:1: syntax error: unexpected newline
//
// Go toolchain output has no explicit severity/code tokens, so every
// recognized line is treated as severity=error with code=GOBUILD.
var goBuildLine = regexp.MustCompile(`^(?P<file>\.{0,2}/?[\w./-]+\.go):(?P<line>\d+):(?P<col>\d+)?:?\s*(?P<message>.+)$`)

// GoBuildParser recognizes the Go toolchain's compact diagnostic format.
type GoBuildParser struct{}

func NewGoBuildParser() *GoBuildParser { return &GoBuildParser{} }

func (p *GoBuildParser) Name() string { return "go-build" }

func (p *GoBuildParser) CanParse(content string) bool {
	for _, line := range firstLines(content, 200) {
		if goBuildLine.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

func (p *GoBuildParser) Parse(content string) []model.CompilerError {
	var out []model.CompilerError
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		m := goBuildLine.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		names := goBuildLine.SubexpNames()
		fields := map[string]string{}
		for i, name := range names {
			if name != "" && i < len(m) {
				fields[name] = m[i]
			}
		}
		lineNo, _ := strconv.Atoi(fields["line"])
		col, _ := strconv.Atoi(fields["col"])
		code := "GOBUILD"
		if strings.Contains(fields["message"], "vet:") {
			code = "GOVET"
		}
		out = append(out, model.CompilerError{
			Code:     code,
			Message:  strings.TrimSpace(fields["message"]),
			Severity: model.SeverityError,
			Location: model.Location{
				FilePath: fields["file"],
				Line:     lineNo,
				Column:   col,
			},
			RawLine: line,
		})
	}
	return out
}
