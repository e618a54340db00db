package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/aires-project/aires/internal/model"
)

// compilerStyleLine matches the dominant "file:line:col: severity CODE: message"
// family shared by MSVC cl.exe, the C# compiler (csc/Roslyn), gcc, and clang:
//
//	main.c:10:5: error: CS0246: 'Foo' could not be found
//	foo.cpp(12): error C2065: 'bar': undeclared identifier
var compilerStyleLine = regexp.MustCompile(
	`^(?P<file>[^:()\n]+)[:(](?P<line>\d+)(?:[:,](?P<col>\d+))?\)?:?\s*` +
		`(?P<severity>error|warning|info|note)\s*:?\s*` +
		`(?P<code>[A-Za-z]{1,4}\d{2,6})?:?\s*(?P<message>.*)$`,
)

// CompilerStyleParser recognizes the MSVC/csc/gcc/clang diagnostic family
// (spec §4.2's "dominant build-tool format").
type CompilerStyleParser struct{}

func NewCompilerStyleParser() *CompilerStyleParser { return &CompilerStyleParser{} }

func (p *CompilerStyleParser) Name() string { return "compiler-style" }

func (p *CompilerStyleParser) CanParse(content string) bool {
	for _, line := range firstLines(content, 200) {
		if compilerStyleLine.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

func (p *CompilerStyleParser) Parse(content string) []model.CompilerError {
	var out []model.CompilerError
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		m := compilerStyleLine.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		idx := compilerStyleLine.SubexpNames()
		fields := map[string]string{}
		for i, name := range idx {
			if name != "" && i < len(m) {
				fields[name] = m[i]
			}
		}
		lineNo, _ := strconv.Atoi(fields["line"])
		col, _ := strconv.Atoi(fields["col"])
		code := fields["code"]
		if code == "" {
			code = "UNKNOWN"
		}
		out = append(out, model.CompilerError{
			Code:     code,
			Message:  strings.TrimSpace(fields["message"]),
			Severity: model.ParseSeverity(strings.ToLower(fields["severity"])),
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

func firstLines(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return lines
}
