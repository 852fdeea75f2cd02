package langiface

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// ReferencePipeline is a reference Parser+Compiler good enough to exercise
// the module system's plumbing without implementing the som language. It
// recognizes the ECMAScript-module import grammar by regular expression —
// the same technique ea3776af_salmanmkc-gh-aw's bundler.go uses to find
// require() calls rather than building a full parser — and leans on
// dop251/goja's real Compile entry point purely as a syntax oracle: if the
// source doesn't at least parse as JavaScript, compilation fails with a
// located diagnostic. It never executes anything (goja.Compile only
// produces a *goja.Program; running it is out of scope per §1).
type ReferencePipeline struct{}

func NewReferencePipeline() *ReferencePipeline { return &ReferencePipeline{} }

var importRe = regexp.MustCompile(`(?m)^\s*import\s+(?:(.+?)\s+from\s+)?['"]([^'"]+)['"]\s*;?\s*$`)
var namedClauseRe = regexp.MustCompile(`^\{([^}]*)\}$`)
var namespaceClauseRe = regexp.MustCompile(`^\*\s+as\s+([A-Za-z_$][\w$]*)$`)
var defaultAndRestRe = regexp.MustCompile(`^([A-Za-z_$][\w$]*)\s*,\s*(.+)$`)

// Parse extracts ImportDeclaration nodes by scanning line-anchored `import`
// statements. It does not build a full AST, matching the spec's narrow
// interface: only source.value and specifiers[] are needed downstream.
func (p *ReferencePipeline) Parse(source string) (ParseResult, error) {
	var result ParseResult
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		m := importRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		clause, path := strings.TrimSpace(m[1]), m[2]
		decl := ImportDeclarationNode{SourceValue: path, Line: i + 1}
		if clause != "" {
			decl.Specifiers = parseClause(clause)
		}
		result.Dependencies = append(result.Dependencies, decl)
	}
	return result, nil
}

func parseClause(clause string) []ImportSpecifierNode {
	if ns := namespaceClauseRe.FindStringSubmatch(clause); ns != nil {
		return []ImportSpecifierNode{{Type: ImportNamespaceSpecifier, LocalName: ns[1]}}
	}
	if rest := defaultAndRestRe.FindStringSubmatch(clause); rest != nil {
		specs := []ImportSpecifierNode{{Type: ImportDefaultSpecifier, LocalName: rest[1]}}
		return append(specs, parseClause(rest[2])...)
	}
	if named := namedClauseRe.FindStringSubmatch(clause); named != nil {
		return parseNamedSpecifiers(named[1])
	}
	// bare identifier: default import with no braces
	name := strings.TrimSpace(clause)
	if name == "" {
		return nil
	}
	return []ImportSpecifierNode{{Type: ImportDefaultSpecifier, LocalName: name}}
}

func parseNamedSpecifiers(body string) []ImportSpecifierNode {
	var specs []ImportSpecifierNode
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		imported, local := part, part
		if idx := strings.Index(part, " as "); idx >= 0 {
			imported = strings.TrimSpace(part[:idx])
			local = strings.TrimSpace(part[idx+4:])
		}
		specs = append(specs, ImportSpecifierNode{
			Type:         ImportSpecifier,
			ImportedName: imported,
			LocalName:    local,
		})
	}
	return specs
}

// Compile validates the source parses as JavaScript via goja.Compile (a
// syntax oracle only — the resulting *goja.Program is discarded, never
// run), then returns the source unchanged as "code". Real codegen for the
// som language is injected by the surrounding toolchain; this reference
// implementation exists so the Compiler driver and Bundler can be exercised
// without it.
func (p *ReferencePipeline) Compile(source string, opts CompileOptions) (CompileResult, error) {
	if _, err := goja.Compile("module", source, opts.Strict); err != nil {
		line, col, msg := parseGojaSyntaxError(err)
		return CompileResult{Errors: []string{formatLocatedError(msg, line, col)}}, nil
	}
	code := source
	if opts.Minify {
		code = minifyWhitespace(code)
	}
	return CompileResult{Code: code}, nil
}

func formatLocatedError(msg string, line, col int) string {
	if line > 0 {
		if col > 0 {
			return fmt.Sprintf("%s (line %d, column %d)", msg, line, col)
		}
		return fmt.Sprintf("%s (line %d)", msg, line)
	}
	return msg
}

// parseGojaSyntaxError extracts a line/column from goja's "SyntaxError: ...
// at <n>:<m>" style message where present; it degrades gracefully to
// line==0 when the message doesn't carry a location.
func parseGojaSyntaxError(err error) (line, col int, message string) {
	message = err.Error()
	idx := strings.LastIndex(message, " at ")
	if idx < 0 {
		return 0, 0, message
	}
	loc := message[idx+4:]
	parts := strings.SplitN(loc, ":", 2)
	if len(parts) != 2 {
		return 0, 0, message
	}
	l, errL := strconv.Atoi(strings.TrimSpace(parts[0]))
	c, errC := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errL != nil {
		return 0, 0, message
	}
	if errC != nil {
		c = 0
	}
	return l, c, message[:idx]
}

func minifyWhitespace(code string) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

var _ Pipeline = (*ReferencePipeline)(nil)
