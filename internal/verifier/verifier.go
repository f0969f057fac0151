// Package verifier implements the static analysis gate that code must pass
// before it reaches an execution worker. It separates control directives and
// shell escapes from plain code, parses the remainder and checks imports,
// calls and assignment targets against an allow/block policy.
package verifier

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// ErrPolicyConflict is returned when both the allow and block list of the same
// policy pair are set.
var ErrPolicyConflict = errors.New("verifier: allowed and blocked lists are mutually exclusive")

// Policy holds the six optional allow/block lists. For each pair at most one
// side may be set; a nil list means "no constraint", an empty non-nil allow
// list means "nothing is permitted".
type Policy struct {
	AllowedModules []string `yaml:"allowed_modules"`
	BlockedModules []string `yaml:"blocked_modules"`

	AllowedFunctions []string `yaml:"allowed_functions"`
	BlockedFunctions []string `yaml:"blocked_functions"`

	AllowedVariables []string `yaml:"allowed_variables"`
	BlockedVariables []string `yaml:"blocked_variables"`
}

// Validate rejects policies that set both sides of a pair.
func (p Policy) Validate() error {
	pairs := []struct {
		name             string
		allowed, blocked []string
	}{
		{"modules", p.AllowedModules, p.BlockedModules},
		{"functions", p.AllowedFunctions, p.BlockedFunctions},
		{"variables", p.AllowedVariables, p.BlockedVariables},
	}
	for _, pair := range pairs {
		if pair.allowed != nil && pair.blocked != nil {
			return fmt.Errorf("%w: %s", ErrPolicyConflict, pair.name)
		}
	}
	return nil
}

type rule struct {
	allowed map[string]struct{}
	blocked map[string]struct{}
}

func newRule(allowed, blocked []string) rule {
	r := rule{}
	if allowed != nil {
		r.allowed = make(map[string]struct{}, len(allowed))
		for _, name := range allowed {
			r.allowed[name] = struct{}{}
		}
	}
	if blocked != nil {
		r.blocked = make(map[string]struct{}, len(blocked))
		for _, name := range blocked {
			r.blocked[name] = struct{}{}
		}
	}
	return r
}

func (r rule) active() bool { return r.allowed != nil || r.blocked != nil }

func (r rule) permits(name string) bool {
	if r.allowed != nil {
		_, ok := r.allowed[name]
		return ok
	}
	if r.blocked != nil {
		_, ok := r.blocked[name]
		return !ok
	}
	return true
}

// Diagnostic is one policy or syntax violation. Line is 1-based within the
// plain-code portion of the submitted snippet; Source is the trimmed text of
// the offending line.
type Diagnostic struct {
	Line    int    `json:"line"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Line <= 0 {
		return d.Message
	}
	return fmt.Sprintf("Error on line %d: %s => %s", d.Line, d.Source, d.Message)
}

// FormatDiagnostics renders diagnostics one per line.
func FormatDiagnostics(diags []Diagnostic) string {
	lines := make([]string, len(diags))
	for i, d := range diags {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// SeparatedCode is the result of splitting a snippet by line prefix.
type SeparatedCode struct {
	// Directives are control-channel lines ("%" / "%%" prefixed). They are
	// reserved for the engine and must never appear in user code.
	Directives []string
	// CodeLines is the plain code with directive and shell lines removed;
	// diagnostics number lines within this slice.
	CodeLines []string
	// ShellLines are "!"-prefixed shell escapes.
	ShellLines []string
}

// Code joins the plain-code lines back into one source string.
func (s SeparatedCode) Code() string { return strings.Join(s.CodeLines, "\n") }

// SeparateCodeLines splits a snippet into control directives, plain code and
// shell escapes by line prefix. Blank lines and comment-only lines are
// dropped; a "%%" cell directive consumes lines until the next blank line.
func SeparateCodeLines(code string) SeparatedCode {
	var out SeparatedCode

	insideCell := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			if insideCell && trimmed == "" {
				insideCell = false
			}
			continue
		}

		switch {
		case insideCell:
			out.Directives = append(out.Directives, line)
		case strings.HasPrefix(trimmed, "%%"):
			out.Directives = append(out.Directives, line)
			insideCell = true
		case strings.HasPrefix(trimmed, "%"):
			out.Directives = append(out.Directives, line)
		case strings.HasPrefix(trimmed, "!"):
			out.ShellLines = append(out.ShellLines, line)
		default:
			out.CodeLines = append(out.CodeLines, line)
		}
	}

	return out
}

// importRef is one import found in the plain code, with its 1-based line.
type importRef struct {
	line   int
	module string
}

// extractImports scans the plain-code lines for import statements and blocks,
// returning each imported path's top-level element and blanking the consumed
// lines so the remainder can be parsed as a function body.
func extractImports(lines []string) ([]importRef, []string) {
	var refs []importRef
	body := append([]string(nil), lines...)

	inBlock := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inBlock {
			body[i] = ""
			if strings.HasPrefix(trimmed, ")") {
				inBlock = false
				continue
			}
			if path := importPath(trimmed); path != "" {
				refs = append(refs, importRef{line: i + 1, module: topLevelModule(path)})
			}
			continue
		}

		if trimmed == "import (" || strings.HasPrefix(trimmed, "import (") {
			body[i] = ""
			inBlock = true
			continue
		}
		if strings.HasPrefix(trimmed, "import ") {
			body[i] = ""
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "import"))
			if path := importPath(rest); path != "" {
				refs = append(refs, importRef{line: i + 1, module: topLevelModule(path)})
			}
		}
	}

	return refs, body
}

// importPath pulls the quoted path out of an import line, tolerating aliases.
func importPath(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}

func topLevelModule(path string) string {
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// Verify runs the static analysis gate and returns the accumulated
// diagnostics; an empty slice means the code passed. The only error condition
// is a contradictory policy.
func Verify(code string, policy Policy) ([]Diagnostic, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	var diags []Diagnostic

	sep := SeparateCodeLines(code)
	if len(sep.Directives) > 0 {
		diags = append(diags, Diagnostic{
			Message: "Control directives are not allowed in generated code.",
		})
	}

	modules := newRule(policy.AllowedModules, policy.BlockedModules)
	functions := newRule(policy.AllowedFunctions, policy.BlockedFunctions)
	variables := newRule(policy.AllowedVariables, policy.BlockedVariables)

	imports, body := extractImports(sep.CodeLines)
	if modules.active() {
		for _, imp := range imports {
			if !modules.permits(imp.module) {
				diags = append(diags, Diagnostic{
					Line:    imp.line,
					Source:  strings.TrimSpace(sep.CodeLines[imp.line-1]),
					Message: fmt.Sprintf("Importing module '%s' is not allowed.", imp.module),
				})
			}
		}
	}

	file, offset, parseErr := parseSnippet(body)
	if parseErr != nil {
		diags = append(diags, Diagnostic{Message: fmt.Sprintf("Syntax error: %v", parseErr)})
		return diags, nil
	}

	if functions.active() || variables.active() {
		w := &policyWalker{
			fset:      file.fset,
			offset:    offset,
			lines:     sep.CodeLines,
			functions: functions,
			variables: variables,
		}
		ast.Inspect(file.ast, w.inspect)
		diags = append(diags, w.diags...)
	}

	return diags, nil
}

type parsedSnippet struct {
	fset *token.FileSet
	ast  *ast.File
}

// parseSnippet parses the import-stripped plain code. Snippets made of
// declarations parse as a file; statement snippets are wrapped in a function
// body. offset is the number of synthetic lines prepended, used to map parser
// positions back to plain-code line numbers.
func parseSnippet(lines []string) (parsedSnippet, int, error) {
	src := strings.Join(lines, "\n")
	fset := token.NewFileSet()

	asFile := "package main\n" + src
	if f, err := parser.ParseFile(fset, "snippet.go", asFile, 0); err == nil {
		return parsedSnippet{fset: fset, ast: f}, 1, nil
	}

	fset = token.NewFileSet()
	wrapped := "package main\nfunc main() {\n" + src + "\n}"
	f, err := parser.ParseFile(fset, "snippet.go", wrapped, 0)
	if err != nil {
		return parsedSnippet{}, 0, err
	}
	return parsedSnippet{fset: fset, ast: f}, 2, nil
}

type policyWalker struct {
	fset   *token.FileSet
	offset int
	lines  []string

	functions rule
	variables rule

	diags []Diagnostic
}

func (w *policyWalker) sourceLine(pos token.Pos) (int, string) {
	line := w.fset.Position(pos).Line - w.offset
	if line < 1 || line > len(w.lines) {
		return 0, ""
	}
	return line, strings.TrimSpace(w.lines[line-1])
}

func (w *policyWalker) report(pos token.Pos, format string, args ...any) {
	line, src := w.sourceLine(pos)
	w.diags = append(w.diags, Diagnostic{
		Line:    line,
		Source:  src,
		Message: fmt.Sprintf(format, args...),
	})
}

func (w *policyWalker) inspect(n ast.Node) bool {
	switch node := n.(type) {
	case *ast.CallExpr:
		if !w.functions.active() {
			return true
		}
		name := calleeName(node)
		if name != "" && !w.functions.permits(name) {
			w.report(node.Pos(), "Function '%s' is not allowed.", name)
		}
	case *ast.AssignStmt:
		w.checkTargets(node.Lhs)
	case *ast.ValueSpec:
		if !w.variables.active() {
			return true
		}
		for _, ident := range node.Names {
			w.checkIdent(ident)
		}
	}
	return true
}

func (w *policyWalker) checkTargets(targets []ast.Expr) {
	if !w.variables.active() {
		return
	}
	for _, target := range targets {
		switch expr := target.(type) {
		case *ast.Ident:
			w.checkIdent(expr)
		default:
			ast.Inspect(target, func(n ast.Node) bool {
				if ident, ok := n.(*ast.Ident); ok {
					w.checkIdent(ident)
				}
				return true
			})
		}
	}
}

func (w *policyWalker) checkIdent(ident *ast.Ident) {
	if ident.Name == "_" {
		return
	}
	if !w.variables.permits(ident.Name) {
		w.report(ident.Pos(), "Assigning to variable '%s' is not allowed.", ident.Name)
	}
}

// calleeName resolves a call's target to its plain or trailing attribute
// name: f(...) -> "f", pkg.Fn(...) -> "Fn", a.b.Method(...) -> "Method".
func calleeName(call *ast.CallExpr) string {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		return fn.Name
	case *ast.SelectorExpr:
		return fn.Sel.Name
	default:
		return ""
	}
}
