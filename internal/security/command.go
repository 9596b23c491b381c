package security

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// subshellMarkers open command or process substitution, or parameter
// expansion, anywhere in the raw line.
var subshellMarkers = []string{"`", "$(", "${", "<(", ">("}

// envPrefix matches a leading NAME=value assignment.
var envPrefix = regexp.MustCompile(`^\s*[A-Za-z_][A-Za-z0-9_]*=`)

// CommandPolicy admits a command line only if every segment runs an
// allowlisted binary with no substitution, redirection or environment
// override. The shell parser is used to split the line respecting quotes;
// nothing is ever expanded or executed here.
type CommandPolicy struct {
	allowed map[string]struct{}
}

// NewCommandPolicy builds a policy from allowed command names. Entries
// containing a path separator or whitespace are ignored.
func NewCommandPolicy(allowed []string) *CommandPolicy {
	m := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" || strings.ContainsAny(a, "/\\ \t") {
			continue
		}
		m[a] = struct{}{}
	}
	return &CommandPolicy{allowed: m}
}

// Allowed reports whether name is on the allowlist.
func (c *CommandPolicy) Allowed(name string) bool {
	_, ok := c.allowed[name]
	return ok
}

// Validate decides whether line may be executed.
func (c *CommandPolicy) Validate(line string) Decision {
	if strings.TrimSpace(line) == "" {
		return Deny(CategoryCommand, "empty command")
	}
	if strings.ContainsRune(line, 0) {
		return Deny(CategoryCommand, "command contains null byte")
	}
	for _, m := range subshellMarkers {
		if strings.Contains(line, m) {
			return Deny(CategoryCommand, "command contains substitution %q", m)
		}
	}
	if strings.Contains(line, ">") {
		return Deny(CategoryCommand, "output redirection is not permitted")
	}
	if envPrefix.MatchString(line) {
		return Deny(CategoryCommand, "environment assignment prefix is not permitted")
	}
	if len(c.allowed) == 0 {
		return Deny(CategoryCommand, "no commands are allowed")
	}

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(line), "")
	if err != nil {
		return Deny(CategoryCommand, "command could not be parsed")
	}
	if len(file.Stmts) == 0 {
		return Deny(CategoryCommand, "empty command")
	}
	for _, stmt := range file.Stmts {
		if d := c.checkStmt(stmt); !d.Allowed {
			return d
		}
	}
	return Allow(CategoryCommand)
}

func (c *CommandPolicy) checkStmt(stmt *syntax.Stmt) Decision {
	if stmt == nil || stmt.Cmd == nil {
		return Deny(CategoryCommand, "empty command segment")
	}
	if stmt.Background || stmt.Coprocess {
		return Deny(CategoryCommand, "background execution is not permitted")
	}
	if len(stmt.Redirs) > 0 {
		return Deny(CategoryCommand, "redirection is not permitted")
	}

	switch cmd := stmt.Cmd.(type) {
	case *syntax.BinaryCmd:
		switch cmd.Op {
		case syntax.AndStmt, syntax.OrStmt, syntax.Pipe, syntax.PipeAll:
		default:
			return Deny(CategoryCommand, "unsupported operator %s", cmd.Op)
		}
		if d := c.checkStmt(cmd.X); !d.Allowed {
			return d
		}
		return c.checkStmt(cmd.Y)
	case *syntax.CallExpr:
		return c.checkCall(cmd)
	default:
		return Deny(CategoryCommand, "compound shell constructs are not permitted")
	}
}

func (c *CommandPolicy) checkCall(call *syntax.CallExpr) Decision {
	if len(call.Assigns) > 0 {
		return Deny(CategoryCommand, "environment assignment prefix is not permitted")
	}
	if len(call.Args) == 0 {
		return Deny(CategoryCommand, "empty command segment")
	}
	name, ok := literalWord(call.Args[0])
	if !ok || name == "" {
		return Deny(CategoryCommand, "command name must be a literal")
	}
	if strings.ContainsAny(name, "/\\") {
		return Deny(CategoryCommand, "path-qualified command %q is not permitted", name)
	}
	if !c.Allowed(name) {
		return Deny(CategoryCommand, "command %q is not in the allowed list", name)
	}
	return Allow(CategoryCommand)
}

// literalWord returns the text of w if it contains no expansions.
func literalWord(w *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			if p.Dollar {
				return "", false
			}
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dp := range p.Parts {
				lit, ok := dp.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}
