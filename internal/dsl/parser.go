package dsl

import (
	"strings"
	"sync"
)

// Expr is a parsed expression. Parsing happens once per distinct expression
// string per process; configs are static between reloads so the cache never
// needs invalidation.
type Expr interface {
	eval(ctx *Context) (string, error)
}

var parseCache sync.Map // string -> Expr

// Parse parses an expression string into its AST, consulting the cache first.
func Parse(expr string) (Expr, error) {
	if cached, ok := parseCache.Load(expr); ok {
		return cached.(Expr), nil
	}
	parsed, err := parse(expr)
	if err != nil {
		return nil, err
	}
	parseCache.Store(expr, parsed)
	return parsed, nil
}

// Evaluate parses (or reuses) and evaluates an expression against ctx.
func Evaluate(expr string, ctx *Context) (string, error) {
	parsed, err := Parse(expr)
	if err != nil {
		return "", err
	}
	return parsed.eval(ctx)
}

func parse(raw string) (Expr, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return constExpr(""), nil
	}

	if rest, ok := strings.CutPrefix(s, "const:"); ok {
		return constExpr(rest), nil
	}

	if stages := splitTop(s, '|'); len(stages) > 1 {
		return parsePipeline(raw, stages)
	}

	if name, args, ok := splitCall(s); ok {
		return parseCall(raw, name, args)
	}

	if strings.Contains(s, ".") {
		return pathExpr(s), nil
	}

	// Bare token: evaluates to itself, mirroring const-less literals in
	// hand-written partner configs.
	return constExpr(s), nil
}

func parsePipeline(raw string, stages []string) (Expr, error) {
	head, err := parse(stages[0])
	if err != nil {
		return nil, err
	}
	p := &pipeExpr{head: head}
	for _, st := range stages[1:] {
		name, args, ok := splitCall(strings.TrimSpace(st))
		if !ok {
			return nil, evalErrorf(raw, "pipeline stage %q is not a function call", st)
		}
		parsed, err := parseArgs(raw, args)
		if err != nil {
			return nil, err
		}
		if !isStageFn(name) {
			return nil, evalErrorf(raw, "unknown function %q", name)
		}
		p.stages = append(p.stages, stageCall{name: name, args: parsed})
	}
	return p, nil
}

func parseCall(raw, name string, args string) (Expr, error) {
	parsed, err := parseArgs(raw, args)
	if err != nil {
		return nil, err
	}
	if !isCallFn(name) && !isStageFn(name) {
		return nil, evalErrorf(raw, "unknown function %q", name)
	}
	return &callExpr{raw: raw, name: name, args: parsed}, nil
}

func parseArgs(raw, args string) ([]Expr, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return nil, nil
	}
	var out []Expr
	for _, part := range splitTop(args, ',') {
		part = strings.TrimSpace(part)
		switch {
		case len(part) >= 2 && (part[0] == '\'' || part[0] == '"') && part[len(part)-1] == part[0]:
			out = append(out, constExpr(part[1:len(part)-1]))
		case strings.HasPrefix(part, "[") && strings.HasSuffix(part, "]"):
			items, err := parseArgs(raw, part[1:len(part)-1])
			if err != nil {
				return nil, err
			}
			out = append(out, &listExpr{items: items})
		default:
			item, err := parse(part)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
	}
	return out, nil
}

// splitCall recognizes "name(args)" with a well-formed identifier head.
func splitCall(s string) (name, args string, ok bool) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", "", false
	}
	name = s[:open]
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", "", false
		}
	}
	return name, s[open+1 : len(s)-1], true
}

// splitTop splits on sep occurrences that are outside quotes, parentheses
// and brackets.
func splitTop(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
