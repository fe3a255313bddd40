package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

type constExpr string

func (e constExpr) eval(*Context) (string, error) { return string(e), nil }

type pathExpr string

func (e pathExpr) eval(ctx *Context) (string, error) {
	return ctx.lookupPath(string(e)), nil
}

type listExpr struct {
	items []Expr
}

func (e *listExpr) eval(ctx *Context) (string, error) {
	// A bare list only appears as a function argument; joining without a
	// separator is the degenerate direct evaluation.
	vals, err := e.evalItems(ctx)
	if err != nil {
		return "", err
	}
	return strings.Join(vals, ""), nil
}

func (e *listExpr) evalItems(ctx *Context) ([]string, error) {
	vals := make([]string, 0, len(e.items))
	for _, item := range e.items {
		v, err := item.eval(ctx)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

type callExpr struct {
	raw  string
	name string
	args []Expr
}

func (e *callExpr) eval(ctx *Context) (string, error) {
	switch e.name {
	case "secret_ref":
		if len(e.args) != 1 {
			return "", evalErrorf(e.raw, "secret_ref wants 1 argument, got %d", len(e.args))
		}
		key, err := e.args[0].eval(ctx)
		if err != nil {
			return "", err
		}
		val, ok := ctx.Secrets[key]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrSecretNotFound, key)
		}
		return val, nil

	case "hmac_sha256":
		if len(e.args) != 2 {
			return "", evalErrorf(e.raw, "hmac_sha256 wants 2 arguments, got %d", len(e.args))
		}
		secret, err := e.args[0].eval(ctx)
		if err != nil {
			return "", err
		}
		msg, err := e.args[1].eval(ctx)
		if err != nil {
			return "", err
		}
		return hmacSHA256Hex(secret, msg), nil

	case "join":
		if len(e.args) != 2 {
			return "", evalErrorf(e.raw, "join wants 2 arguments, got %d", len(e.args))
		}
		sep, err := e.args[0].eval(ctx)
		if err != nil {
			return "", err
		}
		list, ok := e.args[1].(*listExpr)
		if !ok {
			return "", evalErrorf(e.raw, "join wants a [list] second argument")
		}
		vals, err := list.evalItems(ctx)
		if err != nil {
			return "", err
		}
		return strings.Join(vals, sep), nil

	case "now_ms":
		return strconv.FormatInt(ctx.now().UnixMilli(), 10), nil

	case "cb_url":
		return ctx.callbackURL(), nil

	case "coalesce":
		// Standalone coalesce yields its first non-empty argument.
		for _, arg := range e.args {
			v, err := arg.eval(ctx)
			if err != nil {
				return "", err
			}
			if v != "" {
				return v, nil
			}
		}
		return "", nil
	}

	// Stage functions used at call position apply to an empty input, which
	// keeps shared configs working when a pipeline head is omitted.
	if isStageFn(e.name) {
		return applyStage(e.raw, e.name, e.args, "", ctx)
	}
	return "", evalErrorf(e.raw, "unknown function %q", e.name)
}

func isCallFn(name string) bool {
	switch name {
	case "secret_ref", "hmac_sha256", "join", "now_ms", "cb_url", "coalesce":
		return true
	}
	return false
}

type stageCall struct {
	name string
	args []Expr
}

type pipeExpr struct {
	head   Expr
	stages []stageCall
}

func (e *pipeExpr) eval(ctx *Context) (string, error) {
	val, err := e.head.eval(ctx)
	if err != nil {
		return "", err
	}
	for _, st := range e.stages {
		val, err = applyStage("", st.name, st.args, val, ctx)
		if err != nil {
			return "", err
		}
	}
	return val, nil
}

// stringify renders a context value the way it should appear in a URL: plain
// strings pass through, JSON numbers drop the float artifacts, nil is empty.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
