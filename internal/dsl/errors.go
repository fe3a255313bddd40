package dsl

import (
	"errors"
	"fmt"
)

// ErrSecretNotFound is returned when secret_ref names a secret that is not
// configured for the partner.
var ErrSecretNotFound = errors.New("secret not found")

// EvalError reports a malformed expression or a call to an unknown function.
// It aborts the render that triggered it; the process keeps running.
type EvalError struct {
	Expr   string
	Reason string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("eval %q: %s", e.Expr, e.Reason)
}

func evalErrorf(expr, format string, args ...interface{}) error {
	return &EvalError{Expr: expr, Reason: fmt.Sprintf(format, args...)}
}
