// Package adapter renders a partner adapter's URL template into a concrete
// outbound request URL.
package adapter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/issj6/ad-router/internal/dsl"
)

// ConfigError reports a defect in partner configuration: a template
// placeholder with no macro behind it, or a macro whose expression cannot
// render. These fail the request but never the process.
type ConfigError struct {
	Detail string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("adapter config: %s: %v", e.Detail, e.Cause)
	}
	return "adapter config: " + e.Detail
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Spec describes one outbound adapter for one event kind. Authored per
// upstream; read-only at runtime. A click spec may serve impressions too.
type Spec struct {
	Method    string            `yaml:"method"`
	URL       string            `yaml:"url"`
	Macros    map[string]string `yaml:"macros"`
	TimeoutMs int               `yaml:"timeout_ms"`
	Retry     *Retry            `yaml:"retry"`
}

// Retry bounds the dispatcher for requests rendered from this spec.
type Retry struct {
	Max       int `yaml:"max"`
	BackoffMs int `yaml:"backoff_ms"`
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render evaluates every macro independently against ctx and substitutes the
// results into the URL template. Macros never see each other's output, only
// the raw context. A placeholder left without a macro is a ConfigError; dirty
// URLs are never sent upstream.
func Render(spec *Spec, ctx *dsl.Context) (string, error) {
	values := make(map[string]string, len(spec.Macros))
	for name, expr := range spec.Macros {
		v, err := dsl.Evaluate(expr, ctx)
		if err != nil {
			return "", &ConfigError{Detail: fmt.Sprintf("macro %q", name), Cause: err}
		}
		values[name] = v
	}

	var missing string
	rendered := placeholderRe.ReplaceAllStringFunc(spec.URL, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := values[name]
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", &ConfigError{Detail: fmt.Sprintf("template placeholder {{%s}} has no macro", missing)}
	}
	return rendered, nil
}

// NormalizeMethod returns the configured HTTP method, defaulting to GET.
func (s *Spec) NormalizeMethod() string {
	if m := strings.ToUpper(strings.TrimSpace(s.Method)); m != "" {
		return m
	}
	return "GET"
}
