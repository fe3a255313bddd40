package dsl

import "time"

// Context carries everything an expression may read: the canonical event data
// under dotted roots (udm, query, body, meta), the partner secrets, and the
// two request-coupled helpers (cb_url, clock).
//
// A Context is read-only during evaluation; the evaluator itself keeps no
// state between calls, so concurrent evaluations against distinct (or shared
// but unmutated) contexts are safe.
type Context struct {
	// Data holds the dotted-path roots. Values are strings, numbers or
	// nested map[string]interface{}.
	Data map[string]interface{}

	// Secrets resolves secret_ref('name').
	Secrets map[string]string

	// CallbackURL backs the cb_url() builtin. Nil means cb_url() yields "".
	CallbackURL func() string

	// Now backs now_ms(). Nil means time.Now.
	Now func() time.Time
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Context) callbackURL() string {
	if c.CallbackURL != nil {
		return c.CallbackURL()
	}
	return ""
}

// lookupPath resolves a dotted path against Data. Missing segments resolve to
// "" so partial device data never aborts an otherwise valid render.
func (c *Context) lookupPath(path string) string {
	var cur interface{} = c.Data
	for _, part := range splitPath(path) {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	return stringify(cur)
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
