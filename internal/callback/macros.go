// Package callback turns an upstream's conversion callback back into the
// downstream's original URL: field-map extraction, macro substitution into
// the stored template, and optional signature verification.
package callback

import (
	"regexp"
	"strings"
)

// Values are the canonical fields extracted from an upstream callback,
// ready to substitute into a downstream template.
type Values struct {
	Event   string
	ClickID string
	Amount  string
	Days    string
}

// tokenRe matches every __TOKEN__ occurrence in one pass, so overlapping
// aliases behave deterministically instead of depending on replacement order.
var tokenRe = regexp.MustCompile(`__([A-Za-z0-9_]+)__`)

// aliases maps the closed token set (upper-cased) onto canonical fields.
var aliases = map[string]string{
	"EVENT":      "event",
	"EVENT_TYPE": "event",
	"EVENTTYPE":  "event",
	"EVT":        "event",
	"TYPE":       "event",

	"CLICK_ID": "click_id",
	"CLICKID":  "click_id",
	"CLID":     "click_id",
	"CLKID":    "click_id",

	"AMOUNT": "amount",
	"PRICE":  "amount",
	"VALUE":  "amount",

	"DAYS":        "days",
	"RETENTION":   "days",
	"RETAIN_DAYS": "days",
}

// SubstituteMacros replaces every __TOKEN__ in the stored downstream template
// case-insensitively. A token without a mapped value becomes an empty string,
// never the raw token, so the downstream never receives a dirty URL.
func SubstituteMacros(template string, vals Values) string {
	return tokenRe.ReplaceAllStringFunc(template, func(m string) string {
		token := strings.ToUpper(m[2 : len(m)-2])
		switch aliases[token] {
		case "event":
			return vals.Event
		case "click_id":
			return vals.ClickID
		case "amount":
			return vals.Amount
		case "days":
			return vals.Days
		default:
			return ""
		}
	})
}
