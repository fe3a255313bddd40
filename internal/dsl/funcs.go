package dsl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
)

func isStageFn(name string) bool {
	switch name {
	case "to_upper", "to_lower", "url_encode", "normalize_encode", "trim",
		"hash_md5", "hash_sha256", "to_number", "date_format", "coalesce":
		return true
	}
	return false
}

// applyStage applies a pipeline function to the value produced by the
// previous stage.
func applyStage(raw, name string, args []Expr, val string, ctx *Context) (string, error) {
	switch name {
	case "to_upper":
		return strings.ToUpper(val), nil
	case "to_lower":
		return strings.ToLower(val), nil
	case "url_encode":
		return percentEncode(val), nil
	case "normalize_encode":
		return percentEncode(fullyDecode(val)), nil
	case "trim":
		return strings.TrimSpace(val), nil
	case "hash_md5":
		sum := md5.Sum([]byte(val))
		return hex.EncodeToString(sum[:]), nil
	case "hash_sha256":
		sum := sha256.Sum256([]byte(val))
		return hex.EncodeToString(sum[:]), nil
	case "to_number":
		// Fail-soft: a non-numeric input becomes an empty string, never a
		// placeholder default.
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return "", nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case "date_format":
		// Millisecond timestamps are already the wire format partners want;
		// the format argument is accepted for config compatibility.
		return val, nil
	case "coalesce":
		if val != "" {
			return val, nil
		}
		for _, arg := range args {
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
	return "", evalErrorf(raw, "unknown function %q", name)
}

// percentEncode escapes every byte outside the RFC 3986 unreserved set, so
// separators inside values survive embedding into partner URLs.
func percentEncode(s string) string {
	const unreserved = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_.~"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(unreserved, c) >= 0 {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return b.String()
}

// fullyDecode unescapes repeatedly until the value is stable, so inputs that
// arrive double-encoded end up encoded exactly once after re-encoding.
func fullyDecode(s string) string {
	for i := 0; i < 8; i++ {
		u, err := url.PathUnescape(s)
		if err != nil || u == s {
			return s
		}
		s = u
	}
	return s
}

func hmacSHA256Hex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
