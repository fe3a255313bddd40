package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/issj6/ad-router/internal/dsl"
)

// ErrSignature rejects a callback whose signature does not verify. The
// callback is refused before anything is persisted.
var ErrSignature = errors.New("callback signature mismatch")

// Inbound is an upstream's inbound callback adapter: how to read canonical
// fields out of the upstream's own query/body shape, and optionally how to
// verify its signature.
type Inbound struct {
	FieldMap map[string]string `yaml:"field_map"`
	Verify   *Verify           `yaml:"verify"`
}

// Verify describes signature verification for inbound callbacks. Signature
// and Message are expressions over the callback context; SecretRef names the
// upstream secret holding the key.
type Verify struct {
	Type      string `yaml:"type"`
	Signature string `yaml:"signature"`
	Message   string `yaml:"message"`
	SecretRef string `yaml:"secret_ref"`
}

// ExtractValues applies the field map to the callback context. Each entry
// maps a canonical udm path to an expression over the upstream's raw
// query/body. Individual extraction failures degrade to empty values; a
// partner sending partial data must not abort the whole callback.
func (in *Inbound) ExtractValues(ctx *dsl.Context) Values {
	var vals Values
	for path, expr := range in.FieldMap {
		v, err := dsl.Evaluate(expr, ctx)
		if err != nil {
			continue
		}
		switch path {
		case "udm.event.name":
			vals.Event = v
		case "udm.click.id":
			vals.ClickID = v
		case "udm.meta.amount":
			vals.Amount = v
		case "udm.meta.days":
			vals.Days = v
		}
	}
	return vals
}

// VerifySignature recomputes the expected signature from the configured
// message expression and secret and compares it byte-for-byte against the
// supplied one. A missing secret or an unsupported scheme also fails closed.
func (in *Inbound) VerifySignature(ctx *dsl.Context) error {
	if in.Verify == nil {
		return nil
	}
	v := in.Verify
	if v.Type != "hmac_sha256" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrSignature, v.Type)
	}

	supplied, err := dsl.Evaluate(v.Signature, ctx)
	if err != nil {
		return fmt.Errorf("%w: signature expression: %v", ErrSignature, err)
	}
	message, err := dsl.Evaluate(v.Message, ctx)
	if err != nil {
		return fmt.Errorf("%w: message expression: %v", ErrSignature, err)
	}
	secret, ok := ctx.Secrets[v.SecretRef]
	if !ok {
		return fmt.Errorf("%w: secret %q not configured", ErrSignature, v.SecretRef)
	}

	expected := hmacSHA256Hex(secret, message)
	if !hmac.Equal([]byte(expected), []byte(supplied)) {
		return ErrSignature
	}
	return nil
}

func hmacSHA256Hex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
