package callback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issj6/ad-router/internal/dsl"
)

func callbackContext(query map[string]interface{}, secrets map[string]string) *dsl.Context {
	return &dsl.Context{
		Data: map[string]interface{}{
			"query": query,
			"body":  map[string]interface{}{},
		},
		Secrets: secrets,
	}
}

func TestExtractValues(t *testing.T) {
	in := &Inbound{
		FieldMap: map[string]string{
			"udm.event.name":  "query.event_type | to_upper()",
			"udm.click.id":    "query.cid",
			"udm.meta.amount": "query.amount | to_number()",
			"udm.meta.days":   "query.days | to_number()",
			"udm.device.os":   "query.os",
		},
	}
	ctx := callbackContext(map[string]interface{}{
		"event_type": "activated",
		"cid":        "c1",
		"amount":     "6.99",
		"days":       "not-a-number",
	}, nil)

	vals := in.ExtractValues(ctx)
	assert.Equal(t, "ACTIVATED", vals.Event)
	assert.Equal(t, "c1", vals.ClickID)
	assert.Equal(t, "6.99", vals.Amount)
	assert.Equal(t, "", vals.Days)
}

func TestVerifySignatureAccepted(t *testing.T) {
	secrets := map[string]string{"cb_key": "topsecret"}
	sig := hmacSHA256Hex("topsecret", "c1|ACTIVATED")
	in := &Inbound{
		Verify: &Verify{
			Type:      "hmac_sha256",
			Signature: "query.sig",
			Message:   "join('|', [query.cid, query.event_type])",
			SecretRef: "cb_key",
		},
	}
	ctx := callbackContext(map[string]interface{}{
		"cid":        "c1",
		"event_type": "ACTIVATED",
		"sig":        sig,
	}, secrets)

	require.NoError(t, in.VerifySignature(ctx))
}

func TestVerifySignatureTamperedMessage(t *testing.T) {
	secrets := map[string]string{"cb_key": "topsecret"}
	sig := hmacSHA256Hex("topsecret", "c1|ACTIVATED")
	in := &Inbound{
		Verify: &Verify{
			Type:      "hmac_sha256",
			Signature: "query.sig",
			Message:   "join('|', [query.cid, query.event_type])",
			SecretRef: "cb_key",
		},
	}
	ctx := callbackContext(map[string]interface{}{
		"cid":        "c2", // tampered
		"event_type": "ACTIVATED",
		"sig":        sig,
	}, secrets)

	assert.ErrorIs(t, in.VerifySignature(ctx), ErrSignature)
}

func TestVerifySignatureTamperedSignature(t *testing.T) {
	secrets := map[string]string{"cb_key": "topsecret"}
	sig := hmacSHA256Hex("topsecret", "c1|ACTIVATED")
	tampered := "0" + sig[1:]
	if tampered == sig {
		tampered = "1" + sig[1:]
	}
	in := &Inbound{
		Verify: &Verify{
			Type:      "hmac_sha256",
			Signature: "query.sig",
			Message:   "join('|', [query.cid, query.event_type])",
			SecretRef: "cb_key",
		},
	}
	ctx := callbackContext(map[string]interface{}{
		"cid":        "c1",
		"event_type": "ACTIVATED",
		"sig":        tampered,
	}, secrets)

	assert.ErrorIs(t, in.VerifySignature(ctx), ErrSignature)
}

func TestVerifySignatureMissingSecretFailsClosed(t *testing.T) {
	in := &Inbound{
		Verify: &Verify{
			Type:      "hmac_sha256",
			Signature: "query.sig",
			Message:   "query.cid",
			SecretRef: "absent",
		},
	}
	ctx := callbackContext(map[string]interface{}{"cid": "c1", "sig": "x"}, nil)
	assert.ErrorIs(t, in.VerifySignature(ctx), ErrSignature)
}

func TestVerifySignatureUnsupportedScheme(t *testing.T) {
	in := &Inbound{Verify: &Verify{Type: "md5"}}
	ctx := callbackContext(map[string]interface{}{}, nil)
	assert.ErrorIs(t, in.VerifySignature(ctx), ErrSignature)
}

func TestVerifySignatureNoConfigSkips(t *testing.T) {
	in := &Inbound{}
	assert.NoError(t, in.VerifySignature(callbackContext(nil, nil)))
}
