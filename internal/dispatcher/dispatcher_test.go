package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issj6/ad-router/internal/adapter"
)

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := New(nil)
	res, err := d.Send(context.Background(), "rid-1", "GET", srv.URL, &adapter.Spec{TimeoutMs: 2000})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "ok", res.Body)
	assert.Equal(t, 1, res.Attempts)
}

func TestSendRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	d := New(nil)
	spec := &adapter.Spec{TimeoutMs: 2000, Retry: &adapter.Retry{Max: 2, BackoffMs: 10}}
	res, err := d.Send(context.Background(), "rid-1", "GET", srv.URL, spec)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend4xxIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := New(nil)
	spec := &adapter.Spec{TimeoutMs: 2000, Retry: &adapter.Retry{Max: 3, BackoffMs: 10}}
	_, err := d.Send(context.Background(), "rid-1", "GET", srv.URL, spec)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, http.StatusForbidden, derr.Status)
	assert.False(t, derr.Timeout)
	assert.Equal(t, 1, derr.Attempts)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestSendExhaustsRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(nil)
	spec := &adapter.Spec{TimeoutMs: 2000, Retry: &adapter.Retry{Max: 2, BackoffMs: 5}}
	_, err := d.Send(context.Background(), "rid-1", "GET", srv.URL, spec)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, http.StatusInternalServerError, derr.Status)
	assert.Equal(t, 3, derr.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	d := New(nil)
	spec := &adapter.Spec{TimeoutMs: 50}
	_, err := d.Send(context.Background(), "rid-1", "GET", srv.URL, spec)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.True(t, derr.Timeout)
	assert.Equal(t, 0, derr.Status)
}

func TestSendNetworkErrorRetries(t *testing.T) {
	// Nothing listens here; every attempt fails at the dial.
	d := New(nil)
	spec := &adapter.Spec{TimeoutMs: 500, Retry: &adapter.Retry{Max: 1, BackoffMs: 5}}
	_, err := d.Send(context.Background(), "rid-1", "GET", "http://127.0.0.1:1/x", spec)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 2, derr.Attempts)
}

func TestSendUnbuildableRequestIsPermanent(t *testing.T) {
	d := New(nil)
	spec := &adapter.Spec{TimeoutMs: 500, Retry: &adapter.Retry{Max: 3, BackoffMs: 200}}

	start := time.Now()
	_, err := d.Send(context.Background(), "rid-1", "BAD METHOD", "http://example.com/x", spec)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 1, derr.Attempts, "an unsendable request must not be retried")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "no backoff for a request that cannot be built")
}

func TestSendDefaultsWithoutRetryConfig(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(nil)
	_, err := d.Send(context.Background(), "rid-1", "GET", srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "no retry config means a single attempt")
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
