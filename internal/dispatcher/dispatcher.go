package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/issj6/ad-router/internal/adapter"
)

// maxResponseBody caps how much of an upstream response body is kept for
// the request log.
const maxResponseBody = 4096

// DispatchError reports a failed dispatch after all attempts. Timeout is
// true when the final attempt timed out rather than returning a response.
type DispatchError struct {
	URL      string
	Attempts int
	Status   int // last HTTP status, 0 when no response arrived
	Timeout  bool
	Cause    error

	permanent bool // the request itself is unsendable, retrying cannot help
}

func (e *DispatchError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("dispatch to %s timed out after %d attempt(s)", e.URL, e.Attempts)
	case e.Status > 0:
		return fmt.Sprintf("dispatch to %s failed with status %d after %d attempt(s)", e.URL, e.Status, e.Attempts)
	default:
		return fmt.Sprintf("dispatch to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Cause)
	}
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// retryable reports whether another attempt may succeed. Timeouts,
// network errors and 5xx responses qualify. Any other status does not,
// and neither does a request that could not be built at all.
func (e *DispatchError) retryable() bool {
	if e.permanent {
		return false
	}
	if e.Timeout || e.Status == 0 {
		return true
	}
	return e.Status >= 500
}

// Result is the outcome of a successful dispatch.
type Result struct {
	Status    int
	Body      string
	LatencyMs int
	Attempts  int
}

// Dispatcher performs outbound HTTP calls to upstream and downstream
// endpoints. One instance is shared across all requests.
type Dispatcher struct {
	client *http.Client
	logger *zap.Logger
}

// New creates a dispatcher. Per-request timeouts come from the adapter
// spec, so the shared client carries no timeout of its own.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client: &http.Client{},
		logger: logger,
	}
}

// Send performs the request described by the rendered adapter spec,
// retrying on timeouts, network errors and 5xx responses. 4xx responses
// are permanent failures and return immediately. The rid is carried for
// logging only.
func (d *Dispatcher) Send(ctx context.Context, rid, method, url string, spec *adapter.Spec) (*Result, error) {
	timeout := 5 * time.Second
	if spec != nil && spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	maxAttempts := 1
	backoff := time.Duration(0)
	if spec != nil && spec.Retry != nil {
		if spec.Retry.Max > 0 {
			maxAttempts = spec.Retry.Max + 1
		}
		if spec.Retry.BackoffMs > 0 {
			backoff = time.Duration(spec.Retry.BackoffMs) * time.Millisecond
		}
	}

	var lastErr *DispatchError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, lastErr
			}
		}

		res, derr := d.attempt(ctx, rid, method, url, timeout, attempt)
		if derr == nil {
			res.Attempts = attempt
			return res, nil
		}
		derr.Attempts = attempt
		lastErr = derr
		if !derr.retryable() {
			return nil, derr
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, rid, method, url string, timeout time.Duration, attempt int) (*Result, *DispatchError) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return nil, &DispatchError{URL: url, permanent: true,
			Cause: fmt.Errorf("failed to build request: %w", err)}
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(reqCtx.Err(), context.DeadlineExceeded)
		d.logger.Warn("dispatch attempt failed",
			zap.String("rid", rid),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Bool("timeout", timedOut),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return nil, &DispatchError{URL: url, Timeout: timedOut, Cause: err}
	}
	defer resp.Body.Close()

	body := readBody(resp.Body)
	if resp.StatusCode >= 400 {
		d.logger.Warn("dispatch attempt rejected",
			zap.String("rid", rid),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("status", resp.StatusCode),
			zap.Duration("latency", latency),
		)
		return nil, &DispatchError{URL: url, Status: resp.StatusCode,
			Cause: fmt.Errorf("upstream returned %s", resp.Status)}
	}

	d.logger.Info("dispatched",
		zap.String("rid", rid),
		zap.String("url", url),
		zap.Int("attempt", attempt),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", latency),
	)
	return &Result{
		Status:    resp.StatusCode,
		Body:      body,
		LatencyMs: int(latency.Milliseconds()),
	}, nil
}

func readBody(r io.Reader) string {
	buf, err := io.ReadAll(io.LimitReader(r, maxResponseBody))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf))
}
