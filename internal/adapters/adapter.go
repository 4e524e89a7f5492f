// Package adapters holds the thin, timeout-bounded clients for every external
// collaborator. Each adapter translates native failures into a canonical
// AdapterError; the outbox uses the error kind to decide retry vs dead-letter.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error kinds.
const (
	KindTimeout     = "timeout"
	KindAuth        = "auth"
	KindNotFound    = "not_found"
	KindRateLimited = "rate_limited"
	KindTransient   = "transient"
	KindPermanent   = "permanent"
)

// Default per-operation deadlines, applied when the caller's context carries
// none.
const (
	ReadTimeout  = 10 * time.Second
	WriteTimeout = 15 * time.Second
	BatchTimeout = 30 * time.Second
)

// AdapterError is the canonical failure of any adapter call.
type AdapterError struct {
	Adapter    string
	Kind       string
	RetryAfter time.Duration // set for rate_limited when the service said so
	Err        error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter: %s: %v", e.Adapter, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Retryable reports whether the outbox should retry this failure.
func (e *AdapterError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindTransient:
		return true
	}
	return false
}

// AsAdapterError extracts an *AdapterError; unknown errors are wrapped as
// transient so the outbox retries rather than silently dropping work.
func AsAdapterError(adapter string, err error) *AdapterError {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &AdapterError{Adapter: adapter, Kind: KindTimeout, Err: err}
	}
	return &AdapterError{Adapter: adapter, Kind: KindTransient, Err: err}
}

// Adapter is the uniform shape every external client implements. Payload is
// the JSON body of an outbox item; the op names the typed operation.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, op string, payload []byte) error
}

// Registry maps adapter names to instances for the outbox dispatcher.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(list ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range list {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the named adapter or nil.
func (r *Registry) Get(name string) Adapter { return r.adapters[name] }

// classifyStatus maps an HTTP status to an AdapterError kind. 2xx is not an
// error and must not reach here.
func classifyStatus(adapter string, resp *http.Response) *AdapterError {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &AdapterError{Adapter: adapter, Kind: KindRateLimited, RetryAfter: retryAfter,
			Err: fmt.Errorf("status %d", status)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AdapterError{Adapter: adapter, Kind: KindAuth, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusNotFound:
		return &AdapterError{Adapter: adapter, Kind: KindNotFound, Err: fmt.Errorf("status %d", status)}
	case status >= 500:
		return &AdapterError{Adapter: adapter, Kind: KindTransient, Err: fmt.Errorf("status %d", status)}
	default:
		return &AdapterError{Adapter: adapter, Kind: KindPermanent, Err: fmt.Errorf("status %d", status)}
	}
}

// withDeadline applies a default timeout when the context has none.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
