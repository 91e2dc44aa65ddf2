package cortex

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a ModelProvider and automatically retries transient
// failures with exponential backoff.
type retryProvider struct {
	inner       ModelProvider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles: baseDelay, 2×baseDelay, 4×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. If the
// total time across all attempts exceeds this duration, the retry loop gives up;
// when the deadline passes while waiting between attempts it returns the
// context's error rather than the last attempt's. The zero value (default)
// disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// WithRetry wraps p with automatic retry on transient errors. Retries use
// exponential backoff with jitter. Compose with any ModelProvider:
//
//	provider = cortex.WithRetry(gemini.New(apiKey, model))
//	provider = cortex.WithRetry(gemini.New(apiKey, model), cortex.RetryMaxAttempts(5))
func WithRetry(p ModelProvider, opts ...RetryOption) ModelProvider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) PrepareTools(tools []ToolDefinition) (json.RawMessage, error) {
	return r.inner.PrepareTools(tools)
}

func (r *retryProvider) ContextWindow(modelID string) int { return r.inner.ContextWindow(modelID) }

// Send implements ModelProvider with retry.
func (r *retryProvider) Send(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Send(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("transient model error, retrying", "provider", r.inner.Name(), "attempt", i+1, "max_attempts", r.maxAttempts, "error", err)
		if i < r.maxAttempts-1 {
			delay := retryBackoff(r.baseDelay, i)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ChatResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return ChatResponse{}, last
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx unchanged.
// The caller must call the returned CancelFunc when done.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// transientProvider is an optional interface a ModelError's Cause can
// implement to mark itself retryable (e.g. an HTTP 429/503 from the
// wrapped SDK). Providers that don't distinguish transience are retried
// unconditionally up to maxAttempts, since blindly retrying a dead
// backend is cheaper than inventing provider-specific status parsing
// here.
type transientProvider interface {
	Transient() bool
}

// isTransient reports whether err should be retried: a ModelError whose
// Cause opts into Transient() via the interface above, or any other
// ModelError when the cause doesn't implement it at all.
func isTransient(err error) bool {
	var modelErr *ModelError
	if !asModelError(err, &modelErr) {
		return false
	}
	if t, ok := modelErr.Cause.(transientProvider); ok {
		return t.Transient()
	}
	return true
}

func asModelError(err error, target **ModelError) bool {
	for err != nil {
		if me, ok := err.(*ModelError); ok {
			*target = me
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

var _ ModelProvider = (*retryProvider)(nil)
