package llm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimited caps the request rate of the wrapped client
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket. A non-positive rate
// returns next unchanged.
func NewRateLimited(next Client, perSecond float64, burst int) Client {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Ask waits for a token, then forwards the request
func (r *RateLimited) Ask(ctx context.Context, req Request) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}
	return r.next.Ask(ctx, req)
}

// Meter accumulates the token usage of every successful request
type Meter struct {
	next Client

	mu    sync.Mutex
	usage Usage
	calls int
}

// NewMeter wraps next
func NewMeter(next Client) *Meter {
	return &Meter{next: next}
}

// Ask forwards the request and records its usage
func (m *Meter) Ask(ctx context.Context, req Request) (Response, error) {
	resp, err := m.next.Ask(ctx, req)
	if err != nil {
		return resp, err
	}

	m.mu.Lock()
	m.usage = m.usage.Add(resp.Usage)
	m.calls++
	m.mu.Unlock()
	return resp, nil
}

// Usage returns the accumulated counters
func (m *Meter) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Calls returns the number of successful requests
func (m *Meter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
