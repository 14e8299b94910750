package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNotRunning means the model server could not be reached
	ErrNotRunning = errors.New("model server is not running")
	// ErrModelNotFound means the server does not know the requested model
	ErrModelNotFound = errors.New("model not found")
	// ErrEmptyResponse means the server answered with no content
	ErrEmptyResponse = errors.New("empty model response")
)

// APIError is a non-success HTTP answer from the model server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("model server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model server returned %d", e.StatusCode)
}

// retryable reports whether another attempt could succeed
func retryable(err error) bool {
	if errors.Is(err, ErrNotRunning) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}

// withRetry runs fn up to attempts times, sleeping delay between
// retryable failures.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() (Response, error)) (Response, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{}, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return Response{}, lastErr
}
