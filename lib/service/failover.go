package service

import (
	"context"
	"fmt"
)

// AllMintsError is returned when every mint in a store's failover
// list rejected an operation. It carries the last observed failure.
type AllMintsError struct {
	Last error
}

func (e *AllMintsError) Error() string {
	return fmt.Sprintf("all mints unreachable, last error: %v", e.Last)
}

func (e *AllMintsError) Unwrap() error {
	return e.Last
}

// TryMintsInOrder runs an operation against each mint URL in order
// and returns the first success together with the mint that served
// it. On exhaustion it returns an AllMintsError wrapping the last
// failure.
func TryMintsInOrder[T any](ctx context.Context, mintUrls []string, operation func(ctx context.Context, mintURL string) (T, error)) (result T, mintURL string, err error) {
	var lastErr error
	for _, url := range mintUrls {
		result, err := operation(ctx, url)
		if err == nil {
			return result, url, nil
		}
		lastErr = err
	}
	var zero T
	return zero, "", &AllMintsError{Last: lastErr}
}
