package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoHealthy = errors.New("no healthy providers")
	ErrNoAcquire = errors.New("provider not acquired")
)

// ProviderError is a failed provider call. Errors are transient (worth
// retrying) unless Permanent is set.
type ProviderError struct {
	Provider   string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider=%s status=%d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider=%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether err must not be retried.
// Context cancellation of the caller is treated as permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return errors.Is(err, context.Canceled)
}

// permanentStatus: 4xx except timeouts, conflicts and throttling.
func permanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}
