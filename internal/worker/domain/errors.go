package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotInFlight is returned by a store transition whose job is no
	// longer in the processing state. The transition is a no-op.
	ErrJobNotInFlight = errors.New("job is not in processing state")

	// ErrUnsupportedService is returned for a job whose service has no provider.
	ErrUnsupportedService = errors.New("unsupported service")

	// ErrNoImage is returned when a provider responds without an output image.
	ErrNoImage = errors.New("provider returned no image")
)

// ProviderError is the failure shape shared by every provider adapter.
// RateLimited is set when the provider signalled throttling (HTTP 429 or
// equivalent), independently of the message text.
type ProviderError struct {
	Provider    string
	Message     string
	RateLimited bool
	Err         error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a provider failure.
func NewProviderError(provider string, err error, rateLimited bool) *ProviderError {
	return &ProviderError{
		Provider:    provider,
		Message:     err.Error(),
		RateLimited: rateLimited,
		Err:         err,
	}
}
