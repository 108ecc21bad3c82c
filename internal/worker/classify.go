package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// Classification says whether a failed job may be retried.
type Classification int

const (
	Permanent Classification = iota
	Transient
)

func (c Classification) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// transientMarkers are matched case-insensitively against the error text.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"network",
	"econnreset",
	"connection reset",
	"socket",
	"rate limit",
	"too many requests",
	"503",
	"502",
}

// Classify decides whether err is worth retrying. Rate-limit signals and
// deadline expiry are always transient; otherwise the message is matched
// against known transient markers and anything unrecognised is permanent.
func Classify(err error) Classification {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, domain.ErrUnsupportedService) {
		return Permanent
	}

	var perr *domain.ProviderError
	if errors.As(err, &perr) && perr.RateLimited {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}
	return Permanent
}
