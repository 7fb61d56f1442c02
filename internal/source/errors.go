package source

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrFetch marks any failure to obtain data from the source platform.
	ErrFetch = errors.New("source fetch failed")
	// ErrUnavailable marks items that will not become available on retry
	// (private, removed, region or age restricted).
	ErrUnavailable = errors.New("source item unavailable")
	// ErrTransient marks failures worth retrying (rate limits, network, timeouts).
	ErrTransient = errors.New("transient source failure")
)

var unavailableMarkers = []string{
	"video unavailable",
	"private video",
	"has been removed",
	"members-only",
	"join this channel",
	"not available in your country",
	"blocked it in your country",
	"copyright claim",
	"account associated with this video has been terminated",
	"confirm your age",
	"premieres in",
	"this live event will begin",
}

var transientMarkers = []string{
	"http error 429",
	"too many requests",
	"http error 500",
	"http error 502",
	"http error 503",
	"http error 504",
	"timed out",
	"connection reset",
	"connection refused",
	"temporary failure in name resolution",
	"unable to download webpage",
	"incomplete read",
	"sign in to confirm you're not a bot",
}

// classify maps a failed command to ErrUnavailable, ErrTransient or nil.
func classify(stderr string, runErr error) error {
	if errors.Is(runErr, context.DeadlineExceeded) {
		return ErrTransient
	}
	lower := strings.ToLower(stderr)
	for _, m := range unavailableMarkers {
		if strings.Contains(lower, m) {
			return ErrUnavailable
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return ErrTransient
		}
	}
	return nil
}

// IsUnavailable reports whether err marks a permanently unavailable item.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsTransient reports whether err marks a retryable failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Classification names the failure class for logs and metrics.
func Classification(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnavailable(err):
		return "unavailable"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
