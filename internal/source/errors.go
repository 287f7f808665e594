package source

import (
	"context"
	"errors"

	"github.com/ppiankov/peekr/internal/store"
)

// Failure kinds returned by adapters. Wrap them with %w and test with errors.Is.
var (
	ErrMissingCredentials  = errors.New("missing credentials")
	ErrNotConnected        = errors.New("not connected")
	ErrProviderUnreachable = errors.New("provider unreachable")
	ErrProviderRejected    = errors.New("provider rejected request")
	// ErrPartialItem marks a single item that could not be normalized. It is
	// logged and never returned from Sync.
	ErrPartialItem = errors.New("malformed item")
	ErrStorage     = store.ErrStorage
)

// Kind names the failure kind of err for reports and metric attributes.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrProviderRejected):
		return "provider_rejected"
	case errors.Is(err, ErrProviderUnreachable), errors.Is(err, context.DeadlineExceeded):
		return "provider_unreachable"
	case errors.Is(err, ErrPartialItem):
		return "partial_item"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "unknown"
	}
}
