package billing

import (
	"errors"
	"fmt"
)

// Upstream failure kinds, mirrored from the billing API's HTTP status. None of
// these is retried inside this package; the resolver decides whether a stale
// cached report can stand in.
var (
	ErrCredentialInvalid = errors.New("billing: credential invalid")
	ErrForbidden         = errors.New("billing: forbidden")
	ErrRateLimited       = errors.New("billing: rate limited")
	ErrNetwork           = errors.New("billing: network error")
)

// classifyStatus maps a non-2xx upstream status to an error kind. Everything
// unrecognized, including 5xx, lands in ErrNetwork.
func classifyStatus(op string, status int) error {
	switch status {
	case 401:
		return fmt.Errorf("%s: status %d: %w", op, status, ErrCredentialInvalid)
	case 403:
		return fmt.Errorf("%s: status %d: %w", op, status, ErrForbidden)
	case 429:
		return fmt.Errorf("%s: status %d: %w", op, status, ErrRateLimited)
	default:
		return fmt.Errorf("%s: status %d: %w", op, status, ErrNetwork)
	}
}
