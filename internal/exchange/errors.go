package exchange

import (
	"errors"
	"fmt"
)

// Sentinel errors for the "Consistency" and "Invariant violation"
// taxonomy classes from the error handling design: these fail the
// operation rather than guessing.
var (
	ErrUnknownSymbol      = errors.New("exchange: symbol not in venue's translated universe")
	ErrStaleBook          = errors.New("exchange: book sample older than max age")
	ErrInstrumentNotFound = errors.New("exchange: no cached instrument metadata for symbol")
	ErrNotAuthenticated   = errors.New("exchange: private call attempted before authenticate()")
)

// APIError is a non-2xx response from a venue, surfaced from the REST
// or WebSocket transport. The venue clients build one for every
// non-2xx status, including 429 and 5xx; errors below HTTP (dial,
// timeout) are returned as wrapped plain errors instead.
type APIError struct {
	Venue      string
	Code       string
	Message    string
	HTTPStatus int
	// Retryable marks errors the caller may safely resubmit against
	// (e.g. a transient 5xx wrapped at this layer); reduce-only and
	// rejection codes are never retryable.
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange[%s]: %s (code=%s, status=%d)", e.Venue, e.Message, e.Code, e.HTTPStatus)
}

// IsReduceOnlyViolation reports whether err is an APIError whose Code
// equals ReduceOnlyCode. The ark, helix and vega clients set Code to
// the HTTP status string and do not map a native reduce-only code onto
// ReduceOnlyCode, so their rejections are not reported as reduce-only
// violations here.
func IsReduceOnlyViolation(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ReduceOnlyCode
	}
	return false
}

// ReduceOnlyCode is the venue-neutral code that IsReduceOnlyViolation
// matches. No venue client in this repository produces it; ark's
// native reduce-only rejection code ("21740") is not translated to it.
const ReduceOnlyCode = "REDUCE_ONLY_VIOLATION"
