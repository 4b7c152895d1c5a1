package weather

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers network failures, timeouts and cancellation.
	ErrTransport = errors.New("transport error")
	// ErrStatus is returned for any non-200 response.
	ErrStatus = errors.New("unexpected status code")
	// ErrMalformed is returned when the hourly block or one of its arrays is
	// missing, contains nulls, or is empty.
	ErrMalformed = errors.New("malformed hourly response")
	// ErrLengthMismatch is returned when the hourly arrays differ in length.
	ErrLengthMismatch = errors.New("hourly array length mismatch")
)

// FetchError ties a failure to the location it happened for.
type FetchError struct {
	City string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.City, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsShapeError reports whether err is a response-shape error.
func IsShapeError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrLengthMismatch)
}
