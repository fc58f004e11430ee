package station

import "errors"

var (
	// ErrMalformedSnapshot is returned when a snapshot row lacks a required
	// field or carries a value of the wrong type. The whole load fails.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrUnknownStation is returned for lookups against an id the store does not hold.
	ErrUnknownStation = errors.New("unknown station")
)
