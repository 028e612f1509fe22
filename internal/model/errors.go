package model

import "errors"

var (
	// ErrNotFound is returned when an id is not cached and fetching was not allowed
	ErrNotFound = errors.New("not found")

	// ErrMalformedRecord is returned when a record cannot be turned into a model object
	ErrMalformedRecord = errors.New("malformed record")

	// ErrNotPermitted is returned when the acting account may not perform an action
	ErrNotPermitted = errors.New("not permitted")
)
