package types

import "errors"

var (
	// ErrMalformedImage is returned when the payload can not be turned into an image
	ErrMalformedImage = errors.New("malformed image")
	// ErrModelUnavailable is returned when the model can not be loaded
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInvalidRequest is returned for out-of-range request parameters
	ErrInvalidRequest = errors.New("invalid request")
)
