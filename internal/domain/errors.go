package domain

import "errors"

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMissingType       = errors.New("envelope has no type")
)
