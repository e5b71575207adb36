package relay

import "errors"

// Sentinel errors for the control channel.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrBadFrame      = errors.New("malformed frame")
)
