package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned when a frame's length does not match the
	// shape of its command, or its header names no known command.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrIdentityMismatch is returned when a response does not carry the
	// identity the caller was waiting for.
	ErrIdentityMismatch = errors.New("identity mismatch")
	// ErrRemoteRejected is returned when the rover answers with an error
	// frame. It also matches ErrIdentityMismatch.
	ErrRemoteRejected = fmt.Errorf("%w: rover rejected command", ErrIdentityMismatch)
)
