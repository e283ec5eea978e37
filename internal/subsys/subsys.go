// Package subsys holds one driver per rover subsystem. Each driver turns
// typed requests into protocol messages and decodes the replies; none of
// them hold any state beyond the link they talk through.
package subsys

import (
	"context"
	"errors"

	"github.com/banshee-data/rover.scan/internal/protocol"
)

var (
	// ErrInvalidArgument is returned before any I/O when a request is out
	// of range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupportedCombination is returned for reading modes the firmware
	// cannot serve.
	ErrUnsupportedCombination = errors.New("unsupported reading mode")
)

// Link is the transport a driver talks through. It is satisfied by
// serialmux.SerialMuxInterface.
type Link interface {
	Exchange(ctx context.Context, msg protocol.Message) ([]byte, error)
	Send(ctx context.Context, msg protocol.Message) error
	ExchangeUntil(ctx context.Context, msg protocol.Message, follow protocol.Identity, done func(payload []byte) (bool, error)) error
}
