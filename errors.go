package realtime

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBadFrame indicates an inbound frame that could not be decoded.
	ErrBadFrame = errors.New("bad frame")

	// ErrNotConnected is returned when an operation requires a live socket.
	ErrNotConnected = errors.New("socket is not connected")

	// ErrChannelRemoved is returned by Send when the channel was torn down
	// before the push resolved.
	ErrChannelRemoved = errors.New("channel was removed")
)

// ErrSubscribeMismatch reports a postgres_changes binding whose filter did
// not line up with the server's acknowledged subscription at the same index.
type ErrSubscribeMismatch struct {
	Expected PostgresFilter
	Got      PostgresFilter
}

func (e ErrSubscribeMismatch) Error() string {
	return fmt.Sprintf(
		"mismatch between server and client bindings for postgres changes: expected %v, got %v",
		e.Expected, e.Got,
	)
}
