package mesh

import "errors"

var (
	// ErrRoomEnded reports that the room's ended flag was observed; the
	// session is terminal once this is returned.
	ErrRoomEnded = errors.New("mesh: room has ended")
	// ErrNotHost is returned when a non-host calls a host-only operation.
	ErrNotHost = errors.New("mesh: operation requires the host role")
	// ErrSessionClosed is returned by commands issued after teardown.
	ErrSessionClosed = errors.New("mesh: session is closed")
	// ErrSubscriptionLost reports that a store subscription died. There is
	// no automatic resubscription; the client must rejoin.
	ErrSubscriptionLost = errors.New("mesh: store subscription lost")
)
