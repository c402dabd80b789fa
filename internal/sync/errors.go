// Package sync implements the symmetric sync protocol state machine,
// awareness registry and Room concurrency fulcrum: the part of the
// broker that owns a room's document and fans its updates out to every
// connected client.
package sync

import "errors"

// ErrSlowConsumer is logged when a client's outbound queue overflows;
// the room disconnects that client without affecting anyone else in the
// room.
var ErrSlowConsumer = errors.New("sync: client outbound queue overflowed")

// ErrRoomClosed names the condition of a Room that has been shut down.
// Room's own methods do not return it: once the room is stopped,
// Register, Unregister and Submit return without effect.
var ErrRoomClosed = errors.New("sync: room is closed")

// CRDTRejected wraps an error the document replica returned while
// applying an update. The room logs and drops the frame; it never lets
// this fail the room itself.
type CRDTRejected struct {
	Err error
}

func (e *CRDTRejected) Error() string {
	return "sync: crdt rejected update: " + e.Err.Error()
}

func (e *CRDTRejected) Unwrap() error {
	return e.Err
}
