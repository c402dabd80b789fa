package wire

import "fmt"

// Top-level message type tags. Recipients MUST ignore frames
// whose top-level tag is not one of these; only Sync and Awareness are
// defined.
const (
	MessageSync      byte = 0
	MessageAwareness byte = 1
)

// Sync sub-message tags, carried as the second byte of a Sync message.
const (
	SyncStep1  byte = 0
	SyncStep2  byte = 1
	SyncUpdate byte = 2
)

// DecodeError wraps a malformed-frame condition. The tolerant peer
// policy for this error is: drop the frame, keep the connection.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode error: %s", e.Reason)
}

// UnknownMessage is returned by Decode when the top-level tag is not one
// this implementation understands. It is not a DecodeError: unknown
// top-level tags are a normal, forward-compatible outcome, not a
// malformed frame.
type UnknownMessage struct {
	Tag byte
}

func (u *UnknownMessage) Error() string {
	return fmt.Sprintf("wire: unknown message tag %d", u.Tag)
}

// SyncMessage is a decoded sync sub-message.
type SyncMessage struct {
	SubType byte
	Payload []byte // state vector for Step1, update bytes for Step2/Update
}

// EncodeSyncStep1 builds a `sync(SyncStep1, stateVector)` frame.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 builds a `sync(SyncStep2, update)` frame.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeUpdate builds a `sync(Update, update)` frame.
func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(subType byte, payload []byte) []byte {
	w := NewWriter(2 + len(payload))
	w.WriteUint8(MessageSync)
	w.WriteUint8(subType)
	w.WriteBytes(payload)
	return w.Bytes()
}

// AwarenessEntry is one client's awareness record as carried on the wire.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    []byte // json; empty/absent denotes departure
}

// EncodeAwareness builds an `awareness(entries)` frame.
func EncodeAwareness(entries []AwarenessEntry) []byte {
	body := NewWriter(16 * (len(entries) + 1))
	body.WriteUvarint(uint64(len(entries)))
	for _, e := range entries {
		body.WriteUvarint(e.ClientID)
		body.WriteUvarint(e.Clock)
		body.WriteBytes(e.State)
	}

	w := NewWriter(len(body.Bytes()) + 8)
	w.WriteUint8(MessageAwareness)
	w.WriteBytes(body.Bytes())
	return w.Bytes()
}

// Decode inspects the top-level tag of frame and dispatches to the sync
// or awareness decoder. It is total: it never panics, and a malformed
// frame of a known top-level type yields a *DecodeError rather than a
// partially-populated result.
func Decode(frame []byte) (sync *SyncMessage, awareness []AwarenessEntry, err error) {
	r := NewReader(frame)
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, nil, &DecodeError{Reason: "empty frame"}
	}

	switch tag {
	case MessageSync:
		msg, err := decodeSync(r)
		if err != nil {
			return nil, nil, err
		}
		return msg, nil, nil
	case MessageAwareness:
		entries, err := decodeAwareness(r)
		if err != nil {
			return nil, nil, err
		}
		return nil, entries, nil
	default:
		return nil, nil, &UnknownMessage{Tag: tag}
	}
}

func decodeSync(r *Reader) (*SyncMessage, error) {
	subType, err := r.ReadUint8()
	if err != nil {
		return nil, &DecodeError{Reason: "missing sync sub-type"}
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return nil, &DecodeError{Reason: "truncated sync payload"}
	}
	return &SyncMessage{SubType: subType, Payload: payload}, nil
}

func decodeAwareness(r *Reader) ([]AwarenessEntry, error) {
	body, err := r.ReadBytes()
	if err != nil {
		return nil, &DecodeError{Reason: "truncated awareness body"}
	}

	br := NewReader(body)
	n, err := br.ReadUvarint()
	if err != nil {
		return nil, &DecodeError{Reason: "missing awareness count"}
	}
	// Each entry takes at least three bytes, so a count exceeding the
	// remaining body is malformed; rejecting it here also keeps the
	// count from being used as an oversized allocation hint.
	if n > uint64(br.Len()) {
		return nil, &DecodeError{Reason: "awareness count exceeds body"}
	}

	entries := make([]AwarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		clientID, err := br.ReadUvarint()
		if err != nil {
			return nil, &DecodeError{Reason: "truncated awareness entry client id"}
		}
		clock, err := br.ReadUvarint()
		if err != nil {
			return nil, &DecodeError{Reason: "truncated awareness entry clock"}
		}
		state, err := br.ReadBytes()
		if err != nil {
			return nil, &DecodeError{Reason: "truncated awareness entry state"}
		}
		entries = append(entries, AwarenessEntry{ClientID: clientID, Clock: clock, State: state})
	}
	return entries, nil
}
