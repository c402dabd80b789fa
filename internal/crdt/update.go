package crdt

import (
	"fmt"

	"github.com/collab-docs/ysync/internal/wire"
)

// Update and state-vector bytes are this replica's private payload
// format: the sync protocol treats them as opaque, so unlike
// internal/wire's message framing this format has no bit-exactness
// requirement with y-protocols. It reuses wire.Writer/Reader purely for
// the varint/byte-string primitives, to avoid a second hand-rolled codec
// in the same repo.

func encodeUpdate(entries map[string]entry) []byte {
	w := wire.NewWriter(32 * (len(entries) + 1))
	w.WriteUvarint(uint64(len(entries)))
	for key, e := range entries {
		w.WriteBytes([]byte(key))
		w.WriteUvarint(e.clientID)
		w.WriteUvarint(e.clock)
		if e.tomb {
			w.WriteUint8(1)
		} else {
			w.WriteUint8(0)
		}
		w.WriteBytes(e.value)
	}
	return w.Bytes()
}

func decodeUpdate(update []byte) (map[string]entry, error) {
	if len(update) == 0 {
		return map[string]entry{}, nil
	}

	r := wire.NewReader(update)
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("crdt: decode update: %w", err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("crdt: decode update: entry count %d exceeds payload", n)
	}

	out := make(map[string]entry, n)
	for i := uint64(0); i < n; i++ {
		key, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("crdt: decode update key: %w", err)
		}
		clientID, err := r.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("crdt: decode update client id: %w", err)
		}
		clock, err := r.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("crdt: decode update clock: %w", err)
		}
		tombByte, err := r.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("crdt: decode update tombstone flag: %w", err)
		}
		value, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("crdt: decode update value: %w", err)
		}

		v := append([]byte(nil), value...)
		out[string(key)] = entry{clientID: clientID, clock: clock, value: v, tomb: tombByte == 1}
	}
	return out, nil
}

func encodeStateVector(clocks map[uint64]uint64) []byte {
	w := wire.NewWriter(16 * (len(clocks) + 1))
	w.WriteUvarint(uint64(len(clocks)))
	for clientID, clock := range clocks {
		w.WriteUvarint(clientID)
		w.WriteUvarint(clock)
	}
	return w.Bytes()
}

func decodeStateVector(sv []byte) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64)
	if len(sv) == 0 {
		return out, nil
	}

	r := wire.NewReader(sv)
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("crdt: decode state vector: %w", err)
	}
	for i := uint64(0); i < n; i++ {
		clientID, err := r.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("crdt: decode state vector client id: %w", err)
		}
		clock, err := r.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("crdt: decode state vector clock: %w", err)
		}
		out[clientID] = clock
	}
	return out, nil
}

// IsEmptyUpdate reports whether update decodes to zero entries, the
// sentinel senders filter out before transmitting or persisting.
func IsEmptyUpdate(update []byte) bool {
	entries, err := decodeUpdate(update)
	return err == nil && len(entries) == 0
}
