// Package crdt provides the opaque replica the sync core is written
// against: a state vector, a diff encoder, an update applier and a
// subscribe/unsubscribe observer slot. y-crdt/yrs has no maintained Go
// binding, so Doc is a convergent stand-in with the same
// four-capability contract, built on last-write-wins registers: every
// key is owned by whichever (clock, clientID) pair last wrote it, so
// two replicas that applied the same set of updates agree regardless of
// the order they arrived in.
package crdt

import "sync"

// Handle identifies a registered subscription, returned by Subscribe and
// consumed by Unsubscribe.
type Handle int

// UpdateHandler receives the bytes of a just-applied update, synchronously,
// immediately after the transaction that produced them commits. origin is
// whatever the applier passed to Apply (nil for local Set/Delete
// transactions), so a subscriber that is itself an applier can recognize
// and skip its own applies, the same origin convention Yjs update
// events use.
type UpdateHandler func(update []byte, origin any)

type entry struct {
	clientID uint64
	clock    uint64
	value    []byte // json, or nil for a tombstone
	tomb     bool
}

// wins reports whether candidate should replace current under the
// (clock, clientID) last-write-wins rule: higher clock wins; a tie is
// broken by the higher clientID so the comparison is total.
func (e entry) wins(other entry) bool {
	if e.clock != other.clock {
		return e.clock > other.clock
	}
	return e.clientID > other.clientID
}

// Doc is a shared last-write-wins map CRDT: the minimal replica the
// sync core needs while staying something Room and Protocol can treat
// as opaque.
type Doc struct {
	mu       sync.RWMutex
	clientID uint64
	clock    uint64 // clock of the most recent local write (0 before the first)
	data     map[string]entry
	clocks   map[uint64]uint64 // per-client highest clock observed (the state vector)

	subMu sync.Mutex
	subs  map[Handle]UpdateHandler
	next  Handle
}

// NewDoc creates an empty replica identified by clientID. clientID should
// be unique per live replica (the server assigns one per connection; a
// client provider picks its own).
func NewDoc(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		data:     make(map[string]entry),
		clocks:   make(map[uint64]uint64),
		subs:     make(map[Handle]UpdateHandler),
	}
}

// ClientID returns this replica's stamping identity.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Subscribe registers callback to receive every update bytes this
// replica commits, whether from a local Set/Delete or from Apply.
func (d *Doc) Subscribe(callback UpdateHandler) Handle {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	h := d.next
	d.next++
	d.subs[h] = callback
	return h
}

// Unsubscribe removes a previously registered handler. Unsubscribing an
// unknown or already-removed handle is a no-op.
func (d *Doc) Unsubscribe(h Handle) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	delete(d.subs, h)
}

func (d *Doc) notify(update []byte, origin any) {
	d.subMu.Lock()
	handlers := make([]UpdateHandler, 0, len(d.subs))
	for _, h := range d.subs {
		handlers = append(handlers, h)
	}
	d.subMu.Unlock()

	for _, h := range handlers {
		h(update, origin)
	}
}

// Set performs a local transaction that assigns key = value (value must
// be valid JSON), applies it to this replica, and returns the encoded
// update bytes that were broadcast to subscribers. Concurrent Set/Delete
// calls on the same Doc are serialized.
func (d *Doc) Set(key string, value []byte) []byte {
	return d.localWrite(key, value, false)
}

// Delete performs a local tombstone transaction removing key.
func (d *Doc) Delete(key string) []byte {
	return d.localWrite(key, nil, true)
}

func (d *Doc) localWrite(key string, value []byte, tomb bool) []byte {
	d.mu.Lock()
	// Stamp past the key's current owner so the local write wins.
	if cur, ok := d.data[key]; ok && cur.clock > d.clock {
		d.clock = cur.clock
	}
	d.clock++
	e := entry{clientID: d.clientID, clock: d.clock, value: value, tomb: tomb}
	d.applyEntryLocked(key, e)
	update := encodeUpdate(map[string]entry{key: e})
	d.mu.Unlock()

	d.notify(update, nil)
	return update
}

// applyEntryLocked applies a single decoded entry under d.mu and reports
// whether it actually advanced this replica's state. An update that
// doesn't change any key and doesn't raise any client's observed clock
// is a no-op.
func (d *Doc) applyEntryLocked(key string, e entry) bool {
	changed := false

	if cur, ok := d.data[key]; !ok || e.wins(cur) {
		d.data[key] = e
		changed = true
	}
	if e.clock > d.clocks[e.clientID] {
		d.clocks[e.clientID] = e.clock
		changed = true
	}
	return changed
}

// Apply merges update (as produced by Set/Delete/EncodeDiff on any
// replica, including this one) into this replica. It is idempotent and
// commutative: applying the same bytes twice, or two updates in either
// order, converges to the same state. applied reports whether anything
// in update actually advanced this replica. origin is passed
// through verbatim to every subscriber's UpdateHandler.
func (d *Doc) Apply(update []byte, origin any) (applied bool, err error) {
	entries, err := decodeUpdate(update)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	for key, e := range entries {
		if d.applyEntryLocked(key, e) {
			applied = true
		}
	}
	d.mu.Unlock()

	if applied {
		d.notify(update, origin)
	}
	return applied, nil
}

// StateVector encodes this replica's per-client clock map: a compact
// summary of which writes it has observed.
func (d *Doc) StateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeStateVector(d.clocks)
}

// EncodeDiff returns the minimal update bringing a peer whose state
// vector is remoteSV up to this replica's state: every key whose current
// owning write is not yet reflected in remoteSV.
func (d *Doc) EncodeDiff(remoteSV []byte) ([]byte, error) {
	remote, err := decodeStateVector(remoteSV)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	diff := make(map[string]entry)
	for key, e := range d.data {
		if e.clock > remote[e.clientID] {
			diff[key] = e
		}
	}
	return encodeUpdate(diff), nil
}

// EncodeStateAsUpdate returns every key this replica holds, as an update
// that applies cleanly to an empty document: the full-state equivalent
// used by the convergence and squash-equivalence properties.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	full := make(map[string]entry, len(d.data))
	for key, e := range d.data {
		full[key] = e
	}
	return encodeUpdate(full)
}

// Get returns the current value for key and whether it is present (a
// tombstoned or never-written key reports ok=false).
func (d *Doc) Get(key string) (value []byte, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, exists := d.data[key]
	if !exists || e.tomb {
		return nil, false
	}
	return e.value, true
}

// Snapshot returns every live (non-tombstoned) key/value pair, for tests
// and diagnostics that want the whole map at once.
func (d *Doc) Snapshot() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]byte)
	for key, e := range d.data {
		if !e.tomb {
			out[key] = e.value
		}
	}
	return out
}
