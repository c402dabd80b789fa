package sync

import (
	"sync"
	"time"

	"github.com/collab-docs/ysync/internal/wire"
)

// awarenessEntry is one client's presence record plus the wall-clock time
// it was last touched, used only for TTL expiry.
type awarenessEntry struct {
	clock       uint64
	state       []byte // nil denotes departure
	lastUpdated time.Time
}

// Awareness is the per-room registry of ephemeral client presence state.
// It holds no transport: Room is the single publisher that decides when
// an Awareness mutation gets broadcast.
type Awareness struct {
	mu      sync.Mutex
	local   uint64
	entries map[uint64]*awarenessEntry
	ttl     time.Duration
}

// NewAwareness creates a registry whose local presence is published under
// localClientID. ttl <= 0 uses the default of 30s.
func NewAwareness(localClientID uint64, ttl time.Duration) *Awareness {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Awareness{
		local:   localClientID,
		entries: make(map[uint64]*awarenessEntry),
		ttl:     ttl,
	}
}

// SetLocalState atomically bumps the local clock and stores state,
// returning the entry ready to be broadcast. state == nil marks the
// local client as departed.
func (a *Awareness) SetLocalState(state []byte) wire.AwarenessEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[a.local]
	if !ok {
		e = &awarenessEntry{}
		a.entries[a.local] = e
	}
	e.clock++
	e.state = state
	e.lastUpdated = time.Now()

	return wire.AwarenessEntry{ClientID: a.local, Clock: e.clock, State: state}
}

// ApplyUpdate merges received entries: an entry with a strictly higher
// clock than what's on record overwrites it; a null state removes the
// entry; anything else (stale clock) is ignored.
// It returns the subset that was actually accepted, for logging.
func (a *Awareness) ApplyUpdate(entries []wire.AwarenessEntry) []wire.AwarenessEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	accepted := make([]wire.AwarenessEntry, 0, len(entries))
	for _, in := range entries {
		cur, ok := a.entries[in.ClientID]
		if ok && in.Clock <= cur.clock {
			continue
		}

		if len(in.State) == 0 {
			delete(a.entries, in.ClientID)
		} else {
			if !ok {
				cur = &awarenessEntry{}
				a.entries[in.ClientID] = cur
			}
			cur.clock = in.Clock
			cur.state = in.State
			cur.lastUpdated = time.Now()
		}
		accepted = append(accepted, in)
	}
	return accepted
}

// Encode emits the full current registry as a wire awareness frame, for
// sending to a newly joined client.
func (a *Awareness) Encode() []byte {
	a.mu.Lock()
	entries := make([]wire.AwarenessEntry, 0, len(a.entries))
	for clientID, e := range a.entries {
		entries = append(entries, wire.AwarenessEntry{ClientID: clientID, Clock: e.clock, State: e.state})
	}
	a.mu.Unlock()

	return wire.EncodeAwareness(entries)
}

// Expire removes entries whose lastUpdated predates the TTL and returns
// them with their state cleared, so the caller can re-broadcast each
// expiry as a departure frame and peers converge on the client being
// gone.
func (a *Awareness) Expire() []wire.AwarenessEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-a.ttl)
	var expired []wire.AwarenessEntry
	for clientID, e := range a.entries {
		if e.lastUpdated.Before(cutoff) {
			expired = append(expired, wire.AwarenessEntry{ClientID: clientID, Clock: e.clock, State: nil})
			delete(a.entries, clientID)
		}
	}
	return expired
}
