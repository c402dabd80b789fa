package sync

import (
	"context"
	"sync"
	"time"

	"github.com/collab-docs/ysync/internal/crdt"
	"github.com/collab-docs/ysync/internal/logger"
	"github.com/collab-docs/ysync/internal/store"
	"github.com/collab-docs/ysync/internal/wire"
)

var roomLog = logger.Tag("room")

// Relay is the cross-instance fanout capability a Room optionally uses
// (internal/broker.Broker satisfies it). A nil Relay makes the Room a
// single-process room, which is a fully correct, smaller deployment.
type Relay interface {
	Subscribe(path string, handler func(frame []byte)) error
	Publish(ctx context.Context, path string, frame []byte) error
	Unsubscribe(path string) error
}

// Room owns one shared CRDT replica, its awareness instance, the set of
// connected clients, and the serialized ingest pipeline. All mutation
// of Doc happens on the single goroutine running Run, which is the
// room's single-writer linearization point.
type Room struct {
	Path string
	Doc  *crdt.Doc

	awareness *Awareness
	relay     Relay
	st        store.UpdateStore

	queueCapacity int

	clients map[string]*ClientEntry

	register   chan *ClientEntry
	unregister chan *ClientEntry
	inbound    chan inboundFrame
	localAware chan wire.AwarenessEntry
	countQuery chan chan int

	ready   chan struct{}
	readyMu sync.Mutex
	isReady bool

	ctx    context.Context
	cancel context.CancelFunc

	localClientID uint64

	// roomTTL of 0 (the default) means a room is never
	// garbage-collected when empty. A positive value starts emptyTimer
	// when the last client leaves and stops the room if nobody rejoins
	// before it fires.
	roomTTL    time.Duration
	emptyTimer *time.Timer
}

type inboundFrame struct {
	from  *ClientEntry
	frame []byte
}

// NewRoom creates a room for path. localClientID seeds both the room's
// own CRDT replica identity and its awareness identity; st and relay may
// both be nil.
func NewRoom(ctx context.Context, path string, localClientID uint64, st store.UpdateStore, relay Relay, queueCapacity int, roomTTL, awarenessTTL time.Duration) *Room {
	roomCtx, cancel := context.WithCancel(ctx)

	r := &Room{
		Path:          path,
		Doc:           crdt.NewDoc(localClientID),
		awareness:     NewAwareness(localClientID, awarenessTTL),
		relay:         relay,
		st:            st,
		queueCapacity: queueCapacity,
		clients:       make(map[string]*ClientEntry),
		register:      make(chan *ClientEntry),
		unregister:    make(chan *ClientEntry),
		inbound:       make(chan inboundFrame, 256),
		localAware:    make(chan wire.AwarenessEntry, 16),
		countQuery:    make(chan chan int),
		ready:         make(chan struct{}),
		ctx:           roomCtx,
		cancel:        cancel,
		localClientID: localClientID,
		roomTTL:       roomTTL,
	}
	return r
}

// AwarenessSnapshot encodes the room's full current awareness map, for
// a newly admitted client. Safe to call from any goroutine: Awareness
// guards itself with its own mutex.
func (r *Room) AwarenessSnapshot() []byte {
	return r.awareness.Encode()
}

// Ready is closed once the room has replayed its attached store (if any)
// and will accept client traffic beyond the handshake.
func (r *Room) Ready() <-chan struct{} {
	return r.ready
}

// Run is the room's single goroutine: every CRDT mutation, client
// registration, and broadcast happens here, so there is exactly one
// linearization point for the document.
func (r *Room) Run() {
	if r.st != nil {
		r.replay()
	}
	r.markReady()

	if r.relay != nil {
		if err := r.relay.Subscribe(r.Path, r.onRelayedFrame); err != nil {
			roomLog.Warn("room %s: relay subscribe failed: %v", r.Path, err)
		}
	}

	expireTicker := time.NewTicker(5 * time.Second)
	defer expireTicker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.cleanup()
			return

		case c := <-r.register:
			r.handleRegister(c)

		case c := <-r.unregister:
			r.handleUnregister(c)

		case in := <-r.inbound:
			r.handleInbound(in)

		case entry := <-r.localAware:
			r.broadcastAwareness([]wire.AwarenessEntry{entry}, nil)

		case <-expireTicker.C:
			r.handleExpiry()

		case reply := <-r.countQuery:
			reply <- len(r.clients)
		}
	}
}

func (r *Room) replay() {
	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	it, err := r.st.Read(ctx)
	if err != nil {
		roomLog.Error("room %s: store replay failed, continuing without persistence: %v", r.Path, err)
		r.st = nil
		return
	}
	defer it.Close()

	count := 0
	for it.Next() {
		rec := it.Record()
		if _, err := r.Doc.Apply(rec.Update, nil); err != nil {
			roomLog.Warn("room %s: replay: rejected record: %v", r.Path, err)
			continue
		}
		count++
	}
	if err := it.Err(); err != nil {
		roomLog.Error("room %s: store replay iterator error: %v", r.Path, err)
	}
	roomLog.Info("room %s: replayed %d persisted updates", r.Path, count)
}

func (r *Room) markReady() {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	if !r.isReady {
		r.isReady = true
		close(r.ready)
	}
}

func (r *Room) handleRegister(c *ClientEntry) {
	r.clients[c.ID] = c
	r.cancelEmptyTimerLocked()
	roomLog.Info("room %s: client %s joined (total %d)", r.Path, c.ID, len(r.clients))
}

func (r *Room) handleUnregister(c *ClientEntry) {
	if _, ok := r.clients[c.ID]; !ok {
		return
	}
	delete(r.clients, c.ID)
	close(c.send)

	r.awareness.ApplyUpdate([]wire.AwarenessEntry{{ClientID: c.ClientID, Clock: ^uint64(0), State: nil}})
	r.broadcastAwareness([]wire.AwarenessEntry{{ClientID: c.ClientID, Clock: ^uint64(0), State: nil}}, nil)

	roomLog.Info("room %s: client %s left (total %d)", r.Path, c.ID, len(r.clients))

	if len(r.clients) == 0 && r.roomTTL > 0 {
		r.emptyTimer = time.AfterFunc(r.roomTTL, r.Stop)
	}
}

// cancelEmptyTimerLocked stops a pending GC timer, for a client
// rejoining an about-to-expire empty room. Only called from Run's own
// goroutine, so no locking is needed around emptyTimer itself.
func (r *Room) cancelEmptyTimerLocked() {
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
		r.emptyTimer = nil
	}
}

// handleInbound processes one decoded frame from a client: sync
// messages drive the Protocol state machine; awareness messages are
// merged and re-broadcast verbatim, never modified. A frame with no
// originating client came over the relay from another instance and
// takes the relayed path.
func (r *Room) handleInbound(in inboundFrame) {
	if in.from == nil {
		r.handleRelayed(in.frame)
		return
	}

	syncMsg, awareness, err := wire.Decode(in.frame)
	if err != nil {
		if _, ok := err.(*wire.UnknownMessage); ok {
			return
		}
		roomLog.Debug("room %s: dropping malformed frame from %s: %v", r.Path, in.from.ID, err)
		return
	}

	if awareness != nil {
		accepted := r.awareness.ApplyUpdate(awareness)
		if len(accepted) > 0 {
			r.broadcastRaw(in.frame, in.from)
			r.relayPublish(in.frame)
		}
		return
	}

	result, err := in.from.proto.HandleSync(syncMsg)
	if err != nil {
		roomLog.Warn("room %s: crdt rejected update from %s: %v", r.Path, in.from.ID, &CRDTRejected{Err: err})
		return
	}

	for _, reply := range result.Replies {
		r.sendTo(in.from, reply)
	}

	if len(result.Applied) > 0 {
		r.commit(result.Applied, in.from)
	}
}

// handleRelayed applies a frame another instance published for this
// room's path. The publishing instance already persisted the update, so
// the relayed path applies and fans out locally but never writes the
// store or re-publishes.
func (r *Room) handleRelayed(frame []byte) {
	syncMsg, awareness, err := wire.Decode(frame)
	if err != nil {
		roomLog.Debug("room %s: dropping malformed relayed frame: %v", r.Path, err)
		return
	}

	if awareness != nil {
		if accepted := r.awareness.ApplyUpdate(awareness); len(accepted) > 0 {
			r.broadcastRaw(frame, nil)
		}
		return
	}

	if syncMsg.SubType != wire.SyncUpdate {
		return
	}
	applied, err := r.Doc.Apply(syncMsg.Payload, nil)
	if err != nil {
		roomLog.Warn("room %s: crdt rejected relayed update: %v", r.Path, &CRDTRejected{Err: err})
		return
	}
	if applied {
		r.broadcastRaw(frame, nil)
	}
}

// commit is reached only after the CRDT has already applied an update
// that actually changed state (no-op updates never get here; Protocol
// filters them): persist first, then fan out to every other client, so
// store order always matches broadcast order.
func (r *Room) commit(update []byte, origin *ClientEntry) {
	if r.st != nil {
		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		err := r.st.Write(ctx, update, nil)
		cancel()
		if err != nil {
			roomLog.Error("room %s: store write failed, detaching store: %v", r.Path, err)
			r.st = nil
		}
	}

	frame := wire.EncodeUpdate(update)
	r.broadcastRaw(frame, origin)
	r.relayPublish(frame)
}

func (r *Room) relayPublish(frame []byte) {
	if r.relay == nil {
		return
	}
	if err := r.relay.Publish(r.ctx, r.Path, frame); err != nil {
		roomLog.Warn("room %s: relay publish failed: %v", r.Path, err)
	}
}

// onRelayedFrame is invoked from the relay's own goroutine; it hands the
// frame back onto the room's single goroutine via inbound so it is still
// applied under the same linearization point as local traffic.
func (r *Room) onRelayedFrame(frame []byte) {
	select {
	case r.inbound <- inboundFrame{from: nil, frame: frame}:
	case <-r.ctx.Done():
	}
}

// broadcastRaw fans frame out to every local client except origin
// (origin may be nil for a relayed frame, which has no local origin to
// skip). Overflowing a client's queue disconnects it with SlowConsumer
// without affecting anyone else.
func (r *Room) broadcastRaw(frame []byte, origin *ClientEntry) {
	for id, c := range r.clients {
		if origin != nil && id == origin.ID {
			continue
		}
		if !c.enqueue(frame) {
			roomLog.Warn("room %s: disconnecting client %s: %v", r.Path, c.ID, ErrSlowConsumer)
			go func(dead *ClientEntry) {
				r.Unregister(dead)
				dead.conn.Close()
			}(c)
		}
	}
}

// broadcastAwareness fans an awareness change out to local clients and
// to the relay, so departures and expiries observed on this instance
// reach clients connected to other instances of the same room path.
func (r *Room) broadcastAwareness(entries []wire.AwarenessEntry, origin *ClientEntry) {
	frame := wire.EncodeAwareness(entries)
	r.broadcastRaw(frame, origin)
	r.relayPublish(frame)
}

func (r *Room) sendTo(c *ClientEntry, frame []byte) {
	if !c.enqueue(frame) {
		roomLog.Warn("room %s: disconnecting client %s: %v", r.Path, c.ID, ErrSlowConsumer)
		go func() {
			r.Unregister(c)
			c.conn.Close()
		}()
	}
}

func (r *Room) handleExpiry() {
	expired := r.awareness.Expire()
	if len(expired) > 0 {
		r.broadcastAwareness(expired, nil)
	}
}

func (r *Room) cleanup() {
	r.cancelEmptyTimerLocked()
	for _, c := range r.clients {
		close(c.send)
		c.conn.Close()
	}
	r.clients = nil

	if r.relay != nil {
		r.relay.Unsubscribe(r.Path)
	}
	if r.st != nil {
		r.st.Close()
	}
	roomLog.Info("room %s: shut down", r.Path)
}

// Register admits c into the room. Safe to call from any goroutine.
func (r *Room) Register(c *ClientEntry) {
	select {
	case r.register <- c:
	case <-r.ctx.Done():
	}
}

// Unregister removes c from the room. Safe to call from any goroutine,
// and safe to call more than once for the same client.
func (r *Room) Unregister(c *ClientEntry) {
	select {
	case r.unregister <- c:
	case <-r.ctx.Done():
	}
}

// Submit feeds a raw frame received from c into the room's serialized
// ingest pipeline.
func (r *Room) Submit(c *ClientEntry, frame []byte) {
	select {
	case r.inbound <- inboundFrame{from: c, frame: frame}:
	case <-r.ctx.Done():
	}
}

// SetLocalAwareness lets a server-side local participant (rare; mostly
// used by tests) publish its own awareness state into the room.
func (r *Room) SetLocalAwareness(state []byte) {
	entry := r.awareness.SetLocalState(state)
	select {
	case r.localAware <- entry:
	case <-r.ctx.Done():
	}
}

// ClientCount returns the number of currently registered clients, via a
// round-trip onto the room's own goroutine so it never races the maps
// Run mutates.
func (r *Room) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case r.countQuery <- reply:
	case <-r.ctx.Done():
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-r.ctx.Done():
		return 0
	}
}

// Stop cancels the room; Run observes ctx.Done and cleans up.
func (r *Room) Stop() {
	r.cancel()
}
