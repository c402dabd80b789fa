package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/collab-docs/ysync/internal/crdt"
	"github.com/collab-docs/ysync/internal/store"
	"github.com/collab-docs/ysync/internal/wire"
)

func newTestServer(t *testing.T, queueCapacity int) (*Server, *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mgr := NewManager(ctx, nil, nil, queueCapacity)
	return NewServer(mgr), mgr
}

// admit drives conn through Server.Serve on its own goroutine and drains
// the initial SyncStep1 + awareness-snapshot frames the admission
// sequence always sends, so callers can start exchanging
// application frames without racing them.
func admit(t *testing.T, srv *Server, conn *fakeConn) {
	t.Helper()
	go srv.Serve(context.Background(), conn)
	recvFrame(t, conn) // server's initial SyncStep1
	recvFrame(t, conn) // server's initial awareness snapshot
}

func recvFrame(t *testing.T, conn *fakeConn) []byte {
	t.Helper()
	select {
	case f := <-conn.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// clientUpdate builds the update bytes a freshly-provisioned client
// replica would mirror onto the wire after a local Set, using senderID
// as that replica's identity so the room (which has never seen
// senderID before) always finds the write genuinely new.
func clientUpdate(senderID uint64, key string, value []byte) []byte {
	return crdt.NewDoc(senderID).Set(key, value)
}

func waitForRoom(t *testing.T, mgr *Manager, path string) *Room {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if room := mgr.GetRoom(path); room != nil {
			return room
		}
		select {
		case <-deadline:
			t.Fatalf("room %s was never created", path)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestTwoClientMapSync: client A
// joins a room and performs a local write; client B, joining afterward,
// must receive that write as part of its own SyncStep2 diff.
func TestTwoClientMapSync(t *testing.T) {
	srv, mgr := newTestServer(t, 32)

	a := newFakeConn("/room-1")
	admit(t, srv, a)
	a.pushIn(wire.EncodeSyncStep1(nil))
	recvFrame(t, a) // SyncStep2 reply
	recvFrame(t, a) // server's own unsolicited SyncStep1

	room := waitForRoom(t, mgr, "/room-1")
	update := clientUpdate(101, "key", []byte(`"value"`))
	a.pushIn(wire.EncodeUpdate(update))

	// Give the room's single goroutine a moment to ingest A's update
	// before B's handshake computes its diff.
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := room.Doc.Get("key"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("room never observed A's update")
		case <-time.After(5 * time.Millisecond):
		}
	}

	b := newFakeConn("/room-1")
	admit(t, srv, b)
	b.pushIn(wire.EncodeSyncStep1(nil))

	step2Frame := recvFrame(t, b)
	msg, _, err := wire.Decode(step2Frame)
	if err != nil || msg.SubType != wire.SyncStep2 {
		t.Fatalf("expected SyncStep2 from server, got %+v err=%v", msg, err)
	}

	bDoc := crdt.NewDoc(99)
	if applied, err := bDoc.Apply(msg.Payload, nil); err != nil || !applied {
		t.Fatalf("B's doc Apply(diff): applied=%v err=%v", applied, err)
	}
	v, ok := bDoc.Get("key")
	if !ok || string(v) != `"value"` {
		t.Fatalf("B's diff-applied doc key = %q, %v; want \"value\"", v, ok)
	}
}

// TestAtMostOnceSelfEcho: a client never receives a broadcast of the
// update it originated.
func TestAtMostOnceSelfEcho(t *testing.T) {
	srv, mgr := newTestServer(t, 32)

	a := newFakeConn("/room-echo")
	admit(t, srv, a)
	b := newFakeConn("/room-echo")
	admit(t, srv, b)

	waitForRoom(t, mgr, "/room-echo")
	update := clientUpdate(201, "k", []byte(`1`))
	a.pushIn(wire.EncodeUpdate(update))

	bFrame := recvFrame(t, b)
	msg, _, err := wire.Decode(bFrame)
	if err != nil || msg.SubType != wire.SyncUpdate {
		t.Fatalf("expected B to receive Update, got %+v err=%v", msg, err)
	}

	select {
	case f := <-a.out:
		t.Fatalf("A must not receive its own echoed update, got %x", f)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestMalformedFrameTolerance: a garbage leading byte is
// dropped, the connection stays open, and a subsequent well-formed
// Update frame from the same client is still applied.
func TestMalformedFrameTolerance(t *testing.T) {
	srv, mgr := newTestServer(t, 32)

	a := newFakeConn("/room-bad")
	admit(t, srv, a)
	a.pushIn([]byte{0xFE, 0x01, 0x02})

	room := waitForRoom(t, mgr, "/room-bad")
	update := clientUpdate(301, "ok", []byte(`true`))
	a.pushIn(wire.EncodeUpdate(update))

	deadline := time.After(2 * time.Second)
	for {
		if a.isClosed() {
			t.Fatal("connection was closed after a malformed frame")
		}
		if _, ok := room.Doc.Get("ok"); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("well-formed update after malformed frame was never applied")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestSlowConsumerDisconnect: a client whose outbound queue
// overflows is disconnected while the room keeps serving everybody else.
func TestSlowConsumerDisconnect(t *testing.T) {
	const capacity = 4
	srv, mgr := newTestServer(t, capacity)

	slow := newFakeConn("/room-slow")
	slow.stallSend = make(chan struct{}) // never closed: Send blocks forever once allowSend is spent
	slow.allowSend = 2                   // let the two admission frames through, then stall
	admit(t, srv, slow)

	fast := newFakeConn("/room-slow")
	admit(t, srv, fast)

	room := waitForRoom(t, mgr, "/room-slow")

	// An external replica whose clock advances on every Set, so each
	// pushed update is genuinely new to the room and gets broadcast.
	ext := crdt.NewDoc(401)
	for i := 0; i < capacity*5; i++ {
		update := ext.Set("k", []byte(`1`))
		fast.pushIn(wire.EncodeUpdate(update))
	}

	deadline := time.After(5 * time.Second)
	for {
		if room.ClientCount() <= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("slow consumer was never disconnected")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// TestAwarenessDeparture: awareness state published into the room (here
// by the room's local participant) reaches client B, and when client A
// then disconnects, B observes A's departure as a state=null broadcast.
func TestAwarenessDeparture(t *testing.T) {
	srv, mgr := newTestServer(t, 32)

	a := newFakeConn("/room-aware")
	admit(t, srv, a)
	b := newFakeConn("/room-aware")
	admit(t, srv, b)

	room := waitForRoom(t, mgr, "/room-aware")
	room.SetLocalAwareness([]byte(`{"user":"alice"}`))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-b.out:
			if _, entries, err := wire.Decode(frame); err == nil {
				for _, e := range entries {
					if len(e.State) > 0 {
						goto published
					}
				}
			}
		case <-deadline:
			t.Fatal("B never observed alice's awareness state")
		}
	}
published:

	a.Close() // triggers Server's readPump teardown -> room.Unregister

	deadline = time.After(2 * time.Second)
	for {
		select {
		case frame := <-b.out:
			if _, entries, err := wire.Decode(frame); err == nil {
				for _, e := range entries {
					if len(e.State) == 0 {
						return
					}
				}
			}
		case <-deadline:
			t.Fatal("B never observed a departure (state=null) broadcast")
		}
	}
}

// TestLateJoinWithPersistence: with a file store attached, client A
// writes and the server "restarts" (a fresh Manager over the same store
// path); client B joining the new instance still receives A's write
// through store replay.
func TestLateJoinWithPersistence(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "room-1.ystore")
	factory := func(_ context.Context, _ string) (store.UpdateStore, error) {
		return store.Open(storePath, 0)
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	mgr1 := NewManager(ctx1, factory, nil, 32)
	srv1 := NewServer(mgr1)

	a := newFakeConn("/room-1")
	admit(t, srv1, a)
	a.pushIn(wire.EncodeUpdate(clientUpdate(101, "clock", []byte(`1`))))

	room1 := waitForRoom(t, mgr1, "/room-1")
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := room1.Doc.Get("clock"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first instance never observed A's update")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Stop the first instance and wait for its room (and store) to be
	// fully torn down before the second instance reopens the file.
	cancel1()
	deadline = time.After(2 * time.Second)
	for mgr1.GetRoom("/room-1") != nil {
		select {
		case <-deadline:
			t.Fatal("first instance's room never shut down")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	mgr2 := NewManager(ctx2, factory, nil, 32)
	srv2 := NewServer(mgr2)

	b := newFakeConn("/room-1")
	admit(t, srv2, b)
	b.pushIn(wire.EncodeSyncStep1(nil))

	msg, _, err := wire.Decode(recvFrame(t, b))
	if err != nil || msg.SubType != wire.SyncStep2 {
		t.Fatalf("expected SyncStep2 after restart, got %+v err=%v", msg, err)
	}

	bDoc := crdt.NewDoc(102)
	if applied, err := bDoc.Apply(msg.Payload, nil); err != nil || !applied {
		t.Fatalf("Apply(replayed diff): applied=%v err=%v", applied, err)
	}
	v, ok := bDoc.Get("clock")
	if !ok || string(v) != `1` {
		t.Fatalf("clock after restart = %q, %v; want 1", v, ok)
	}
}

// TestRoomTTLClosesWhenEmpty: with RoomTTL set, a room with no clients
// is garbage collected after the configured grace period.
func TestRoomTTLClosesWhenEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(ctx, nil, nil, 8)
	mgr.RoomTTL = 50 * time.Millisecond
	srv := NewServer(mgr)

	conn := newFakeConn("/room-ttl")
	admit(t, srv, conn)
	conn.Close() // triggers readPump teardown -> room.Unregister -> empty-room timer starts

	deadline := time.After(2 * time.Second)
	for mgr.GetRoom("/room-ttl") != nil {
		select {
		case <-deadline:
			t.Fatal("empty room with RoomTTL set was never garbage collected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestRoomTTLZeroNeverCollects: rooms live forever unless RoomTTL is
// explicitly configured.
func TestRoomTTLZeroNeverCollects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(ctx, nil, nil, 8)
	srv := NewServer(mgr)

	conn := newFakeConn("/room-forever")
	admit(t, srv, conn)
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	if mgr.GetRoom("/room-forever") == nil {
		t.Fatal("room with RoomTTL=0 was garbage collected; it must live forever")
	}
}
