package sync

import (
	"testing"

	"github.com/collab-docs/ysync/internal/crdt"
	"github.com/collab-docs/ysync/internal/wire"
)

func TestProtocolStep1ReplyCarriesDiff(t *testing.T) {
	local := crdt.NewDoc(1)
	local.Set("k", []byte(`"v"`))

	remote := crdt.NewDoc(2)

	p := NewProtocol(local, RoleServer)
	msg := &wire.SyncMessage{SubType: wire.SyncStep1, Payload: remote.StateVector()}

	result, err := p.HandleSync(msg)
	if err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	// RoleServer must reply with SyncStep2 and its own SyncStep1.
	if len(result.Replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(result.Replies))
	}

	step2, _, err := wire.Decode(result.Replies[0])
	if err != nil || step2.SubType != wire.SyncStep2 {
		t.Fatalf("reply 0 = %+v, %v, want SyncStep2", step2, err)
	}

	applied, err := remote.Apply(step2.Payload, nil)
	if err != nil || !applied {
		t.Fatalf("remote Apply(diff): applied=%v err=%v", applied, err)
	}
	v, ok := remote.Get("k")
	if !ok || string(v) != `"v"` {
		t.Fatalf("remote.Get(k) = %q, %v", v, ok)
	}

	step1, _, err := wire.Decode(result.Replies[1])
	if err != nil || step1.SubType != wire.SyncStep1 {
		t.Fatalf("reply 1 = %+v, %v, want SyncStep1", step1, err)
	}
}

func TestProtocolClientRoleDoesNotSendExtraStep1(t *testing.T) {
	local := crdt.NewDoc(1)
	p := NewProtocol(local, RoleClient)

	result, err := p.HandleSync(&wire.SyncMessage{SubType: wire.SyncStep1, Payload: crdt.NewDoc(2).StateVector()})
	if err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if len(result.Replies) != 1 {
		t.Fatalf("expected 1 reply for client role, got %d", len(result.Replies))
	}
}

func TestProtocolSyncedIsEdgeTriggeredOnFirstStep2(t *testing.T) {
	local := crdt.NewDoc(1)
	p := NewProtocol(local, RoleClient)

	if p.IsSynced() {
		t.Fatalf("should not be synced before any SyncStep2")
	}

	other := crdt.NewDoc(2)
	update := other.Set("a", []byte(`1`))

	_, err := p.HandleSync(&wire.SyncMessage{SubType: wire.SyncStep2, Payload: update})
	if err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if !p.IsSynced() {
		t.Fatalf("expected synced after first SyncStep2")
	}

	select {
	case <-p.Synced():
	default:
		t.Fatalf("Synced channel should be closed")
	}
}

func TestProtocolUpdateAppliesAndReportsEmptyAsNotApplied(t *testing.T) {
	local := crdt.NewDoc(1)
	p := NewProtocol(local, RoleServer)

	other := crdt.NewDoc(2)
	update := other.Set("x", []byte(`1`))

	result, err := p.HandleSync(&wire.SyncMessage{SubType: wire.SyncUpdate, Payload: update})
	if err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if len(result.Applied) == 0 {
		t.Fatalf("expected Applied to be set for a real update")
	}

	// Re-applying the identical bytes is a no-op: Applied must be empty.
	result2, err := p.HandleSync(&wire.SyncMessage{SubType: wire.SyncUpdate, Payload: update})
	if err != nil {
		t.Fatalf("HandleSync (replay): %v", err)
	}
	if len(result2.Applied) != 0 {
		t.Fatalf("expected no Applied on replay of the same update")
	}
}

func TestProtocolResetClearsSyncedLatch(t *testing.T) {
	local := crdt.NewDoc(1)
	p := NewProtocol(local, RoleClient)

	other := crdt.NewDoc(2)
	p.HandleSync(&wire.SyncMessage{SubType: wire.SyncStep2, Payload: other.Set("a", []byte(`1`))})
	if !p.IsSynced() {
		t.Fatalf("expected synced")
	}

	p.Reset()
	if p.IsSynced() {
		t.Fatalf("expected not synced after Reset")
	}
	select {
	case <-p.Synced():
		t.Fatalf("Synced channel should be open again after Reset")
	default:
	}
}
