package wire

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 16384, 1 << 40}
	w := NewWriter(0)
	for _, v := range values {
		w.WriteUvarint(v)
	}

	r := NewReader(w.Bytes())
	for _, want := range values {
		got, err := r.ReadUvarint()
		if err != nil {
			t.Fatalf("ReadUvarint: %v", err)
		}
		if got != want {
			t.Fatalf("ReadUvarint = %d, want %d", got, want)
		}
	}
}

func TestBytesRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.WriteBytes([]byte("state-vector"))
	w.WriteBytes(nil)

	r := NewReader(w.Bytes())
	got, err := r.ReadBytes()
	if err != nil || string(got) != "state-vector" {
		t.Fatalf("ReadBytes = %q, %v", got, err)
	}
	got, err = r.ReadBytes()
	if err != nil || len(got) != 0 {
		t.Fatalf("ReadBytes empty = %q, %v", got, err)
	}
}

func TestSyncStep1RoundTrip(t *testing.T) {
	frame := EncodeSyncStep1([]byte{1, 2, 3})
	sync, awareness, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if awareness != nil {
		t.Fatalf("expected nil awareness, got %v", awareness)
	}
	if sync.SubType != SyncStep1 {
		t.Fatalf("SubType = %d, want SyncStep1", sync.SubType)
	}
	if string(sync.Payload) != "\x01\x02\x03" {
		t.Fatalf("Payload = %v", sync.Payload)
	}
}

func TestAwarenessRoundTrip(t *testing.T) {
	entries := []AwarenessEntry{
		{ClientID: 7, Clock: 1, State: []byte(`{"user":"alice"}`)},
		{ClientID: 8, Clock: 3, State: nil},
	}
	frame := EncodeAwareness(entries)

	sync, got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sync != nil {
		t.Fatalf("expected nil sync, got %v", sync)
	}
	if len(got) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(got))
	}
	if got[0].ClientID != 7 || got[0].Clock != 1 || string(got[0].State) != `{"user":"alice"}` {
		t.Fatalf("entry 0 = %+v", got[0])
	}
	if got[1].ClientID != 8 || len(got[1].State) != 0 {
		t.Fatalf("entry 1 = %+v", got[1])
	}
}

func TestDecodeUnknownTopLevelTag(t *testing.T) {
	_, _, err := Decode([]byte{0xFE, 1, 2, 3})
	if _, ok := err.(*UnknownMessage); !ok {
		t.Fatalf("expected *UnknownMessage, got %T: %v", err, err)
	}
}

func TestDecodeTruncatedFrameIsTolerant(t *testing.T) {
	// A sync frame missing its payload must decode to a DecodeError, not panic.
	_, _, err := Decode([]byte{MessageSync, SyncStep1})
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
}
