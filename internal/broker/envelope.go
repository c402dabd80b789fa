package broker

import "github.com/collab-docs/ysync/internal/wire"

// Every relayed message is tagged with its publishing instance so a
// subscriber can discard its own echo.
func encodeEnvelope(frame []byte, instanceID string) string {
	w := wire.NewWriter(len(instanceID) + len(frame) + 4)
	w.WriteBytes([]byte(instanceID))
	w.WriteBytes(frame)
	return string(w.Bytes())
}

// decodeEnvelope returns the relayed frame, or nil if it originated from
// this same instance.
func decodeEnvelope(payload string, selfInstanceID string) ([]byte, error) {
	r := wire.NewReader([]byte(payload))
	from, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	if string(from) == selfInstanceID {
		return nil, nil
	}
	frame, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return frame, nil
}
