package sync

import (
	"context"
	"io"
	"sync"
)

// fakeConn is an in-memory transport.Conn standing in for a real
// WebSocket: Room and Server are written against the capability
// contract, so a fake is enough to exercise them.
type fakeConn struct {
	path string

	out chan []byte // frames the Server wrote to the client (Send)
	in  chan []byte // frames the test injects as client input (Recv)

	stallSend chan struct{} // non-nil and open: Send blocks until closed or the conn closes
	allowSend int           // number of Send calls to let through before stallSend applies

	closeCh   chan struct{}
	closeOnce sync.Once
}

func newFakeConn(path string) *fakeConn {
	return &fakeConn{
		path:    path,
		out:     make(chan []byte, 64),
		in:      make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeConn) Path() string { return f.path }

func (f *fakeConn) Send(ctx context.Context, frame []byte) error {
	if f.stallSend != nil && f.allowSend <= 0 {
		select {
		case <-f.stallSend:
		case <-f.closeCh:
			return io.ErrClosedPipe
		}
	}
	if f.allowSend > 0 {
		f.allowSend--
	}
	select {
	case f.out <- frame:
		return nil
	case <-f.closeCh:
		return io.ErrClosedPipe
	}
}

func (f *fakeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-f.closeCh:
		return nil, io.EOF
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closeCh) })
	return nil
}

func (f *fakeConn) pushIn(frame []byte) {
	f.in <- frame
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closeCh:
		return true
	default:
		return false
	}
}
