// Package clientprovider implements the client-side provider: it binds
// exactly one internal/crdt.Doc to exactly one transport.Conn, drives
// the initial handshake and the two directions of update traffic, and
// exposes an edge-triggered Synced signal. It is the client half of the
// same send-queue/dedicated-pump shape internal/sync uses on the
// server.
package clientprovider

import (
	"context"
	"sync"

	"github.com/collab-docs/ysync/internal/crdt"
	"github.com/collab-docs/ysync/internal/logger"
	syncpkg "github.com/collab-docs/ysync/internal/sync"
	"github.com/collab-docs/ysync/internal/transport"
	"github.com/collab-docs/ysync/internal/wire"
)

var log = logger.Tag("provider")

// sendQueueCapacity bounds the provider's own outbound queue; unlike the
// server's Room, a single provider only ever has one peer, so there is
// no slow-consumer policy to enforce here; an overflow would mean the
// local transport itself has stalled.
const sendQueueCapacity = 256

// Provider binds one document to one connection for the lifetime of
// that connection. Construct a fresh Provider per connection attempt;
// a Provider never reconnects on its own, that policy belongs to the
// caller.
type Provider struct {
	doc  *crdt.Doc
	conn transport.Conn
	send chan []byte

	proto *syncpkg.Protocol
	subH  crdt.Handle

	closeOnce sync.Once
	done      chan struct{}
}

// New binds doc to conn and returns a Provider ready for Run. It
// subscribes to doc's post-commit updates immediately, so local edits
// made before Run is called are not lost, they queue on send.
func New(doc *crdt.Doc, conn transport.Conn) *Provider {
	p := &Provider{
		doc:   doc,
		conn:  conn,
		send:  make(chan []byte, sendQueueCapacity),
		proto: syncpkg.NewProtocol(doc, syncpkg.RoleClient),
		done:  make(chan struct{}),
	}
	p.subH = doc.Subscribe(p.onLocalUpdate)
	return p
}

// onLocalUpdate is doc's post-commit callback: every update this
// document commits is forwarded to the peer, except the ones this
// provider's own Protocol applied (those came FROM the peer; forwarding
// them back would be an echo) and empty updates (a local Set/Delete
// always "applies" to itself, so the sender-side filter lives here).
func (p *Provider) onLocalUpdate(update []byte, origin any) {
	if origin == p.proto {
		return
	}
	if crdt.IsEmptyUpdate(update) {
		return
	}
	frame := wire.EncodeUpdate(update)
	select {
	case p.send <- frame:
	case <-p.done:
	}
}

// Synced is closed exactly once, the instant this provider's connection
// has completed the initial handshake: an edge-triggered event latched
// on first SyncStep2 receipt.
func (p *Provider) Synced() <-chan struct{} {
	return p.proto.Synced()
}

// IsSynced reports the current latched state without blocking.
func (p *Provider) IsSynced() bool {
	return p.proto.IsSynced()
}

// Run drives the provider until the connection closes or ctx is
// cancelled: it sends the opening SyncStep1, then runs the send and
// receive pumps concurrently, returning once both have stopped. The
// synced latch and the local-update subscription are both torn down
// before Run returns.
func (p *Provider) Run(ctx context.Context) error {
	defer p.teardown()

	if err := p.conn.Send(ctx, p.proto.EncodeStep1()); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- p.sendPump(ctx) }()
	go func() { errCh <- p.recvPump(ctx) }()

	err := <-errCh
	p.closeOnce.Do(func() { close(p.done) })
	p.conn.Close()
	<-errCh // wait for the other pump to observe the close and return
	return err
}

func (p *Provider) sendPump(ctx context.Context) error {
	for {
		select {
		case frame := <-p.send:
			if err := p.conn.Send(ctx, frame); err != nil {
				return err
			}
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Provider) recvPump(ctx context.Context) error {
	for {
		frame, err := p.conn.Recv(ctx)
		if err != nil {
			return err
		}
		p.handleFrame(frame)

		select {
		case <-p.done:
			return nil
		default:
		}
	}
}

// handleFrame decodes one frame and dispatches it. Malformed frames
// are dropped, not fatal: the receive loop keeps running.
func (p *Provider) handleFrame(frame []byte) {
	msg, awareness, err := wire.Decode(frame)
	if err != nil {
		if _, ok := err.(*wire.UnknownMessage); ok {
			return
		}
		log.Debug("dropping malformed frame: %v", err)
		return
	}

	if awareness != nil {
		// The client-side provider has no local Awareness registry of
		// its own in this minimal contract; callers that want awareness
		// fan-out construct an internal/sync.Awareness alongside the
		// Provider and feed decoded entries into it themselves. This
		// keeps Provider focused on document sync alone.
		return
	}

	result, err := p.proto.HandleSync(msg)
	if err != nil {
		log.Warn("crdt rejected frame: %v", err)
		return
	}
	for _, reply := range result.Replies {
		select {
		case p.send <- reply:
		case <-p.done:
			return
		}
	}
}

func (p *Provider) teardown() {
	p.doc.Unsubscribe(p.subH)
	p.proto.Reset()
}
