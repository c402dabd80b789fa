package sync

import (
	"context"

	"github.com/collab-docs/ysync/internal/logger"
	"github.com/collab-docs/ysync/internal/transport"
)

var serverLog = logger.Tag("server")

// Server routes an admitted connection to a room and runs its
// per-client receive/send pumps. It has exactly one entrypoint, Serve,
// and is driven entirely through the transport.Conn capability
// contract rather than gorilla/websocket directly.
type Server struct {
	manager *Manager
}

// NewServer returns a Server routing onto manager.
func NewServer(manager *Manager) *Server {
	return &Server{manager: manager}
}

// Serve admits conn, blocks for the lifetime of the connection, and
// returns once it has been fully torn down. It is safe to call
// concurrently for distinct connections.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	path := conn.Path()

	room, err := s.manager.GetOrCreateRoom(ctx, path)
	if err != nil {
		conn.Close()
		return err
	}

	select {
	case <-room.Ready():
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	clientID := s.manager.NextClientID()
	proto := NewProtocol(room.Doc, RoleServer)
	client := newClientEntry(clientID, conn, proto, s.manager.queueCapacity)

	room.Register(client)

	if err := conn.Send(ctx, proto.EncodeStep1()); err != nil {
		room.Unregister(client)
		conn.Close()
		return err
	}
	if err := conn.Send(ctx, room.AwarenessSnapshot()); err != nil {
		room.Unregister(client)
		conn.Close()
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(ctx, client)
	}()

	s.readPump(ctx, client, room)

	// Unregister before waiting on the write pump: handleUnregister
	// closes client.send, which is what ends writePump's drain loop.
	room.Unregister(client)
	conn.Close()
	<-done
	return nil
}

func (s *Server) readPump(ctx context.Context, client *ClientEntry, room *Room) {
	for {
		frame, err := client.conn.Recv(ctx)
		if err != nil {
			return
		}
		room.Submit(client, frame)
	}
}

func (s *Server) writePump(ctx context.Context, client *ClientEntry) {
	for frame := range client.send {
		if err := client.conn.Send(ctx, frame); err != nil {
			serverLog.Debug("client %s: write failed, dropping: %v", client.ID, err)
			// Unblock readPump's Recv so Serve can tear the client down.
			client.conn.Close()
			return
		}
	}
}
