// Package api is the REST control plane: health, room/document stats,
// and a debug endpoint to inspect a room's state. Authentication and
// authorization are out of scope for this service, so there are no
// token-gated route groups: nothing downstream of this package has a
// user model to authorize against.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/collab-docs/ysync/internal/sync"
)

// Handler holds the dependencies REST endpoints need: just the room
// manager.
type Handler struct {
	manager *sync.Manager
}

// NewHandler returns a Handler backed by manager.
func NewHandler(manager *sync.Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes wires every endpoint onto r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)
	r.GET("/stats", h.Stats)
	r.GET("/api/rooms", h.ListRooms)
	r.GET("/api/rooms/updates/*path", h.RoomUpdateCount)
}

// HealthCheck reports process liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Stats reports the number of currently live rooms.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"roomCount": h.manager.RoomCount()})
}

// ListRooms lists every room path the manager currently owns, alongside
// its connected client count.
func (h *Handler) ListRooms(c *gin.Context) {
	paths := h.manager.RoomPaths()
	rooms := make([]gin.H, 0, len(paths))
	for _, p := range paths {
		room := h.manager.GetRoom(p)
		if room == nil {
			continue
		}
		rooms = append(rooms, gin.H{"path": p, "clients": room.ClientCount()})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// RoomUpdateCount is a debug endpoint: it reports the room's connected
// client count and the number of live (non-tombstoned) keys in the
// room's in-memory replica. It does not count persisted update records
// and does not expose document contents. path is matched
// against the same room key Server.Serve derives from the WebSocket
// upgrade request's URL (e.g. "/ws/room-1"), not a bare room name.
func (h *Handler) RoomUpdateCount(c *gin.Context) {
	path := c.Param("path")
	room := h.manager.GetRoom(path)
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":    path,
		"clients": room.ClientCount(),
		"keys":    len(room.Doc.Snapshot()),
	})
}
