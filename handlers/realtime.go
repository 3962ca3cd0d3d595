package handlers

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/wattline/home-energy/backend/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The auth frame is the access control; the origin check would
	// only block the mobile clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type RealtimeHandler struct {
	hub *services.Hub
}

func NewRealtimeHandler(hub *services.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// Serve upgrades the connection and hands it to the hub. The client
// must authenticate with a bearer token frame before it receives
// anything.
func (h *RealtimeHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ERROR: Websocket upgrade failed: %v", err)
		return
	}
	h.hub.Register(conn)
}
