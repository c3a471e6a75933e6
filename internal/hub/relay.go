package hub

import (
	"log"

	"github.com/chatsupport/relay/internal/chat"
)

// Relay fans a persisted message out to exactly two audiences: the
// session's room and the admin broadcast channel. Fire-and-forget; the
// message is already durable, so a missed frame is recovered via history
// replay on reconnect.
type Relay struct {
	hub *Hub
}

func NewRelay(h *Hub) *Relay {
	return &Relay{hub: h}
}

func (r *Relay) Deliver(msg *chat.Message) {
	if room, err := marshalEvent(EventNewMessage, msg); err != nil {
		log.Printf("relay: marshal session=%s err=%v", msg.SessionID, err)
	} else {
		r.hub.BroadcastRoom(msg.SessionID, room)
	}

	if admin, err := marshalEvent(EventNewMessageAdmin, msg); err != nil {
		log.Printf("relay: marshal admin session=%s err=%v", msg.SessionID, err)
	} else {
		r.hub.BroadcastAdmins(admin)
	}
}
