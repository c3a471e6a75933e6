package hub

import "encoding/json"

// Server->client event names.
const (
	EventSessionCreated  = "session_created"
	EventChatHistory     = "chat_history"
	EventNewMessage      = "newMessage"
	EventNewMessageAdmin = "newMessage_admin"
	EventSessionError    = "session_error"
	EventMessageError    = "message_error"
)

// Event is the wire envelope for every server->client frame.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func marshalEvent(event string, data any) ([]byte, error) {
	return json.Marshal(Event{Event: event, Data: data})
}

// SendEvent marshals and queues one envelope to a single connection.
func (h *Hub) SendEvent(conn *Connection, event string, data any) error {
	b, err := marshalEvent(event, data)
	if err != nil {
		return err
	}
	h.Send(conn, b)
	return nil
}
