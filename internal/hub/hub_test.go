package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/chatsupport/relay/internal/chat"
)

func recvOne(t *testing.T, conn *Connection) []byte {
	t.Helper()
	select {
	case data := <-conn.Send:
		return data
	case <-time.After(time.Second):
		t.Fatalf("no frame received on conn %s", conn.ID)
		return nil
	}
}

func assertEmpty(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected frame on conn %s: %s", conn.ID, data)
	default:
	}
}

func TestBroadcastRoomReachesEveryMemberOnce(t *testing.T) {
	h := New()

	a := h.NewConnection(nil)
	b := h.NewConnection(nil)
	other := h.NewConnection(nil)
	for _, c := range []*Connection{a, b, other} {
		h.Register(c)
	}
	h.JoinRoom(a, "sess-1")
	h.JoinRoom(b, "sess-1")
	h.JoinRoom(other, "sess-2")

	h.BroadcastRoom("sess-1", []byte("hello"))

	for _, c := range []*Connection{a, b} {
		if got := string(recvOne(t, c)); got != "hello" {
			t.Fatalf("conn %s got %q", c.ID, got)
		}
		assertEmpty(t, c)
	}
	assertEmpty(t, other)
}

func TestBroadcastAdminsOnlyReachesAdmins(t *testing.T) {
	h := New()

	admin := h.NewConnection(nil)
	admin.Admin = true
	user := h.NewConnection(nil)
	h.Register(admin)
	h.Register(user)
	h.JoinRoom(user, "sess-1")

	h.BroadcastAdmins([]byte("admin frame"))

	if got := string(recvOne(t, admin)); got != "admin frame" {
		t.Fatalf("admin got %q", got)
	}
	assertEmpty(t, admin)
	assertEmpty(t, user)
}

func TestBroadcastEmptyRoomIsNoop(t *testing.T) {
	h := New()
	h.BroadcastRoom("nobody-here", []byte("x"))
}

func TestUnregisterRemovesFromRoom(t *testing.T) {
	h := New()

	conn := h.NewConnection(nil)
	h.Register(conn)
	h.JoinRoom(conn, "sess-1")
	if h.RoomSize("sess-1") != 1 {
		t.Fatalf("expected room size 1")
	}

	h.Unregister(conn)
	if h.RoomSize("sess-1") != 0 {
		t.Fatalf("expected empty room after unregister")
	}
	if h.ConnectionCount() != 0 {
		t.Fatalf("expected no connections")
	}

	// idempotent, and later broadcasts must not panic on the closed channel
	h.Unregister(conn)
	h.BroadcastRoom("sess-1", []byte("x"))
	h.Send(conn, []byte("x"))
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := New()

	conn := h.NewConnection(nil)
	h.Register(conn)
	h.JoinRoom(conn, "sess-1")

	for i := 0; i < cap(conn.Send); i++ {
		conn.Send <- []byte("fill")
	}
	h.BroadcastRoom("sess-1", []byte("overflow"))

	deadline := time.Now().Add(time.Second)
	for h.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow consumer was not dropped")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRelayDeliversToRoomAndAdmins(t *testing.T) {
	h := New()
	relay := NewRelay(h)

	member := h.NewConnection(nil)
	admin := h.NewConnection(nil)
	admin.Admin = true
	h.Register(member)
	h.Register(admin)
	h.JoinRoom(member, "sess-1")

	msg := &chat.Message{ID: 7, SessionID: "sess-1", Text: "hi", Sender: chat.SenderUser, CreatedAt: time.Now()}
	relay.Deliver(msg)

	var roomEv struct {
		Event string       `json:"event"`
		Data  chat.Message `json:"data"`
	}
	if err := json.Unmarshal(recvOne(t, member), &roomEv); err != nil {
		t.Fatalf("decode room frame: %v", err)
	}
	if roomEv.Event != EventNewMessage || roomEv.Data.ID != 7 || roomEv.Data.Text != "hi" {
		t.Fatalf("unexpected room event: %+v", roomEv)
	}
	assertEmpty(t, member)

	var adminEv struct {
		Event string       `json:"event"`
		Data  chat.Message `json:"data"`
	}
	if err := json.Unmarshal(recvOne(t, admin), &adminEv); err != nil {
		t.Fatalf("decode admin frame: %v", err)
	}
	if adminEv.Event != EventNewMessageAdmin || adminEv.Data.SessionID != "sess-1" {
		t.Fatalf("unexpected admin event: %+v", adminEv)
	}
	assertEmpty(t, admin)
}
