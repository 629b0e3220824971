package conn

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"chatserver/internal/metrics"
	"chatserver/internal/protocol"
	"chatserver/internal/qos"
	"chatserver/internal/room"
	"chatserver/internal/userstore"
)

type testHarness struct {
	server *Server
	users  *userstore.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	users, err := userstore.Open(dbPath)
	if err != nil {
		t.Fatalf("open userstore: %v", err)
	}
	t.Cleanup(func() { _ = users.Close() })

	rooms := room.NewRegistry()
	sched := qos.NewScheduler(4)
	t.Cleanup(sched.Close)

	srv := NewServer(users, rooms, sched, metrics.NewCounter(), Config{
		ReaperTick: time.Hour, // disabled for these tests
		StaleAfter: time.Hour,
	})
	return &testHarness{server: srv, users: users}
}

// pipeClient drives one side of a net.Pipe as if it were a real socket
// connection to the server, running the server's per-connection loops on
// the other end in a goroutine.
type pipeClient struct {
	conn net.Conn
}

func (h *testHarness) connectClient(t *testing.T) *pipeClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	go h.server.handle(serverConn)
	t.Cleanup(func() { _ = clientConn.Close() })
	return &pipeClient{conn: clientConn}
}

func (p *pipeClient) send(t *testing.T, kind string, payload any, priority protocol.Priority, roomID *string) {
	t.Helper()
	msg := protocol.New(kind, payload, priority, roomID)
	if err := protocol.Encode(p.conn, msg); err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
}

func (p *pipeClient) recv(t *testing.T) *protocol.Message {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := protocol.Decode(p.conn)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func (p *pipeClient) recvUntil(t *testing.T, match func(*protocol.Message) bool) *protocol.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := p.recv(t)
		if match(msg) {
			return msg
		}
	}
	t.Fatal("timed out waiting for matching message")
	return nil
}

func registerAndAuth(t *testing.T, h *testHarness, p *pipeClient, username, password string) {
	t.Helper()
	if _, err := h.users.Register(context.Background(), username, password); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	p.send(t, protocol.KindAuthRequest, protocol.AuthRequest{Username: username, Password: password}, protocol.High, nil)
	reply := p.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindAuthResponse })
	var resp protocol.AuthResponse
	if err := reply.Decode(&resp); err != nil {
		t.Fatalf("decode auth_response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected auth success, got error=%s", resp.Error)
	}
}

func TestAuthRequiredBeforeOtherKinds(t *testing.T) {
	h := newTestHarness(t)
	p := h.connectClient(t)

	p.send(t, protocol.KindListRooms, struct{}{}, protocol.Normal, nil)
	reply := p.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindError })
	var errPayload protocol.ErrorPayload
	if err := reply.Decode(&errPayload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if errPayload.Error == "" {
		t.Fatal("expected a non-empty error reason")
	}
}

func TestRegisterAuthCreateJoinTextFlow(t *testing.T) {
	h := newTestHarness(t)
	alice := h.connectClient(t)
	bob := h.connectClient(t)

	registerAndAuth(t, h, alice, "alice", "pw")
	registerAndAuth(t, h, bob, "bob", "pw")

	alice.send(t, protocol.KindCreateRoom, protocol.CreateRoomRequest{Name: "lobby"}, protocol.Normal, nil)
	created := alice.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindSuccess })
	var createdPayload map[string]any
	if err := created.Decode(&createdPayload); err != nil {
		t.Fatalf("decode create_room success: %v", err)
	}
	roomID, _ := createdPayload["room_id"].(string)
	if roomID == "" {
		t.Fatal("expected non-empty room_id")
	}

	alice.send(t, protocol.KindJoinRoom, protocol.JoinRoomRequest{RoomID: roomID}, protocol.Normal, nil)
	alice.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindSuccess })

	bob.send(t, protocol.KindJoinRoom, protocol.JoinRoomRequest{RoomID: roomID}, protocol.Normal, nil)
	bob.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindSuccess })

	// Alice should see bob's join broadcast.
	alice.recvUntil(t, func(m *protocol.Message) bool {
		return m.Type == protocol.KindUserList
	})

	alice.send(t, protocol.KindTextMessage, protocol.TextMessageRequest{Text: "hello room"}, protocol.Normal, nil)

	// Bob receives the fan-out.
	got := bob.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindTextMessage })
	var event protocol.TextMessageEvent
	if err := got.Decode(&event); err != nil {
		t.Fatalf("decode text_message: %v", err)
	}
	if event.Username != "alice" || event.Text != "hello room" {
		t.Fatalf("unexpected text event: %+v", event)
	}
}

func TestTextMessageExcludesSender(t *testing.T) {
	h := newTestHarness(t)
	alice := h.connectClient(t)

	registerAndAuth(t, h, alice, "alice", "pw")

	alice.send(t, protocol.KindCreateRoom, protocol.CreateRoomRequest{Name: "lobby"}, protocol.Normal, nil)
	created := alice.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindSuccess })
	var payload map[string]any
	created.Decode(&payload)
	roomID := payload["room_id"].(string)

	alice.send(t, protocol.KindJoinRoom, protocol.JoinRoomRequest{RoomID: roomID}, protocol.Normal, nil)
	alice.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindSuccess })

	alice.send(t, protocol.KindTextMessage, protocol.TextMessageRequest{Text: "solo"}, protocol.Normal, nil)

	// Nothing else should arrive for alice within a short window; any
	// message we do see must not be an echo of her own text.
	_ = alice.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	msg, err := protocol.Decode(alice.conn)
	if err == nil && msg.Type == protocol.KindTextMessage {
		t.Fatalf("expected no echo of sender's own text_message, got %+v", msg)
	}
}

func TestRoomHistoryReplaysMessages(t *testing.T) {
	h := newTestHarness(t)
	alice := h.connectClient(t)
	registerAndAuth(t, h, alice, "alice", "pw")

	alice.send(t, protocol.KindCreateRoom, protocol.CreateRoomRequest{Name: "lobby"}, protocol.Normal, nil)
	created := alice.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindSuccess })
	var payload map[string]any
	created.Decode(&payload)
	roomID := payload["room_id"].(string)

	alice.send(t, protocol.KindJoinRoom, protocol.JoinRoomRequest{RoomID: roomID}, protocol.Normal, nil)
	alice.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindSuccess })

	alice.send(t, protocol.KindTextMessage, protocol.TextMessageRequest{Text: "first"}, protocol.Normal, nil)
	time.Sleep(50 * time.Millisecond)

	alice.send(t, protocol.KindRoomHistory, struct{}{}, protocol.Low, nil)
	reply := alice.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindSuccess })

	var histPayload struct {
		Messages []protocol.HistoryEntry `json:"messages"`
	}
	if err := reply.Decode(&histPayload); err != nil {
		t.Fatalf("decode room_history: %v", err)
	}
	if len(histPayload.Messages) != 1 || histPayload.Messages[0].Text != "first" {
		t.Fatalf("unexpected history: %+v", histPayload.Messages)
	}
}

func TestSingleSessionDeniesSecondLogin(t *testing.T) {
	h := newTestHarness(t)
	first := h.connectClient(t)
	second := h.connectClient(t)

	registerAndAuth(t, h, first, "carol", "pw")

	second.send(t, protocol.KindAuthRequest, protocol.AuthRequest{Username: "carol", Password: "pw"}, protocol.High, nil)
	reply := second.recvUntil(t, func(m *protocol.Message) bool { return m.Type == protocol.KindAuthResponse })
	var resp protocol.AuthResponse
	reply.Decode(&resp)
	if resp.Success {
		t.Fatal("expected second login for the same username to be denied")
	}
}
