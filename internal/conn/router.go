package conn

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"chatserver/internal/protocol"
	"chatserver/internal/userstore"
)

// dispatch is the Message Router: one switch over every known kind,
// enforcing each handler's pre-state (spec.md §4.6) before acting.
func (s *Server) dispatch(c *Connection, msg *protocol.Message) {
	if !protocol.KnownKind(msg.Type) {
		c.trySend(s.errorMsg("unknown message kind: " + msg.Type))
		return
	}

	_, authed := c.identity()

	switch msg.Type {
	case protocol.KindAuthRequest:
		s.handleAuth(c, msg)
	case protocol.KindRegisterRequest:
		s.handleRegister(c, msg)
	case protocol.KindHeartbeat:
		// touchHeartbeat already ran in readLoop before this was scheduled.
		c.trySend(protocol.New(protocol.KindHeartbeat, struct{}{}, protocol.High, nil))
	default:
		if !authed {
			c.trySend(s.errorMsg("authentication required"))
			return
		}
		switch msg.Type {
		case protocol.KindCreateRoom:
			s.handleCreateRoom(c, msg)
		case protocol.KindJoinRoom:
			s.handleJoinRoom(c, msg)
		case protocol.KindLeaveRoom:
			s.handleLeaveRoom(c, msg)
		case protocol.KindListRooms:
			s.handleListRooms(c, msg)
		case protocol.KindTextMessage:
			s.handleTextMessage(c, msg)
		case protocol.KindFileTransfer, protocol.KindFileChunk:
			s.handleFileRelay(c, msg)
		case protocol.KindRoomHistory:
			s.handleRoomHistory(c, msg)
		case protocol.KindUserList:
			s.handleUserList(c, msg)
		default:
			c.trySend(s.errorMsg("unsupported message kind: " + msg.Type))
		}
	}
}

func (s *Server) errorMsg(reason string) *protocol.Message {
	return protocol.New(protocol.KindError, protocol.ErrorPayload{Error: reason}, protocol.High, nil)
}

func (s *Server) handleAuth(c *Connection, msg *protocol.Message) {
	var req protocol.AuthRequest
	if err := msg.Decode(&req); err != nil {
		c.trySend(s.errorMsg("malformed auth_request"))
		return
	}

	rec, err := s.users.Authenticate(context.Background(), req.Username, req.Password, c.id)
	if err != nil {
		reply := protocol.AuthResponse{Success: false, Error: authErrorMessage(err)}
		c.trySend(protocol.New(protocol.KindAuthResponse, reply, protocol.High, nil))
		return
	}

	c.setAuthenticated(rec.Username)
	if s.metrics != nil {
		s.metrics.SessionAuthenticated()
	}
	slog.Info("connection authenticated", "conn", c.id, "username", rec.Username)

	c.trySend(protocol.New(protocol.KindAuthResponse, protocol.AuthResponse{
		Success:  true,
		UserID:   rec.ID,
		Username: rec.Username,
	}, protocol.High, nil))
}

func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, userstore.ErrAlreadyLoggedIn):
		return "user already has an active session"
	case errors.Is(err, userstore.ErrBadCredentials):
		return "invalid username or password"
	default:
		return "authentication failed"
	}
}

func (s *Server) handleRegister(c *Connection, msg *protocol.Message) {
	var req protocol.RegisterRequest
	if err := msg.Decode(&req); err != nil {
		c.trySend(s.errorMsg("malformed register_request"))
		return
	}

	rec, err := s.users.Register(context.Background(), req.Username, req.Password)
	if err != nil {
		reply := protocol.RegisterResponse{Success: false, Error: registerErrorMessage(err)}
		c.trySend(protocol.New(protocol.KindRegisterResponse, reply, protocol.High, nil))
		return
	}

	c.trySend(protocol.New(protocol.KindRegisterResponse, protocol.RegisterResponse{
		Success: true,
		UserID:  rec.ID,
	}, protocol.High, nil))
}

func registerErrorMessage(err error) string {
	switch {
	case errors.Is(err, userstore.ErrUsernameTaken):
		return "username already taken"
	case errors.Is(err, userstore.ErrInvalidUsername), errors.Is(err, userstore.ErrInvalidPassword):
		return "username and password are required"
	default:
		return "registration failed"
	}
}

func (s *Server) handleCreateRoom(c *Connection, msg *protocol.Message) {
	var req protocol.CreateRoomRequest
	if err := msg.Decode(&req); err != nil {
		c.trySend(s.errorMsg("malformed create_room"))
		return
	}

	summary, err := s.rooms.Create(req.Name)
	if err != nil {
		c.trySend(s.errorMsg(err.Error()))
		return
	}

	c.trySend(protocol.New(protocol.KindSuccess, protocol.SuccessPayload{
		"room_id": summary.ID,
		"name":    summary.Name,
	}, protocol.Normal, nil))
}

func (s *Server) handleJoinRoom(c *Connection, msg *protocol.Message) {
	var req protocol.JoinRoomRequest
	if err := msg.Decode(&req); err != nil {
		c.trySend(s.errorMsg("malformed join_room"))
		return
	}

	username, _ := c.identity()

	// Leave any previously joined room first; a connection is a member of
	// at most one room at a time.
	if prev := c.currentRoom(); prev != "" {
		s.rooms.Leave(prev, c.id)
		if failed := s.rooms.Broadcast(prev, protocol.New(protocol.KindUserList, protocol.UserListEvent{
			Action:   "leave",
			Username: username,
		}, protocol.Normal, &prev), c.id); len(failed) > 0 {
			s.reapBroken(failed)
		}
	}

	summary, err := s.rooms.Join(req.RoomID, roomMember(c, username))
	if err != nil {
		c.trySend(s.errorMsg(err.Error()))
		return
	}
	c.setRoom(req.RoomID)

	c.trySend(protocol.New(protocol.KindSuccess, protocol.SuccessPayload{
		"room_id": summary.ID,
	}, protocol.Normal, &req.RoomID))

	if failed := s.rooms.Broadcast(req.RoomID, protocol.New(protocol.KindUserList, protocol.UserListEvent{
		Action:   "join",
		Username: username,
	}, protocol.Normal, &req.RoomID), c.id); len(failed) > 0 {
		s.reapBroken(failed)
	}
}

// handleLeaveRoom implements the LEAVE_ROOM row of spec.md §4.6: leave,
// broadcast a user_list leave event, then clear the connection's current
// room. The original Python's _handle_leave_room is an empty stub; this is
// the redefined behavior spec.md's design notes call for.
func (s *Server) handleLeaveRoom(c *Connection, _ *protocol.Message) {
	roomID := c.currentRoom()
	if roomID == "" {
		c.trySend(s.errorMsg("not in a room"))
		return
	}

	username, _ := c.identity()
	s.rooms.Leave(roomID, c.id)
	if failed := s.rooms.Broadcast(roomID, protocol.New(protocol.KindUserList, protocol.UserListEvent{
		Action:   "leave",
		Username: username,
	}, protocol.Normal, &roomID), c.id); len(failed) > 0 {
		s.reapBroken(failed)
	}
	c.setRoom("")

	c.trySend(protocol.New(protocol.KindSuccess, protocol.SuccessPayload{}, protocol.Normal, nil))
}

func (s *Server) handleListRooms(c *Connection, _ *protocol.Message) {
	rooms := s.rooms.List()
	c.trySend(protocol.New(protocol.KindRoomInfo, protocol.RoomInfoPayload{Rooms: rooms}, protocol.Normal, nil))
}

func (s *Server) handleTextMessage(c *Connection, msg *protocol.Message) {
	roomID := c.currentRoom()
	if roomID == "" {
		c.trySend(s.errorMsg("not in a room"))
		return
	}

	var req protocol.TextMessageRequest
	if err := msg.Decode(&req); err != nil {
		c.trySend(s.errorMsg("malformed text_message"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.trySend(s.errorMsg("text is required"))
		return
	}

	username, _ := c.identity()
	ts := protocol.Now()

	s.rooms.AddHistory(roomID, protocol.HistoryEntry{Username: username, Text: req.Text, Timestamp: ts})

	// The sender is excluded from the fan-out; clients echo their own
	// outgoing messages locally rather than waiting for a server round trip.
	if failed := s.rooms.Broadcast(roomID, protocol.New(protocol.KindTextMessage, protocol.TextMessageEvent{
		Username:  username,
		Text:      req.Text,
		Timestamp: ts,
	}, protocol.Normal, &roomID), c.id); len(failed) > 0 {
		s.reapBroken(failed)
	}

	if s.metrics != nil {
		s.metrics.BytesTransferred(int64(len(req.Text)))
	}
}

// handleFileRelay forwards file_transfer/file_chunk frames to the rest of
// the room verbatim. The server never inspects or persists chunk bodies —
// receiver-side reassembly and disk persistence are explicit Non-goals.
func (s *Server) handleFileRelay(c *Connection, msg *protocol.Message) {
	roomID := c.currentRoom()
	if roomID == "" {
		c.trySend(s.errorMsg("not in a room"))
		return
	}
	if failed := s.rooms.Broadcast(roomID, msg, c.id); len(failed) > 0 {
		s.reapBroken(failed)
	}
}

// handleUserList replies with the current member snapshot of c's room
// (spec.md §4.6 USER_LIST request row), distinct from the user_list
// join/leave events broadcast elsewhere in this file.
func (s *Server) handleUserList(c *Connection, _ *protocol.Message) {
	roomID := c.currentRoom()
	if roomID == "" {
		c.trySend(s.errorMsg("not in a room"))
		return
	}

	users, err := s.rooms.Members(roomID)
	if err != nil {
		c.trySend(s.errorMsg(err.Error()))
		return
	}

	c.trySend(protocol.New(protocol.KindUserList, protocol.UserListReply{Users: users}, protocol.Normal, &roomID))
}

func (s *Server) handleRoomHistory(c *Connection, _ *protocol.Message) {
	roomID := c.currentRoom()
	if roomID == "" {
		c.trySend(s.errorMsg("not in a room"))
		return
	}

	entries, err := s.rooms.History(roomID)
	if err != nil {
		c.trySend(s.errorMsg(err.Error()))
		return
	}

	c.trySend(protocol.New(protocol.KindSuccess, protocol.SuccessPayload{
		"messages": entries,
	}, protocol.Low, &roomID))
}
