// Package room is the Room Registry: rooms keyed by ID, member sets keyed by
// connection, and a bounded per-room history ring for replay.
package room

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatserver/internal/protocol"
)

// SendTimeout bounds how long a fan-out write to one member may block before
// it is abandoned, protecting the broadcaster from one slow reader.
const SendTimeout = 50 * time.Millisecond

// maxHistory bounds the per-room replay ring (spec.md §4.3 SUPPLEMENTED).
const maxHistory = 200

// Member is one room participant as seen by the registry: just enough to
// address a send without the registry reaching into connection internals.
type Member struct {
	ConnID   string
	Username string
	Send     chan *protocol.Message
}

type room struct {
	id      string
	name    string
	created time.Time
	members map[string]*Member // connID -> member
	history []protocol.HistoryEntry
}

// Registry is the global in-memory map of rooms, guarded by one RWMutex.
// Rooms are garbage-collected the instant their last member leaves.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRegistry returns an empty room registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Create makes a new room with a fresh UUID and no members.
func (r *Registry) Create(name string) (protocol.RoomSummary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return protocol.RoomSummary{}, fmt.Errorf("room name is required")
	}

	rm := &room{
		id:      uuid.NewString(),
		name:    name,
		created: time.Now().UTC(),
		members: make(map[string]*Member),
	}

	r.mu.Lock()
	r.rooms[rm.id] = rm
	r.mu.Unlock()

	slog.Info("room created", "room_id", rm.id, "name", name)
	return summaryLocked(rm), nil
}

// Join adds member to roomID's member set, creating no new room if roomID
// does not exist.
func (r *Registry) Join(roomID string, member Member) (protocol.RoomSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return protocol.RoomSummary{}, fmt.Errorf("room not found")
	}
	rm.members[member.ConnID] = &member

	slog.Info("room joined", "room_id", roomID, "conn", member.ConnID, "username", member.Username, "members", len(rm.members))
	return summaryLocked(rm), nil
}

// Leave removes connID from roomID's member set. If the room becomes empty
// it is deleted immediately (auto-GC). Leave is idempotent: leaving a room
// you are not in, or a room that no longer exists, is not an error.
func (r *Registry) Leave(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(rm.members, connID)
	slog.Debug("room left", "room_id", roomID, "conn", connID, "members", len(rm.members))

	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		slog.Info("room garbage-collected", "room_id", roomID)
	}
}

// LeaveAll removes connID from every room it is a member of, for callers
// that do not track a single current room. Connection teardown uses Leave
// with the connection's current room instead.
func (r *Registry) LeaveAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rm := range r.rooms {
		if _, ok := rm.members[connID]; !ok {
			continue
		}
		delete(rm.members, connID)
		if len(rm.members) == 0 {
			delete(r.rooms, id)
			slog.Info("room garbage-collected", "room_id", id)
		}
	}
}

// List returns a stable snapshot of every room's summary.
func (r *Registry) List() []protocol.RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.RoomSummary, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, summaryLocked(rm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out
}

// Members returns the usernames currently in roomID, sorted for determinism.
func (r *Registry) Members(roomID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room not found")
	}
	out := make([]string, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m.Username)
	}
	sort.Strings(out)
	return out, nil
}

// AddHistory appends one entry to roomID's replay ring, evicting the oldest
// entry once the ring is full.
func (r *Registry) AddHistory(roomID string, entry protocol.HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.history = append(rm.history, entry)
	if len(rm.history) > maxHistory {
		rm.history = rm.history[len(rm.history)-maxHistory:]
	}
}

// History returns roomID's replay ring, oldest first.
func (r *Registry) History(roomID string) ([]protocol.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room not found")
	}
	out := make([]protocol.HistoryEntry, len(rm.history))
	copy(out, rm.history)
	return out, nil
}

// Broadcast fans msg out to every member of roomID except exceptConnID.
// Targets are snapshotted under the read lock, then sent after releasing
// it, so a slow or blocked member never holds up registry mutation.
//
// It returns the ConnIDs of any recipient trySend failed to reach. A failed
// send means that member's channel is full or closed — an actionable signal
// that the connection is broken — so the caller should schedule that
// connection's teardown rather than wait for the liveness sweep.
func (r *Registry) Broadcast(roomID string, msg *protocol.Message, exceptConnID string) []string {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	var targets []Member
	if ok {
		targets = make([]Member, 0, len(rm.members))
		for connID, m := range rm.members {
			if exceptConnID != "" && connID == exceptConnID {
				continue
			}
			targets = append(targets, *m)
		}
	}
	r.mu.RUnlock()

	var failed []string
	sent := 0
	for _, m := range targets {
		if trySend(m.Send, msg) {
			sent++
		} else {
			failed = append(failed, m.ConnID)
		}
	}
	slog.Debug("room broadcast", "room_id", roomID, "type", msg.Type, "recipients", sent, "total", len(targets))
	return failed
}

func summaryLocked(rm *room) protocol.RoomSummary {
	return protocol.RoomSummary{
		ID:        rm.id,
		Name:      rm.name,
		UserCount: len(rm.members),
		Created:   rm.created.Format(time.RFC3339Nano),
	}
}

func trySend(ch chan *protocol.Message, msg *protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("room trySend timeout", "type", msg.Type)
		return false
	}
}
