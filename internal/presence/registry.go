package presence

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/metrics"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Sink is the registry's view of a live connection.
type Sink interface {
	ID() string
	UserID() string
	// Send queues a frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
	// Kick closes the connection from the relay side.
	Kick(reason string)
}

func PersonalRoom(userID string) string             { return "user:" + userID }
func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

type member struct {
	sink  Sink
	rooms map[string]struct{}
}

// Registry tracks live connections and their room memberships. A connection
// only ever changes its own memberships; the mutex guards readers that
// broadcast from other connections' goroutines.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*member
	rooms map[string]map[string]Sink
	users map[string]map[string]struct{}

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewRegistry(log *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]*member),
		rooms:   make(map[string]map[string]Sink),
		users:   make(map[string]map[string]struct{}),
		log:     log,
		metrics: m,
	}
}

// Register adds the connection and joins it to its user's personal room.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[s.ID()]; ok {
		return
	}
	r.conns[s.ID()] = &member{sink: s, rooms: make(map[string]struct{})}
	if _, ok := r.users[s.UserID()]; !ok {
		r.users[s.UserID()] = make(map[string]struct{})
	}
	r.users[s.UserID()][s.ID()] = struct{}{}
	r.joinLocked(s.ID(), PersonalRoom(s.UserID()))
	r.metrics.Connections.Inc()
}

// Unregister removes the connection from every room. Unknown ids are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok {
		return
	}
	for room := range m.rooms {
		r.leaveLocked(connID, room)
	}
	delete(r.conns, connID)
	uid := m.sink.UserID()
	if set, ok := r.users[uid]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, uid)
		}
	}
	r.metrics.Connections.Dec()
}

// Join reports whether membership changed.
func (r *Registry) Join(connID, room string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return false, ErrUnknownConnection
	}
	return r.joinLocked(connID, room), nil
}

func (r *Registry) Leave(connID, room string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return false, ErrUnknownConnection
	}
	return r.leaveLocked(connID, room), nil
}

func (r *Registry) joinLocked(connID, room string) bool {
	m := r.conns[connID]
	if _, ok := m.rooms[room]; ok {
		return false
	}
	m.rooms[room] = struct{}{}
	if _, ok := r.rooms[room]; !ok {
		r.rooms[room] = make(map[string]Sink)
	}
	r.rooms[room][connID] = m.sink
	return true
}

func (r *Registry) leaveLocked(connID, room string) bool {
	m := r.conns[connID]
	if _, ok := m.rooms[room]; !ok {
		return false
	}
	delete(m.rooms, room)
	if set, ok := r.rooms[room]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
	return true
}

// Broadcast queues frame on every member of room except exceptConnID and
// returns how many connections accepted it. Members whose buffer is full are
// kicked so they resync from history instead of silently missing frames.
func (r *Registry) Broadcast(room string, frame []byte, exceptConnID string) int {
	r.mu.RLock()
	targets := make([]Sink, 0, len(r.rooms[room]))
	for id, s := range r.rooms[room] {
		if id != exceptConnID {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(frame) {
			delivered++
			continue
		}
		r.metrics.SlowConsumers.Inc()
		r.log.Warn("slow consumer disconnected",
			zap.String("conn_id", s.ID()), zap.String("user_id", s.UserID()), zap.String("room", room))
		s.Kick("send buffer full")
	}
	r.metrics.Frames.Add(float64(delivered))
	return delivered
}

func (r *Registry) IsMember(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, ok = m.rooms[room]
	return ok
}

func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	return out
}

func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Online returns the number of live connections for userID.
func (r *Registry) Online(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Each calls fn for every live connection. Used at shutdown.
func (r *Registry) Each(fn func(Sink)) {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.conns))
	for _, m := range r.conns {
		sinks = append(sinks, m.sink)
	}
	r.mu.RUnlock()
	for _, s := range sinks {
		fn(s)
	}
}
