package gateway

import (
	"sort"
	"sync"

	"wastelink.org/internal/realtime"
)

var _ realtime.Broadcaster = (*Hub)(nil)

// Hub is the live connection set of this process and the index from room
// name to joined connections. A connection's rooms change only through its
// own handlers; the hub index follows those changes.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// unregister drops c and every membership it held.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	for name := range c.rooms {
		h.removeLocked(name, c.id)
	}
}

func (h *Hub) join(c *Conn, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[name]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[name] = members
	}
	members[c.id] = c
}

func (h *Hub) leave(c *Conn, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(name, c.id)
}

func (h *Hub) removeLocked(name, connID string) {
	members, ok := h.rooms[name]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, name)
	}
}

// Emit sends event to every connection joined to room.
func (h *Hub) Emit(room, event string, data any) {
	h.EmitExcept(room, event, data, "")
}

// EmitExcept sends event to every connection joined to room except connID.
// Slow connections lose the event rather than block the caller.
func (h *Hub) EmitExcept(room, event string, data any, connID string) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id != connID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	msg := Outbound{Event: event, Data: data}
	for _, c := range targets {
		c.send(msg)
	}
}

// Members returns the ids of connections joined to room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Online reports how many connections are registered.
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
