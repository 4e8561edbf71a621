package gateway

import (
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/obs"
)

// Outbound is one server-to-client frame.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Inbound is one client-to-server frame. Data is decoded per event.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is one authenticated connection. rooms is touched only by the
// connection's reader goroutine.
type Conn struct {
	id        string
	principal auth.Principal
	out       chan Outbound
	done      chan struct{}
	limiter   *rate.Limiter
	rooms     map[string]struct{}
}

func newConn(id string, p auth.Principal, buffer int, limiter *rate.Limiter) *Conn {
	return &Conn{
		id:        id,
		principal: p,
		out:       make(chan Outbound, buffer),
		done:      make(chan struct{}),
		limiter:   limiter,
		rooms:     make(map[string]struct{}),
	}
}

// ID identifies the connection within the hub.
func (c *Conn) ID() string { return c.id }

// Principal is the authenticated identity of the connection.
func (c *Conn) Principal() auth.Principal { return c.principal }

// send queues msg without blocking. It reports false when the connection is
// closed or its buffer is full.
func (c *Conn) send(msg Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		obs.BroadcastDropped()
		return false
	}
}

func (c *Conn) joined(name string) bool {
	_, ok := c.rooms[name]
	return ok
}
