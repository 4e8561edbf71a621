// Package gateway accepts authenticated websocket connections, keeps their
// room memberships and routes inbound events through the room policy and
// the message relay.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"wastelink.org/internal/auth"
	"wastelink.org/internal/ids"
	"wastelink.org/internal/obs"
	"wastelink.org/internal/realtime"
	"wastelink.org/internal/relay"
	"wastelink.org/internal/room"
)

// Rejection reasons written to refused connection attempts.
const (
	ReasonNoToken       = "no token"
	ReasonInvalidToken  = "invalid token"
	ReasonInactive      = "account inactive"
	ReasonUnavailable   = "authentication unavailable"
	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadLimit    = 64 << 10
)

// Verifier validates access tokens.
type Verifier interface {
	VerifyAccess(ctx context.Context, token string) (auth.Principal, error)
}

// MessageRelay persists chat and forwards typing signals.
type MessageRelay interface {
	Send(ctx context.Context, sender auth.Principal, roomName, body string, kind relay.Kind, senderConn string) (relay.Message, error)
	Typing(p auth.Principal, roomName, connID string, typing bool)
}

// Config tunes a Server. Zero values take defaults.
type Config struct {
	OriginPatterns []string
	Buffer         int
	EventsPerSec   float64
	EventBurst     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
}

// Server is the http.Handler for realtime connections.
type Server struct {
	verifier Verifier
	hub      *Hub
	relay    MessageRelay
	cfg      Config
	now      func() time.Time
}

// NewServer wires the gateway.
func NewServer(v Verifier, hub *Hub, r MessageRelay, cfg Config) (*Server, error) {
	if v == nil || hub == nil || r == nil {
		return nil, errors.New("gateway: verifier, hub and relay are required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.EventsPerSec <= 0 {
		cfg.EventsPerSec = 10
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &Server{verifier: v, hub: hub, relay: r, cfg: cfg, now: time.Now}, nil
}

// Hub returns the live connection set.
func (s *Server) Hub() *Hub { return s.hub }

// ServeHTTP authenticates before upgrading. A refused attempt gets a 401
// with the reason and never reaches the hub.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := s.verifier.VerifyAccess(r.Context(), bearerToken(r))
	if err != nil {
		reason, status := rejection(err)
		obs.ConnectionRejected(reason)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		obs.ConnectionRejected("upgrade")
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(ids.New(), p, s.cfg.Buffer, rate.NewLimiter(rate.Limit(s.cfg.EventsPerSec), s.cfg.EventBurst))
	s.hub.register(c)
	obs.ConnectionOpened()
	defer s.disconnect(c)

	s.joinImplicit(c)

	go s.writeLoop(ctx, cancel, ws, c)
	s.readLoop(ctx, ws, c)
	close(c.done)
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) joinImplicit(c *Conn) {
	p := c.principal
	s.addRoom(c, room.UserRoom(p.ID))
	s.addRoom(c, room.RoleRoom(p.Role))
	if p.Location != nil && p.Location.Valid() {
		s.addRoom(c, room.AreaRoom(*p.Location))
	}
}

func (s *Server) addRoom(c *Conn, name string) {
	c.rooms[name] = struct{}{}
	s.hub.join(c, name)
}

func (s *Server) dropRoom(c *Conn, name string) {
	delete(c.rooms, name)
	s.hub.leave(c, name)
}

func (s *Server) disconnect(c *Conn) {
	s.hub.unregister(c)
	obs.ConnectionClosed()
	if c.principal.IsCollector() {
		s.hub.Emit(room.RoleRoom(auth.RoleAdmin), realtime.CollectorOffline, PresenceEvent{
			CollectorID: c.principal.ID,
			Timestamp:   s.now().UTC(),
		})
	}
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *Conn) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.send(errorEvent("text frames only"))
			continue
		}
		if !c.limiter.Allow() {
			c.send(errorEvent("rate limited"))
			continue
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			c.send(errorEvent("malformed event"))
			continue
		}
		s.dispatch(ctx, c, in)
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, c *Conn) {
	defer cancel()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			wctx, cancelWrite := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(wctx, ws, msg)
			cancelWrite()
			if err != nil {
				return
			}
		case <-ticker.C:
			pctx, cancelPing := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := ws.Ping(pctx)
			cancelPing()
			if err != nil {
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func rejection(err error) (string, int) {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return ReasonNoToken, http.StatusUnauthorized
	case errors.Is(err, auth.ErrInactiveAccount):
		return ReasonInactive, http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidToken):
		return ReasonInvalidToken, http.StatusUnauthorized
	default:
		return ReasonUnavailable, http.StatusServiceUnavailable
	}
}
