package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"wastelink.org/internal/apperr"
	"wastelink.org/internal/auth"
	"wastelink.org/internal/obs"
	"wastelink.org/internal/realtime"
	"wastelink.org/internal/relay"
	"wastelink.org/internal/room"
)

// ErrorEvent is the payload of error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// RoomEvent acknowledges join_room and leave_room.
type RoomEvent struct {
	Room string `json:"room"`
}

// PresenceEvent is the payload of collector_offline.
type PresenceEvent struct {
	CollectorID string    `json:"collectorId"`
	Timestamp   time.Time `json:"timestamp"`
}

// LocationEvent is the payload of collector_location_update.
type LocationEvent struct {
	CollectorID string    `json:"collectorId"`
	Name        string    `json:"name,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Accuracy    float64   `json:"accuracy,omitempty"`
	Area        string    `json:"area"`
	Timestamp   time.Time `json:"timestamp"`
}

// TaskStatusEvent is the payload of task_status_changed.
type TaskStatusEvent struct {
	TaskID      string    `json:"taskId"`
	ReportID    string    `json:"reportId,omitempty"`
	Status      string    `json:"status"`
	CollectorID string    `json:"collectorId"`
	Timestamp   time.Time `json:"timestamp"`
}

// EmergencyEvent is the payload of emergency_alert.
type EmergencyEvent struct {
	From      string          `json:"from"`
	Role      auth.Role       `json:"role"`
	Message   string          `json:"message"`
	Location  json.RawMessage `json:"location,omitempty"`
	Priority  string          `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
}

type roomPayload struct {
	Room string `json:"room"`
}

type messagePayload struct {
	Room    string `json:"room"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type locationPayload struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
}

type taskStatusPayload struct {
	TaskID   string `json:"taskId"`
	Status   string `json:"status"`
	ReportID string `json:"reportId"`
}

type emergencyPayload struct {
	Message  string          `json:"message"`
	Location json.RawMessage `json:"location"`
	Priority string          `json:"priority"`
}

func (s *Server) dispatch(ctx context.Context, c *Conn, in Inbound) {
	switch in.Event {
	case realtime.JoinRoom:
		s.handleJoin(c, in.Data)
	case realtime.LeaveRoom:
		s.handleLeave(c, in.Data)
	case realtime.SendMessage:
		s.handleSend(ctx, c, in.Data)
	case realtime.TypingStart:
		s.handleTyping(c, in.Data, true)
	case realtime.TypingStop:
		s.handleTyping(c, in.Data, false)
	case realtime.LocationUpdate:
		s.handleLocation(c, in.Data)
	case realtime.TaskStatusInput:
		s.handleTaskStatus(c, in.Data)
	case realtime.EmergencyInput:
		s.handleEmergency(c, in.Data)
	default:
		c.send(errorEvent("unknown event"))
	}
}

func (s *Server) handleJoin(c *Conn, data json.RawMessage) {
	name, ok := roomName(data)
	if !ok {
		c.send(errorEvent("room is required"))
		return
	}
	if _, err := room.Authorize(c.principal, name); err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			c.send(errorEvent("invalid room"))
			return
		}
		c.send(errorEvent("not authorized to join room"))
		return
	}
	s.addRoom(c, name)
	c.send(Outbound{Event: realtime.RoomJoined, Data: RoomEvent{Room: name}})
}

func (s *Server) handleLeave(c *Conn, data json.RawMessage) {
	name, ok := roomName(data)
	if !ok {
		c.send(errorEvent("room is required"))
		return
	}
	if c.joined(name) {
		s.dropRoom(c, name)
	}
	c.send(Outbound{Event: realtime.RoomLeft, Data: RoomEvent{Room: name}})
}

func (s *Server) handleSend(ctx context.Context, c *Conn, data json.RawMessage) {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Room == "" {
		c.send(errorEvent("room and message are required"))
		return
	}
	if !c.joined(p.Room) {
		c.send(errorEvent("not a member of room"))
		return
	}
	msg, err := s.relay.Send(ctx, c.principal, p.Room, p.Message, relay.Kind(p.Type), c.id)
	if err != nil {
		if !apperr.Expected(err) {
			obs.Error("relay send failed", err, map[string]any{"room": p.Room, "principal_id": c.principal.ID})
			c.send(errorEvent("message could not be sent"))
			return
		}
		c.send(errorEvent(publicMessage(err)))
		return
	}
	c.send(Outbound{Event: realtime.MessageSent, Data: msg})
}

func (s *Server) handleTyping(c *Conn, data json.RawMessage, typing bool) {
	name, ok := roomName(data)
	if !ok {
		c.send(errorEvent("room is required"))
		return
	}
	if !c.joined(name) {
		c.send(errorEvent("not a member of room"))
		return
	}
	s.relay.Typing(c.principal, name, c.id, typing)
}

// handleLocation moves the connection to the area bucket of the reported
// point. Collector positions are also published to admins and the area.
func (s *Server) handleLocation(c *Conn, data json.RawMessage) {
	var p locationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Latitude == nil || p.Longitude == nil {
		c.send(errorEvent("latitude and longitude are required"))
		return
	}
	coords := auth.Coordinates{Latitude: *p.Latitude, Longitude: *p.Longitude}
	if !coords.Valid() {
		c.send(errorEvent("coordinates out of range"))
		return
	}
	area := room.AreaRoom(coords)
	for name := range c.rooms {
		if name != area && room.Parse(name).Kind == room.Area {
			s.dropRoom(c, name)
		}
	}
	if !c.joined(area) {
		s.addRoom(c, area)
	}
	if !c.principal.IsCollector() {
		return
	}
	evt := LocationEvent{
		CollectorID: c.principal.ID,
		Name:        c.principal.Name,
		Latitude:    coords.Latitude,
		Longitude:   coords.Longitude,
		Accuracy:    p.Accuracy,
		Area:        area,
		Timestamp:   s.now().UTC(),
	}
	s.hub.Emit(room.RoleRoom(auth.RoleAdmin), realtime.CollectorLocationUpdate, evt)
	s.hub.EmitExcept(area, realtime.CollectorLocationUpdate, evt, c.id)
}

func (s *Server) handleTaskStatus(c *Conn, data json.RawMessage) {
	if !c.principal.IsCollector() {
		c.send(errorEvent("only collectors can report task status"))
		return
	}
	var p taskStatusPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TaskID == "" || p.Status == "" {
		c.send(errorEvent("taskId and status are required"))
		return
	}
	s.hub.Emit(room.RoleRoom(auth.RoleAdmin), realtime.TaskStatusChanged, TaskStatusEvent{
		TaskID:      p.TaskID,
		ReportID:    p.ReportID,
		Status:      p.Status,
		CollectorID: c.principal.ID,
		Timestamp:   s.now().UTC(),
	})
}

func (s *Server) handleEmergency(c *Conn, data json.RawMessage) {
	var p emergencyPayload
	if err := json.Unmarshal(data, &p); err != nil || strings.TrimSpace(p.Message) == "" {
		c.send(errorEvent("message is required"))
		return
	}
	priority := strings.TrimSpace(p.Priority)
	if priority == "" {
		priority = "high"
	}
	s.hub.Emit(room.RoleRoom(auth.RoleAdmin), realtime.EmergencyAlert, EmergencyEvent{
		From:      c.principal.ID,
		Role:      c.principal.Role,
		Message:   strings.TrimSpace(p.Message),
		Location:  p.Location,
		Priority:  priority,
		Timestamp: s.now().UTC(),
	})
}

// roomName accepts either a bare JSON string or {"room": "..."}.
func roomName(data json.RawMessage) (string, bool) {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		name = strings.TrimSpace(name)
		return name, name != ""
	}
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", false
	}
	p.Room = strings.TrimSpace(p.Room)
	return p.Room, p.Room != ""
}

func errorEvent(msg string) Outbound {
	return Outbound{Event: realtime.Error, Data: ErrorEvent{Message: msg}}
}

// publicMessage strips the category prefix from an expected error.
func publicMessage(err error) string {
	msg := err.Error()
	if _, rest, ok := strings.Cut(msg, ": "); ok {
		return rest
	}
	return msg
}
