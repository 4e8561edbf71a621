// Package realtime holds the wire names of realtime events and the
// Broadcaster dependency handed to components that emit them.
package realtime

import "sync"

// Inbound events sent by clients.
const (
	JoinRoom        = "join_room"
	LeaveRoom       = "leave_room"
	SendMessage     = "send_message"
	TypingStart     = "typing_start"
	TypingStop      = "typing_stop"
	LocationUpdate  = "location_update"
	TaskStatusInput = "task_status_update"
	EmergencyInput  = "emergency_alert"
)

// Outbound events emitted by the server.
const (
	NewMessage              = "new_message"
	MessageSent             = "message_sent"
	UserTyping              = "user_typing"
	UserStoppedTyping       = "user_stopped_typing"
	Error                   = "error"
	CollectorLocationUpdate = "collector_location_update"
	TaskStatusChanged       = "task_status_changed"
	EmergencyAlert          = "emergency_alert"
	CollectorOffline        = "collector_offline"
	AssignTask              = "assign_task"
	TaskUpdate              = "task_update"
	TaskReassigned          = "task_reassigned"
	ApplicationApproved     = "application_approved"
	ApplicationRejected     = "application_rejected"
	NewNotification         = "new_notification"
	ReportDeleted           = "report_deleted"
	NewReport               = "new_report"
	RoomJoined              = "room_joined"
	RoomLeft                = "room_left"
)

// Broadcaster delivers an event to the connections currently joined to a
// room. Delivery is best effort and never blocks the caller.
type Broadcaster interface {
	Emit(room, event string, data any)
	// EmitExcept skips the connection identified by connID.
	EmitExcept(room, event string, data any, connID string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, string, any)               {}
func (Nop) EmitExcept(string, string, any, string) {}

// Event is a recorded emission.
type Event struct {
	Room   string
	Name   string
	Data   any
	Except string
}

// Recorder keeps every emission in memory. Tests use it in place of the
// live connection hub.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(room, event string, data any) {
	r.EmitExcept(room, event, data, "")
}

func (r *Recorder) EmitExcept(room, event string, data any, connID string) {
	r.mu.Lock()
	r.events = append(r.events, Event{Room: room, Name: event, Data: data, Except: connID})
	r.mu.Unlock()
}

// Events returns a copy of what has been emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded emissions of one event name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
