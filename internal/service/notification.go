package service

import (
	"encoding/json"

	"github.com/CoinFabrik/mpc-manager/internal/state"
)

// Notification is one planned fan-out. Handlers produce them; the
// connection realises them after the caller's response has been queued,
// resolving recipients against live state at that moment.
type Notification interface {
	notification()
}

// GroupNotification broadcasts to every member of a group except those
// in Filter.
type GroupNotification struct {
	GroupID state.GroupID
	Filter  []state.ClientID
	Method  string
	Message json.RawMessage
}

// SessionNotification broadcasts to every signed-up client of a session
// except those in Filter. The realising connection additionally
// excludes itself.
type SessionNotification struct {
	GroupID   state.GroupID
	SessionID state.SessionID
	Filter    []state.ClientID
	Method    string
	Message   json.RawMessage
}

// RelayNotification carries point-to-point payloads to explicit
// recipients. No exclusion applies, so a party may relay to itself.
type RelayNotification struct {
	Method   string
	Messages []RelayMessage
}

// RelayMessage pairs one recipient with its payload.
type RelayMessage struct {
	ClientID state.ClientID
	Message  json.RawMessage
}

func (*GroupNotification) notification()   {}
func (*SessionNotification) notification() {}
func (*RelayNotification) notification()   {}

// Plan accumulates the notifications of one request in emission order.
type Plan struct {
	notifications []Notification
}

// Group appends a group broadcast.
func (p *Plan) Group(groupID state.GroupID, filter []state.ClientID, method string, message json.RawMessage) {
	p.notifications = append(p.notifications, &GroupNotification{
		GroupID: groupID,
		Filter:  filter,
		Method:  method,
		Message: message,
	})
}

// Session appends a session broadcast.
func (p *Plan) Session(groupID state.GroupID, sessionID state.SessionID, filter []state.ClientID, method string, message json.RawMessage) {
	p.notifications = append(p.notifications, &SessionNotification{
		GroupID:   groupID,
		SessionID: sessionID,
		Filter:    filter,
		Method:    method,
		Message:   message,
	})
}

// Relay appends point-to-point deliveries.
func (p *Plan) Relay(method string, messages []RelayMessage) {
	p.notifications = append(p.notifications, &RelayNotification{
		Method:   method,
		Messages: messages,
	})
}

// Notifications returns the planned sequence in order.
func (p *Plan) Notifications() []Notification {
	return p.notifications
}
