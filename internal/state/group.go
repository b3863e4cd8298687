package state

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Group is a set of clients that agreed on (n,t) parameters, plus the
// sessions they run. Like Session, a Group is guarded by the Registry's
// groups lock rather than a lock of its own.
type Group struct {
	ID     GroupID
	Params Parameters

	clients  map[ClientID]struct{}
	sessions map[SessionID]*Session
}

func newGroup(params Parameters) *Group {
	return &Group{
		ID:       uuid.New(),
		Params:   params,
		clients:  make(map[ClientID]struct{}),
		sessions: make(map[SessionID]*Session),
	}
}

// AddClient inserts the client while the group holds fewer than n
// members. The capacity check runs first, so even a current member is
// rejected once the group is full.
func (g *Group) AddClient(client ClientID) error {
	if g.IsFull() {
		return &GroupFullError{Group: g.ID}
	}
	g.clients[client] = struct{}{}
	return nil
}

// DropClient removes the client from the group and scrubs its party
// signups from every session.
func (g *Group) DropClient(client ClientID) {
	delete(g.clients, client)
	for _, s := range g.sessions {
		s.RemoveClient(client)
	}
}

// AddSession creates a session with a fresh id. Groups may run any
// number of sessions concurrently.
func (g *Group) AddSession(kind SessionKind, value json.RawMessage) *Session {
	s := newSession(kind, value)
	g.sessions[s.ID] = s
	return s
}

// Session looks up a session by id.
func (g *Group) Session(id SessionID) (*Session, bool) {
	s, ok := g.sessions[id]
	return s, ok
}

// IsFull reports whether the group reached its n clients.
func (g *Group) IsFull() bool {
	return len(g.clients) >= int(g.Params.Parties)
}

// IsEmpty reports whether no clients remain.
func (g *Group) IsEmpty() bool {
	return len(g.clients) == 0
}

// NumClients returns the current member count.
func (g *Group) NumClients() int {
	return len(g.clients)
}

// NumSessions returns the live session count.
func (g *Group) NumSessions() int {
	return len(g.sessions)
}

// ClientIDs returns the member ids in no particular order.
func (g *Group) ClientIDs() []ClientID {
	ids := make([]ClientID, 0, len(g.clients))
	for id := range g.clients {
		ids = append(ids, id)
	}
	return ids
}

// Info returns the wire projection: id and parameters only. Membership
// never serialises.
func (g *Group) Info() GroupInfo {
	return GroupInfo{ID: g.ID, Params: g.Params}
}

// GroupInfo is the client-visible view of a group.
type GroupInfo struct {
	ID     GroupID    `json:"id"`
	Params Parameters `json:"params"`
}
