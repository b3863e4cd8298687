// Package state holds the coordinator's in-memory model: connected
// clients, groups and their sessions. Nothing is persisted; a client's
// footprint disappears with its connection.
package state

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CoinFabrik/mpc-manager/internal/metrics"
)

// Identifier aliases. All three are UUIDs minted by the server.
type (
	ClientID  = uuid.UUID
	GroupID   = uuid.UUID
	SessionID = uuid.UUID
)

// PartyNumber identifies a party within a session, starting at 1.
type PartyNumber = uint16

// Sink is the producing end of a connection's outbound queue. Pushes
// never block; a sink whose connection is gone returns an error and the
// message is dropped.
type Sink interface {
	Push(msg []byte) error
}

// Registry is the root of all coordinator state: connected clients and
// live groups, each behind its own RWMutex. Mutating operations
// validate under the read lock first and re-validate after taking the
// write lock, so a group may vanish between the two phases without
// corrupting anything.
type Registry struct {
	clientsMu sync.RWMutex
	clients   map[ClientID]Sink

	groupsMu sync.RWMutex
	groups   map[GroupID]*Group

	log zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		clients: make(map[ClientID]Sink),
		groups:  make(map[GroupID]*Group),
		log:     logger.With().Str("component", "registry").Logger(),
	}
}

// NewClientID mints the identity for a fresh connection.
func NewClientID() ClientID {
	return uuid.New()
}

// AddClient registers the connection's outbound sink under its id.
func (r *Registry) AddClient(id ClientID, sink Sink) {
	r.clientsMu.Lock()
	r.clients[id] = sink
	r.clientsMu.Unlock()
}

// Client returns the sink for a connected client.
func (r *Registry) Client(id ClientID) (Sink, error) {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	sink, ok := r.clients[id]
	if !ok {
		return nil, &ClientNotFoundError{Client: id}
	}
	return sink, nil
}

// DropClient runs disconnect cleanup: scrub the client from every group
// and session, delete groups left empty, then forget the client entry.
// Groups are cleaned before the client entry goes, so a concurrent
// fan-out either still reaches the client or no longer finds it in any
// group.
func (r *Registry) DropClient(id ClientID) {
	r.groupsMu.Lock()
	for gid, g := range r.groups {
		g.DropClient(id)
		if g.IsEmpty() {
			r.log.Info().Str("group_id", gid.String()).Msg("removing empty group")
			delete(r.groups, gid)
		}
	}
	r.publishGauges()
	r.groupsMu.Unlock()

	r.clientsMu.Lock()
	delete(r.clients, id)
	r.clientsMu.Unlock()
}

// AddGroup registers a group under a fresh id. Params must have passed
// Validate.
func (r *Registry) AddGroup(params Parameters) GroupInfo {
	g := newGroup(params)

	r.groupsMu.Lock()
	r.groups[g.ID] = g
	r.publishGauges()
	r.groupsMu.Unlock()

	r.log.Info().
		Str("group_id", g.ID.String()).
		Uint16("n", params.Parties).
		Uint16("t", params.Threshold).
		Msg("group created")
	return g.Info()
}

// Group returns the sanitised view of a group.
func (r *Registry) Group(id GroupID) (GroupInfo, error) {
	r.groupsMu.RLock()
	defer r.groupsMu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return GroupInfo{}, &GroupNotFoundError{Group: id}
	}
	return g.Info(), nil
}

// JoinGroup adds the client to the group. Existence and capacity are
// checked under the read lock; the insert under the write lock
// re-validates both.
func (r *Registry) JoinGroup(groupID GroupID, clientID ClientID) (GroupInfo, error) {
	r.groupsMu.RLock()
	g, ok := r.groups[groupID]
	if !ok {
		r.groupsMu.RUnlock()
		return GroupInfo{}, &GroupNotFoundError{Group: groupID}
	}
	full := g.IsFull()
	r.groupsMu.RUnlock()
	if full {
		return GroupInfo{}, &GroupFullError{Group: groupID}
	}

	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()
	g, ok = r.groups[groupID]
	if !ok {
		return GroupInfo{}, &GroupNotFoundError{Group: groupID}
	}
	if err := g.AddClient(clientID); err != nil {
		return GroupInfo{}, err
	}
	return g.Info(), nil
}

// AddSession opens a session inside the group. The caller does not have
// to be a group member; only the group's existence is checked.
func (r *Registry) AddSession(groupID GroupID, kind SessionKind, value json.RawMessage) (GroupInfo, SessionInfo, error) {
	r.groupsMu.RLock()
	_, ok := r.groups[groupID]
	r.groupsMu.RUnlock()
	if !ok {
		return GroupInfo{}, SessionInfo{}, &GroupNotFoundError{Group: groupID}
	}

	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return GroupInfo{}, SessionInfo{}, &GroupNotFoundError{Group: groupID}
	}
	s := g.AddSession(kind, value)
	r.publishGauges()

	r.log.Info().
		Str("group_id", groupID.String()).
		Str("session_id", s.ID.String()).
		Str("kind", string(kind)).
		Msg("session created")
	return g.Info(), s.Info(), nil
}

// SignupSession assigns the next free party number to the client. The
// returned flag reports whether the session now satisfies its
// threshold.
func (r *Registry) SignupSession(clientID ClientID, groupID GroupID, sessionID SessionID) (GroupInfo, SessionInfo, PartyNumber, bool, error) {
	if err := r.ValidateGroupAndSession(groupID, sessionID); err != nil {
		return GroupInfo{}, SessionInfo{}, 0, false, err
	}

	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return GroupInfo{}, SessionInfo{}, 0, false, &GroupNotFoundError{Group: groupID}
	}
	s, ok := g.Session(sessionID)
	if !ok {
		return GroupInfo{}, SessionInfo{}, 0, false, &SessionNotFoundError{Group: groupID, Session: sessionID}
	}

	number := s.Signup(clientID)
	reached := g.Params.ThresholdReached(s.Kind, s.NumParties())
	return g.Info(), s.Info(), number, reached, nil
}

// LoginSession claims an explicit party number for the client,
// typically one remembered from an earlier keygen run.
func (r *Registry) LoginSession(clientID ClientID, groupID GroupID, sessionID SessionID, number PartyNumber) (GroupInfo, SessionInfo, bool, error) {
	if err := r.ValidateGroupAndSession(groupID, sessionID); err != nil {
		return GroupInfo{}, SessionInfo{}, false, err
	}

	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return GroupInfo{}, SessionInfo{}, false, &GroupNotFoundError{Group: groupID}
	}
	s, ok := g.Session(sessionID)
	if !ok {
		return GroupInfo{}, SessionInfo{}, false, &SessionNotFoundError{Group: groupID, Session: sessionID}
	}

	if err := s.Login(clientID, number); err != nil {
		return GroupInfo{}, SessionInfo{}, false, err
	}
	reached := g.Params.ThresholdReached(s.Kind, s.NumParties())
	return g.Info(), s.Info(), reached, nil
}

// ClientIDsInGroup returns the ids of every client in the group.
func (r *Registry) ClientIDsInGroup(groupID GroupID) ([]ClientID, error) {
	r.groupsMu.RLock()
	defer r.groupsMu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return nil, &GroupNotFoundError{Group: groupID}
	}
	return g.ClientIDs(), nil
}

// ClientIDsInSession returns the ids of every signed-up client.
func (r *Registry) ClientIDsInSession(groupID GroupID, sessionID SessionID) ([]ClientID, error) {
	r.groupsMu.RLock()
	defer r.groupsMu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return nil, &GroupNotFoundError{Group: groupID}
	}
	s, ok := g.Session(sessionID)
	if !ok {
		return nil, &SessionNotFoundError{Group: groupID, Session: sessionID}
	}
	return s.ClientIDs(), nil
}

// ClientIDForParty resolves a party number to its client.
func (r *Registry) ClientIDForParty(groupID GroupID, sessionID SessionID, number PartyNumber) (ClientID, error) {
	r.groupsMu.RLock()
	defer r.groupsMu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return ClientID{}, &GroupNotFoundError{Group: groupID}
	}
	s, ok := g.Session(sessionID)
	if !ok {
		return ClientID{}, &SessionNotFoundError{Group: groupID, Session: sessionID}
	}
	c, ok := s.Client(number)
	if !ok {
		return ClientID{}, &PartyNotFoundError{Party: number}
	}
	return c, nil
}

// PartyNumberForClient resolves a client to the party number it holds
// in the session.
func (r *Registry) PartyNumberForClient(groupID GroupID, sessionID SessionID, clientID ClientID) (PartyNumber, error) {
	r.groupsMu.RLock()
	defer r.groupsMu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return 0, &GroupNotFoundError{Group: groupID}
	}
	s, ok := g.Session(sessionID)
	if !ok {
		return 0, &SessionNotFoundError{Group: groupID, Session: sessionID}
	}
	n, ok := s.PartyNumber(clientID)
	if !ok {
		return 0, &ClientNotFoundError{Client: clientID}
	}
	return n, nil
}

// ValidateGroupAndSession checks both levels of the hierarchy exist.
func (r *Registry) ValidateGroupAndSession(groupID GroupID, sessionID SessionID) error {
	r.groupsMu.RLock()
	defer r.groupsMu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return &GroupNotFoundError{Group: groupID}
	}
	if _, ok := g.Session(sessionID); !ok {
		return &SessionNotFoundError{Group: groupID, Session: sessionID}
	}
	return nil
}

// NumClients reports connected clients.
func (r *Registry) NumClients() int {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	return len(r.clients)
}

// NumGroups reports live groups.
func (r *Registry) NumGroups() int {
	r.groupsMu.RLock()
	defer r.groupsMu.RUnlock()
	return len(r.groups)
}

// publishGauges refreshes the group and session gauges. Callers hold
// groupsMu.
func (r *Registry) publishGauges() {
	sessions := 0
	for _, g := range r.groups {
		sessions += g.NumSessions()
	}
	metrics.SetGroupsActive(len(r.groups))
	metrics.SetSessionsActive(sessions)
}
