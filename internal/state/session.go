package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SessionKind distinguishes key generation from signing.
type SessionKind string

const (
	SessionKindKeygen SessionKind = "keygen"
	SessionKindSign   SessionKind = "sign"
)

// UnmarshalJSON rejects kinds other than "keygen" and "sign".
func (k *SessionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch SessionKind(s) {
	case SessionKindKeygen, SessionKindSign:
		*k = SessionKind(s)
		return nil
	}
	return fmt.Errorf("unknown session kind %q", s)
}

// Session tracks the party signups of one keygen or signing run. The
// value is an opaque payload fixed at creation, typically the message
// to sign. Sessions are not self-synchronised; the owning Registry's
// groups lock guards all access.
type Session struct {
	ID    SessionID
	Kind  SessionKind
	Value json.RawMessage

	// signups maps party number to client; occupied holds the assigned
	// numbers sorted ascending so gap scans are linear.
	signups  map[PartyNumber]ClientID
	occupied []PartyNumber
}

func newSession(kind SessionKind, value json.RawMessage) *Session {
	return &Session{
		ID:      uuid.New(),
		Kind:    kind,
		Value:   value,
		signups: make(map[PartyNumber]ClientID),
	}
}

// Signup assigns the lowest free party number to the client, or returns
// the number it already holds. Numbering starts at 1 and fills gaps
// left by departed parties before extending past the end.
func (s *Session) Signup(client ClientID) PartyNumber {
	if n, ok := s.partyNumber(client); ok {
		return n
	}
	n := s.nextPartyNumber()
	s.assign(n, client)
	return n
}

// Login claims an explicit party number. A client that already holds
// any number in the session keeps it regardless of the number asked
// for; a number held by a different client cannot be claimed.
func (s *Session) Login(client ClientID, number PartyNumber) error {
	if _, ok := s.partyNumber(client); ok {
		return nil
	}
	if _, taken := s.signups[number]; taken {
		return &PartyOccupiedError{Party: number}
	}
	s.assign(number, client)
	return nil
}

// RemoveClient drops the client's signup, if any, freeing its party
// number for reuse.
func (s *Session) RemoveClient(client ClientID) {
	n, ok := s.partyNumber(client)
	if !ok {
		return
	}
	delete(s.signups, n)
	for i, o := range s.occupied {
		if o == n {
			s.occupied = append(s.occupied[:i], s.occupied[i+1:]...)
			break
		}
	}
}

// PartyNumber returns the number held by the client.
func (s *Session) PartyNumber(client ClientID) (PartyNumber, bool) {
	return s.partyNumber(client)
}

// Client returns the client holding the party number.
func (s *Session) Client(number PartyNumber) (ClientID, bool) {
	c, ok := s.signups[number]
	return c, ok
}

// ClientIDs returns every signed-up client in party-number order.
func (s *Session) ClientIDs() []ClientID {
	ids := make([]ClientID, 0, len(s.occupied))
	for _, n := range s.occupied {
		ids = append(ids, s.signups[n])
	}
	return ids
}

// NumParties returns the number of signed-up parties.
func (s *Session) NumParties() int {
	return len(s.signups)
}

// Info returns the wire projection. Party assignments never leave the
// registry.
func (s *Session) Info() SessionInfo {
	return SessionInfo{ID: s.ID, Kind: s.Kind, Value: s.Value}
}

func (s *Session) assign(number PartyNumber, client ClientID) {
	s.signups[number] = client
	s.occupied = append(s.occupied, number)
	sort.Slice(s.occupied, func(i, j int) bool { return s.occupied[i] < s.occupied[j] })
}

// nextPartyNumber walks the sorted occupied list for the first gap,
// starting from 1.
func (s *Session) nextPartyNumber() PartyNumber {
	for i, n := range s.occupied {
		want := PartyNumber(i + 1)
		if n != want {
			return want
		}
	}
	return PartyNumber(len(s.occupied) + 1)
}

func (s *Session) partyNumber(client ClientID) (PartyNumber, bool) {
	for n, c := range s.signups {
		if c == client {
			return n, true
		}
	}
	return 0, false
}

// SessionInfo is the client-visible view of a session.
type SessionInfo struct {
	ID    SessionID       `json:"id"`
	Kind  SessionKind     `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}
