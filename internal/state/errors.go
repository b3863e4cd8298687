package state

import "fmt"

// InvalidPartiesError rejects group parameters with fewer than two
// parties.
type InvalidPartiesError struct {
	Parties uint16
}

func (e *InvalidPartiesError) Error() string {
	return fmt.Sprintf("invalid number of parties %d", e.Parties)
}

// InvalidThresholdError rejects a threshold outside 0 < t < n.
type InvalidThresholdError struct {
	Threshold uint16
}

func (e *InvalidThresholdError) Error() string {
	return fmt.Sprintf("invalid threshold %d", e.Threshold)
}

// GroupNotFoundError reports a lookup for a group id that is not
// registered.
type GroupNotFoundError struct {
	Group GroupID
}

func (e *GroupNotFoundError) Error() string {
	return fmt.Sprintf("group '%s' not found", e.Group)
}

// GroupFullError reports a join attempt on a group that already holds
// its n clients.
type GroupFullError struct {
	Group GroupID
}

func (e *GroupFullError) Error() string {
	return fmt.Sprintf("group '%s' is full", e.Group)
}

// SessionNotFoundError reports a session id missing from its group.
type SessionNotFoundError struct {
	Group   GroupID
	Session SessionID
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session '%s' for group '%s' not found", e.Session, e.Group)
}

// PartyNotFoundError reports a party number with no signed-up client.
type PartyNotFoundError struct {
	Party PartyNumber
}

func (e *PartyNotFoundError) Error() string {
	return fmt.Sprintf("party '%d' not found", e.Party)
}

// PartyOccupiedError reports a login for a party number held by a
// different client.
type PartyOccupiedError struct {
	Party PartyNumber
}

func (e *PartyOccupiedError) Error() string {
	return fmt.Sprintf("party number '%d' is already occupied by another party", e.Party)
}

// ClientNotFoundError reports a client id with no registered
// connection, or a sender with no signup in the session it messaged.
type ClientNotFoundError struct {
	Client ClientID
}

func (e *ClientNotFoundError) Error() string {
	return fmt.Sprintf("client id '%s' not found", e.Client)
}
