package service

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/CoinFabrik/mpc-manager/internal/events"
	"github.com/CoinFabrik/mpc-manager/internal/jsonrpc"
	"github.com/CoinFabrik/mpc-manager/internal/state"
)

// SessionService serves the session_ methods.
type SessionService struct {
	state  *state.Registry
	events *events.Publisher
	log    zerolog.Logger
}

type sessionCreateParams struct {
	GroupID state.GroupID     `json:"groupId"`
	Kind    state.SessionKind `json:"kind"`
	Value   json.RawMessage   `json:"value,omitempty"`
}

type sessionSignupParams struct {
	GroupID   state.GroupID   `json:"groupId"`
	SessionID state.SessionID `json:"sessionId"`
}

type sessionLoginParams struct {
	GroupID     state.GroupID     `json:"groupId"`
	SessionID   state.SessionID   `json:"sessionId"`
	PartyNumber state.PartyNumber `json:"partyNumber"`
}

type sessionMessageParams struct {
	GroupID   state.GroupID      `json:"groupId"`
	SessionID state.SessionID    `json:"sessionId"`
	Receiver  *state.PartyNumber `json:"receiver,omitempty"`
	Message   json.RawMessage    `json:"message"`
}

type sessionResult struct {
	Session state.SessionInfo `json:"session"`
}

type sessionSignupResult struct {
	Session     state.SessionInfo `json:"session"`
	PartyNumber state.PartyNumber `json:"partyNumber"`
}

// sessionEvent is the payload of session_created and session_ready.
type sessionEvent struct {
	Group   state.GroupInfo   `json:"group"`
	Session state.SessionInfo `json:"session"`
}

// sessionEnvelope wraps a relayed message with its routing context. The
// sender is resolved server-side and cannot be spoofed.
type sessionEnvelope struct {
	GroupID   state.GroupID     `json:"groupId"`
	SessionID state.SessionID   `json:"sessionId"`
	Sender    state.PartyNumber `json:"sender"`
	Message   json.RawMessage   `json:"message"`
}

// Handle dispatches within the session_ prefix.
func (s *SessionService) Handle(req *jsonrpc.Request, caller state.ClientID, plan *Plan) (*jsonrpc.Response, error) {
	switch req.Method {
	case MethodSessionCreate:
		return s.create(req, caller, plan)
	case MethodSessionSignup:
		return s.signup(req, caller, plan)
	case MethodSessionLogin:
		return s.login(req, caller, plan)
	case MethodSessionMessage:
		return s.message(req, caller, plan)
	}
	return nil, jsonrpc.MethodNotFound(req.Method)
}

// create opens a session and announces it to the rest of the group. The
// creator learns about the session from its own response, so it is
// filtered out of the broadcast.
func (s *SessionService) create(req *jsonrpc.Request, caller state.ClientID, plan *Plan) (*jsonrpc.Response, error) {
	var params sessionCreateParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if params.Kind == "" {
		return nil, jsonrpc.InvalidParams("missing session kind")
	}

	group, session, err := s.state.AddSession(params.GroupID, params.Kind, params.Value)
	if err != nil {
		return nil, err
	}

	resp, err := jsonrpc.NewResponse(req.ID, sessionResult{Session: session})
	if err != nil {
		return nil, err
	}

	event, err := json.Marshal(sessionEvent{Group: group, Session: session})
	if err != nil {
		return nil, err
	}
	plan.Group(group.ID, []state.ClientID{caller}, MethodSessionCreated, event)

	s.events.SessionCreated(group, session)
	return resp, nil
}

// signup hands out the next free party number. When the signup crosses
// the session's threshold the whole group is told it is ready.
func (s *SessionService) signup(req *jsonrpc.Request, caller state.ClientID, plan *Plan) (*jsonrpc.Response, error) {
	var params sessionSignupParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}

	group, session, number, ready, err := s.state.SignupSession(caller, params.GroupID, params.SessionID)
	if err != nil {
		return nil, err
	}

	resp, err := jsonrpc.NewResponse(req.ID, sessionSignupResult{Session: session, PartyNumber: number})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("session_id", session.ID.String()).
		Str("client_id", caller.String()).
		Uint16("party_number", number).
		Msg("party signed up")

	if ready {
		if err := s.announceReady(plan, group, session); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// login claims an explicit party number, typically one remembered from
// an earlier keygen run. Readiness is announced exactly as for signup.
func (s *SessionService) login(req *jsonrpc.Request, caller state.ClientID, plan *Plan) (*jsonrpc.Response, error) {
	var params sessionLoginParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if params.PartyNumber == 0 {
		return nil, jsonrpc.InvalidParams("missing party number")
	}

	group, session, ready, err := s.state.LoginSession(caller, params.GroupID, params.SessionID, params.PartyNumber)
	if err != nil {
		return nil, err
	}

	resp, err := jsonrpc.NewResponse(req.ID, sessionResult{Session: session})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("session_id", session.ID.String()).
		Str("client_id", caller.String()).
		Uint16("party_number", params.PartyNumber).
		Msg("party logged in")

	if ready {
		if err := s.announceReady(plan, group, session); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// message relays an opaque payload to one party or to the whole
// session. It never answers the caller, even on validation failure;
// failures are only logged.
func (s *SessionService) message(req *jsonrpc.Request, caller state.ClientID, plan *Plan) (*jsonrpc.Response, error) {
	var params sessionMessageParams
	if err := req.Bind(&params); err != nil {
		s.log.Warn().
			Err(err).
			Str("client_id", caller.String()).
			Msg("dropping session message with bad params")
		return nil, nil
	}

	sender, err := s.state.PartyNumberForClient(params.GroupID, params.SessionID, caller)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("client_id", caller.String()).
			Msg("dropping session message from unknown sender")
		return nil, nil
	}

	envelope, err := json.Marshal(sessionEnvelope{
		GroupID:   params.GroupID,
		SessionID: params.SessionID,
		Sender:    sender,
		Message:   params.Message,
	})
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("client_id", caller.String()).
			Msg("dropping session message that failed to encode")
		return nil, nil
	}

	if params.Receiver != nil {
		receiver, err := s.state.ClientIDForParty(params.GroupID, params.SessionID, *params.Receiver)
		if err != nil {
			s.log.Warn().
				Err(err).
				Uint16("receiver", *params.Receiver).
				Msg("dropping session message for unknown party")
			return nil, nil
		}
		plan.Relay(MethodSessionMessage, []RelayMessage{{ClientID: receiver, Message: envelope}})
		return nil, nil
	}

	plan.Session(params.GroupID, params.SessionID, nil, MethodSessionMessage, envelope)
	return nil, nil
}

// announceReady plans the session_ready broadcast and publishes the
// lifecycle event. The broadcast reaches every group member, the caller
// whose request crossed the threshold included.
func (s *SessionService) announceReady(plan *Plan, group state.GroupInfo, session state.SessionInfo) error {
	event, err := json.Marshal(sessionEvent{Group: group, Session: session})
	if err != nil {
		return err
	}
	plan.Group(group.ID, nil, MethodSessionReady, event)

	s.log.Info().
		Str("group_id", group.ID.String()).
		Str("session_id", session.ID.String()).
		Str("kind", string(session.Kind)).
		Msg("session ready")

	parties := 0
	if ids, err := s.state.ClientIDsInSession(group.ID, session.ID); err == nil {
		parties = len(ids)
	}
	s.events.SessionReady(group, session, parties)
	return nil
}
