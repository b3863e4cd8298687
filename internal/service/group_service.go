package service

import (
	"github.com/rs/zerolog"

	"github.com/CoinFabrik/mpc-manager/internal/events"
	"github.com/CoinFabrik/mpc-manager/internal/jsonrpc"
	"github.com/CoinFabrik/mpc-manager/internal/state"
)

// GroupService serves group_create and group_join.
type GroupService struct {
	state  *state.Registry
	events *events.Publisher
	log    zerolog.Logger
}

type groupCreateParams struct {
	Parameters state.Parameters `json:"parameters"`
}

type groupJoinParams struct {
	GroupID state.GroupID `json:"groupId"`
}

type groupResult struct {
	Group state.GroupInfo `json:"group"`
}

// Handle dispatches within the group_ prefix.
func (s *GroupService) Handle(req *jsonrpc.Request, caller state.ClientID, plan *Plan) (*jsonrpc.Response, error) {
	switch req.Method {
	case MethodGroupCreate:
		return s.create(req, caller)
	case MethodGroupJoin:
		return s.join(req, caller)
	}
	return nil, jsonrpc.MethodNotFound(req.Method)
}

// create validates the (n,t) parameters, registers the group and joins
// the caller to it in one step.
func (s *GroupService) create(req *jsonrpc.Request, caller state.ClientID) (*jsonrpc.Response, error) {
	var params groupCreateParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if err := params.Parameters.Validate(); err != nil {
		return nil, err
	}

	group := s.state.AddGroup(params.Parameters)
	group, err := s.state.JoinGroup(group.ID, caller)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("group_id", group.ID.String()).
		Str("client_id", caller.String()).
		Msg("group created")
	s.events.GroupCreated(group)
	return jsonrpc.NewResponse(req.ID, groupResult{Group: group})
}

// join adds the caller to an existing group.
func (s *GroupService) join(req *jsonrpc.Request, caller state.ClientID) (*jsonrpc.Response, error) {
	var params groupJoinParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}

	group, err := s.state.JoinGroup(params.GroupID, caller)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("group_id", group.ID.String()).
		Str("client_id", caller.String()).
		Msg("client joined group")
	return jsonrpc.NewResponse(req.ID, groupResult{Group: group})
}
