// Package service routes JSON-RPC requests to the group and session
// handlers and plans the notifications each request fans out.
package service

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/CoinFabrik/mpc-manager/internal/events"
	"github.com/CoinFabrik/mpc-manager/internal/jsonrpc"
	"github.com/CoinFabrik/mpc-manager/internal/metrics"
	"github.com/CoinFabrik/mpc-manager/internal/state"
)

// Methods served by the dispatcher. The segment before the first
// underscore selects the service.
const (
	MethodGroupCreate    = "group_create"
	MethodGroupJoin      = "group_join"
	MethodSessionCreate  = "session_create"
	MethodSessionSignup  = "session_signup"
	MethodSessionLogin   = "session_login"
	MethodSessionMessage = "session_message"

	// Server-initiated notification methods.
	MethodSessionCreated = "session_created"
	MethodSessionReady   = "session_ready"
)

const routeSeparator = "_"

// methodLabel returns the method for the request counters. Method names
// come from untrusted input, so anything the dispatcher does not serve
// collapses into one label value.
func methodLabel(method string) string {
	switch method {
	case MethodGroupCreate, MethodGroupJoin,
		MethodSessionCreate, MethodSessionSignup,
		MethodSessionLogin, MethodSessionMessage:
		return method
	}
	return "unknown"
}

// Service handles the methods of one route prefix.
type Service interface {
	Handle(req *jsonrpc.Request, caller state.ClientID, plan *Plan) (*jsonrpc.Response, error)
}

// Dispatcher routes requests by method prefix and converts handler
// errors into JSON-RPC error responses.
type Dispatcher struct {
	services map[string]Service
	log      zerolog.Logger
}

// NewDispatcher wires the group and session services over the shared
// registry. The events publisher may be nil.
func NewDispatcher(st *state.Registry, pub *events.Publisher, logger zerolog.Logger) *Dispatcher {
	log := logger.With().Str("component", "service").Logger()
	return &Dispatcher{
		services: map[string]Service{
			"group":   &GroupService{state: st, events: pub, log: log},
			"session": &SessionService{state: st, events: pub, log: log},
		},
		log: log,
	}
}

// Serve runs one request and never fails: handler errors become error
// responses, and requests without an id are owed no response at all.
// The returned notifications must be realised by the caller after it
// queues the response, so a client always sees its response before any
// notification the request triggered.
func (d *Dispatcher) Serve(req *jsonrpc.Request, caller state.ClientID) (*jsonrpc.Response, []Notification) {
	label := methodLabel(req.Method)
	metrics.RecordRequest(label)

	plan := &Plan{}
	resp, err := d.route(req, caller, plan)
	if err != nil {
		metrics.RecordRequestError(label)
		d.log.Warn().
			Err(err).
			Str("method", req.Method).
			Str("client_id", caller.String()).
			Msg("request failed")
		if req.Notification() {
			return nil, plan.Notifications()
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.AsError(err)), plan.Notifications()
	}

	if req.Notification() {
		return nil, plan.Notifications()
	}
	return resp, plan.Notifications()
}

func (d *Dispatcher) route(req *jsonrpc.Request, caller state.ClientID, plan *Plan) (*jsonrpc.Response, error) {
	parts := strings.Split(req.Method, routeSeparator)
	if len(parts) < 2 {
		return nil, jsonrpc.MethodNotFound(req.Method)
	}
	svc, ok := d.services[parts[0]]
	if !ok {
		return nil, jsonrpc.MethodNotFound(req.Method)
	}
	return svc.Handle(req, caller, plan)
}
