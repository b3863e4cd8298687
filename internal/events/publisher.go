// Package events publishes coordinator lifecycle events to NATS so
// surrounding infrastructure can observe ceremonies without speaking
// the websocket protocol.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/CoinFabrik/mpc-manager/internal/state"
)

// Subjects carrying lifecycle events.
const (
	SubjectGroupCreated   = "mpc.group.created"
	SubjectSessionCreated = "mpc.session.created"
	SubjectSessionReady   = "mpc.session.ready"
)

// Publisher emits lifecycle events. A nil Publisher is valid and
// publishes nothing, so call sites never guard against it.
type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Connect dials NATS. The connection retries in the background, so a
// broker that is down at startup does not keep the server from coming
// up.
func Connect(url string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		nc:  nc,
		log: logger.With().Str("component", "events").Logger(),
	}, nil
}

// Close drops the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
}

type groupCreatedEvent struct {
	GroupID   string    `json:"groupId"`
	Parties   uint16    `json:"parties"`
	Threshold uint16    `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

type sessionLifecycleEvent struct {
	GroupID   string    `json:"groupId"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Parties   int       `json:"parties,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GroupCreated publishes mpc.group.created.
func (p *Publisher) GroupCreated(group state.GroupInfo) {
	p.publish(SubjectGroupCreated, groupCreatedEvent{
		GroupID:   group.ID.String(),
		Parties:   group.Params.Parties,
		Threshold: group.Params.Threshold,
		Timestamp: time.Now().UTC(),
	})
}

// SessionCreated publishes mpc.session.created.
func (p *Publisher) SessionCreated(group state.GroupInfo, session state.SessionInfo) {
	p.publish(SubjectSessionCreated, sessionLifecycleEvent{
		GroupID:   group.ID.String(),
		SessionID: session.ID.String(),
		Kind:      string(session.Kind),
		Timestamp: time.Now().UTC(),
	})
}

// SessionReady publishes mpc.session.ready once a session can proceed.
func (p *Publisher) SessionReady(group state.GroupInfo, session state.SessionInfo, parties int) {
	p.publish(SubjectSessionReady, sessionLifecycleEvent{
		GroupID:   group.ID.String(),
		SessionID: session.ID.String(),
		Kind:      string(session.Kind),
		Parties:   parties,
		Timestamp: time.Now().UTC(),
	})
}

// publish is fire-and-forget: failures are logged and never surface to
// the request that triggered the event.
func (p *Publisher) publish(subject string, event any) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("failed to encode event")
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}
