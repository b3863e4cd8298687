package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/CoinFabrik/mpc-manager/internal/jsonrpc"
	"github.com/CoinFabrik/mpc-manager/internal/metrics"
	"github.com/CoinFabrik/mpc-manager/internal/service"
	"github.com/CoinFabrik/mpc-manager/internal/state"
)

// Time allowed to write one message to the peer.
const writeWait = 5 * time.Second

// connection owns one websocket client: a read pump dispatching
// requests and a write pump draining the outbound queue. The queue is
// registered in the registry as the client's sink, which is how other
// connections fan out to this one.
type connection struct {
	id         state.ClientID
	conn       net.Conn
	registry   *state.Registry
	dispatcher *service.Dispatcher
	outbound   *Queue
	log        zerolog.Logger

	closeOnce sync.Once

	failOnce sync.Once
	reason   string
}

func newConnection(conn net.Conn, registry *state.Registry, dispatcher *service.Dispatcher, logger zerolog.Logger) *connection {
	id := state.NewClientID()
	return &connection{
		id:         id,
		conn:       conn,
		registry:   registry,
		dispatcher: dispatcher,
		outbound:   NewQueue(),
		log:        logger.With().Str("client_id", id.String()).Logger(),
	}
}

// serve registers the client, runs both pumps and tears everything down
// when either ends. Cleanup order matters: close queue and socket, wait
// for the writer, then drop the client from the registry.
func (c *connection) serve() {
	c.registry.AddClient(c.id, c.outbound)
	metrics.RecordConnection()
	c.log.Info().Msg("client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()

	c.readPump()

	c.close()
	<-done

	c.registry.DropClient(c.id)
	metrics.RecordDisconnect(c.reason)
	c.log.Info().Str("reason", c.reason).Msg("client disconnected")
}

// close shuts the socket and the outbound queue exactly once. Safe to
// call from any goroutine.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.outbound.Close()
		c.conn.Close()
	})
}

// fail records why the connection is going down. The first cause wins;
// the errors the teardown then provokes in the other pump are ignored.
func (c *connection) fail(reason string) {
	c.failOnce.Do(func() { c.reason = reason })
}

// readPump decodes inbound frames and runs them through the dispatcher
// until the socket dies, recording the cause. Control frames are
// answered by wsutil; binary frames are ignored.
func (c *connection) readPump() {
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			var closed wsutil.ClosedError
			switch {
			case errors.As(err, &closed), errors.Is(err, io.EOF):
				c.fail(metrics.ReasonClientClosed)
			case errors.Is(err, net.ErrClosed):
				c.fail(metrics.ReasonShutdown)
			default:
				c.log.Warn().Err(err).Msg("read failed")
				c.fail(metrics.ReasonReadError)
			}
			return
		}
		if op != ws.OpText {
			continue
		}
		c.handleFrame(msg)
	}
}

// writePump drains the outbound queue to the socket. A write failure
// records the cause and closes the connection, which in turn ends the
// read pump.
func (c *connection) writePump() {
	defer c.close()
	for {
		msg, ok := c.outbound.Pop()
		if !ok {
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsutil.WriteServerMessage(c.conn, ws.OpText, msg); err != nil {
			c.log.Warn().Err(err).Msg("write failed")
			c.fail(metrics.ReasonWriteError)
			return
		}
		metrics.RecordMessageSent()
	}
}

// handleFrame runs one inbound frame: decode, dispatch, queue the
// response, then realise the planned notifications. The response is
// queued before any notification so the caller always sees its answer
// first. Frames that are not valid JSON-RPC are dropped without a
// reply.
func (c *connection) handleFrame(frame []byte) {
	metrics.RecordMessageReceived()

	req, err := jsonrpc.Decode(frame)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	resp, notifications := c.dispatcher.Serve(req, c.id)
	if resp != nil {
		buf, err := json.Marshal(resp)
		if err != nil {
			c.log.Error().Err(err).Str("method", req.Method).Msg("failed to encode response")
		} else if err := c.outbound.Push(buf); err != nil {
			c.log.Warn().Str("method", req.Method).Msg("connection closing, response dropped")
		}
	}

	for _, n := range notifications {
		c.deliver(n)
	}
}

// deliver fans one planned notification out to its recipients,
// resolving membership against live state. Recipients that vanished
// since the plan was made are logged and skipped.
func (c *connection) deliver(n service.Notification) {
	switch n := n.(type) {
	case *service.GroupNotification:
		ids, err := c.registry.ClientIDsInGroup(n.GroupID)
		if err != nil {
			c.log.Warn().Err(err).Str("method", n.Method).Msg("group gone before notification")
			return
		}
		payload, err := encodeNotification(n.Method, n.Message)
		if err != nil {
			c.log.Error().Err(err).Str("method", n.Method).Msg("failed to encode notification")
			return
		}
		for _, id := range ids {
			if containsClient(n.Filter, id) {
				continue
			}
			c.push(id, n.Method, payload)
		}

	case *service.SessionNotification:
		ids, err := c.registry.ClientIDsInSession(n.GroupID, n.SessionID)
		if err != nil {
			c.log.Warn().Err(err).Str("method", n.Method).Msg("session gone before notification")
			return
		}
		payload, err := encodeNotification(n.Method, n.Message)
		if err != nil {
			c.log.Error().Err(err).Str("method", n.Method).Msg("failed to encode notification")
			return
		}
		for _, id := range ids {
			// Session broadcasts never loop back to the connection
			// that triggered them.
			if id == c.id || containsClient(n.Filter, id) {
				continue
			}
			c.push(id, n.Method, payload)
		}

	case *service.RelayNotification:
		for _, m := range n.Messages {
			payload, err := encodeNotification(n.Method, m.Message)
			if err != nil {
				c.log.Error().Err(err).Str("method", n.Method).Msg("failed to encode notification")
				continue
			}
			c.push(m.ClientID, n.Method, payload)
		}
	}
}

// push queues a payload on another client's sink.
func (c *connection) push(id state.ClientID, method string, payload []byte) {
	sink, err := c.registry.Client(id)
	if err != nil {
		c.log.Warn().
			Str("recipient", id.String()).
			Str("method", method).
			Msg("recipient not connected, notification dropped")
		metrics.RecordNotificationDrop()
		return
	}
	if err := sink.Push(payload); err != nil {
		c.log.Warn().
			Str("recipient", id.String()).
			Str("method", method).
			Msg("recipient queue closed, notification dropped")
		metrics.RecordNotificationDrop()
		return
	}
	metrics.RecordNotification(method)
}

func encodeNotification(method string, message json.RawMessage) ([]byte, error) {
	note, err := jsonrpc.NewNotification(method, message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(note)
}

func containsClient(filter []state.ClientID, id state.ClientID) bool {
	for _, f := range filter {
		if f == id {
			return true
		}
	}
	return false
}
