// Command smoketest drives a full coordination ceremony against a
// running server: group formation, a keygen session, dense signups,
// readiness, then a broadcast and a directed message round. It exits
// non-zero as soon as any step misbehaves.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	addr      = flag.String("addr", "127.0.0.1:8080", "server host:port")
	parties   = flag.Int("parties", 3, "number of parties (n)")
	threshold = flag.Int("threshold", 1, "signing threshold (t)")
	timeout   = flag.Duration("timeout", 30*time.Second, "per-step timeout")
)

// Notification methods the server pushes during a ceremony.
var eventMethods = []string{"session_created", "session_ready", "session_message"}

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
}

type reply struct {
	result json.RawMessage
	err    *rpcError
}

// client is one simulated party.
type client struct {
	index int
	conn  *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int
	pending map[int]chan reply

	events  map[string]chan json.RawMessage
	done    chan struct{}
	readErr error
}

func dial(index int) (*client, error) {
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/"}
	dialer := websocket.Dialer{HandshakeTimeout: *timeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("party %d: dial %s: %w", index, u.String(), err)
	}

	c := &client{
		index:   index,
		conn:    conn,
		pending: make(map[int]chan reply),
		events:  make(map[string]chan json.RawMessage),
		done:    make(chan struct{}),
	}
	for _, m := range eventMethods {
		c.events[m] = make(chan json.RawMessage, 256)
	}
	go c.readLoop()
	return c, nil
}

func (c *client) close() {
	c.conn.Close()
}

// readLoop routes incoming frames: notifications to their per-method
// channel, responses to the pending call.
func (c *client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		if f.Method != "" {
			if ch, ok := c.events[f.Method]; ok {
				ch <- f.Params
			}
			continue
		}

		var id int
		if err := json.Unmarshal(f.ID, &id); err != nil {
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- reply{result: f.Result, err: f.Error}
		}
	}
}

// call sends a request and waits for its response.
func (c *client) call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(method, &id, params); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("party %d: %s: %w", c.index, method, r.err)
		}
		return r.result, nil
	case <-time.After(*timeout):
		return nil, fmt.Errorf("party %d: %s: timed out waiting for response", c.index, method)
	case <-c.done:
		return nil, fmt.Errorf("party %d: %s: connection closed: %v", c.index, method, c.readErr)
	}
}

// notify sends a request without waiting; session_message is never
// answered.
func (c *client) notify(method string, params any) error {
	return c.write(method, nil, params)
}

func (c *client) write(method string, id *int, params any) error {
	req := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		req["id"] = *id
	}
	if params != nil {
		req["params"] = params
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("party %d: %s: write: %w", c.index, method, err)
	}
	return nil
}

// await blocks for the next notification of the given method.
func (c *client) await(method string) (json.RawMessage, error) {
	select {
	case p := <-c.events[method]:
		return p, nil
	case <-time.After(*timeout):
		return nil, fmt.Errorf("party %d: timed out waiting for %s", c.index, method)
	case <-c.done:
		return nil, fmt.Errorf("party %d: connection closed while waiting for %s: %v", c.index, method, c.readErr)
	}
}

type groupResult struct {
	Group struct {
		ID     string `json:"id"`
		Params struct {
			N uint16 `json:"n"`
			T uint16 `json:"t"`
		} `json:"params"`
	} `json:"group"`
}

type sessionResult struct {
	Session struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"session"`
	PartyNumber uint16 `json:"partyNumber"`
}

type envelope struct {
	GroupID   string          `json:"groupId"`
	SessionID string          `json:"sessionId"`
	Sender    uint16          `json:"sender"`
	Message   json.RawMessage `json:"message"`
}

type roundMessage struct {
	Round string `json:"round"`
	From  uint16 `json:"from"`
}

func main() {
	flag.Parse()
	if *parties < 2 {
		log.Fatalf("need at least 2 parties, got %d", *parties)
	}
	if *threshold < 1 || *threshold >= *parties {
		log.Fatalf("threshold must satisfy 0 < t < n, got t=%d n=%d", *threshold, *parties)
	}

	if err := run(); err != nil {
		log.Fatalf("smoketest failed: %v", err)
	}
}

func run() error {
	start := time.Now()

	clients := make([]*client, *parties)
	for i := range clients {
		c, err := dial(i)
		if err != nil {
			return err
		}
		defer c.close()
		clients[i] = c
	}
	log.Printf("connected %d parties to %s", *parties, *addr)

	// Party 0 creates the group, the rest join it concurrently.
	raw, err := clients[0].call("group_create", map[string]any{
		"parameters": map[string]any{"n": *parties, "t": *threshold},
	})
	if err != nil {
		return err
	}
	var group groupResult
	if err := json.Unmarshal(raw, &group); err != nil {
		return fmt.Errorf("decoding group_create result: %w", err)
	}
	groupID := group.Group.ID

	var g errgroup.Group
	for _, c := range clients[1:] {
		c := c
		g.Go(func() error {
			_, err := c.call("group_join", map[string]any{"groupId": groupID})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	groupDone := time.Now()
	log.Printf("group %s formed (n=%d t=%d) in %s", groupID, *parties, *threshold, groupDone.Sub(start).Round(time.Millisecond))

	// Party 0 opens a keygen session; everyone else hears about it.
	raw, err = clients[0].call("session_create", map[string]any{
		"groupId": groupID,
		"kind":    "keygen",
	})
	if err != nil {
		return err
	}
	var session sessionResult
	if err := json.Unmarshal(raw, &session); err != nil {
		return fmt.Errorf("decoding session_create result: %w", err)
	}
	sessionID := session.Session.ID

	for _, c := range clients[1:] {
		c := c
		g.Go(func() error {
			_, err := c.await("session_created")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("keygen session %s announced", sessionID)

	// Sign up in order so the last signup deterministically crosses the
	// threshold. Party numbers must come out dense: 1..n.
	for i, c := range clients {
		raw, err := c.call("session_signup", map[string]any{
			"groupId":   groupID,
			"sessionId": sessionID,
		})
		if err != nil {
			return err
		}
		var res sessionResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decoding session_signup result: %w", err)
		}
		if int(res.PartyNumber) != i+1 {
			return fmt.Errorf("party %d: expected party number %d, got %d", i, i+1, res.PartyNumber)
		}
	}

	// Readiness reaches every group member, the last signer included.
	for _, c := range clients {
		c := c
		g.Go(func() error {
			_, err := c.await("session_ready")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	signupDone := time.Now()
	log.Printf("all %d parties signed up, session ready in %s", *parties, signupDone.Sub(groupDone).Round(time.Millisecond))

	// Broadcast round: every party broadcasts once, so every party must
	// receive n-1 envelopes, none of them its own.
	for i, c := range clients {
		payload := roundMessage{Round: "broadcast", From: uint16(i + 1)}
		if err := c.notify("session_message", map[string]any{
			"groupId":   groupID,
			"sessionId": sessionID,
			"message":   payload,
		}); err != nil {
			return err
		}
	}
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			seen := make(map[uint16]bool)
			for range clients[1:] {
				raw, err := c.await("session_message")
				if err != nil {
					return err
				}
				var env envelope
				if err := json.Unmarshal(raw, &env); err != nil {
					return fmt.Errorf("party %d: decoding envelope: %w", i, err)
				}
				if env.Sender == uint16(i+1) {
					return fmt.Errorf("party %d: received its own broadcast", i)
				}
				if seen[env.Sender] {
					return fmt.Errorf("party %d: duplicate broadcast from sender %d", i, env.Sender)
				}
				seen[env.Sender] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	broadcastDone := time.Now()
	log.Printf("broadcast round: %d messages fanned out in %s", *parties*(*parties-1), broadcastDone.Sub(signupDone).Round(time.Millisecond))

	// Directed round: party x messages party x%n+1, so every party gets
	// exactly one envelope from its predecessor in the ring.
	for i, c := range clients {
		receiver := uint16(i + 2)
		if i == *parties-1 {
			receiver = 1
		}
		payload := roundMessage{Round: "direct", From: uint16(i + 1)}
		if err := c.notify("session_message", map[string]any{
			"groupId":   groupID,
			"sessionId": sessionID,
			"receiver":  receiver,
			"message":   payload,
		}); err != nil {
			return err
		}
	}
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			raw, err := c.await("session_message")
			if err != nil {
				return err
			}
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("party %d: decoding envelope: %w", i, err)
			}
			expected := uint16(i)
			if i == 0 {
				expected = uint16(*parties)
			}
			if env.Sender != expected {
				return fmt.Errorf("party %d: expected direct message from %d, got %d", i, expected, env.Sender)
			}
			var msg roundMessage
			if err := json.Unmarshal(env.Message, &msg); err != nil || msg.Round != "direct" {
				return fmt.Errorf("party %d: unexpected direct payload %s", i, env.Message)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("directed round: ring of %d messages delivered in %s", *parties, time.Since(broadcastDone).Round(time.Millisecond))

	log.Printf("smoketest passed in %s", time.Since(start).Round(time.Millisecond))
	return nil
}
