package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoinFabrik/mpc-manager/internal/config"
	"github.com/CoinFabrik/mpc-manager/internal/jsonrpc"
)

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: time.Second,
	}
	for _, m := range mutate {
		m(cfg)
	}
	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// serverFrame is anything the server writes: a response when Method is
// empty, a notification otherwise.
type serverFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonrpc.Error  `json:"error"`
}

// wsClient is a test peer with a background reader splitting responses
// from notifications.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	resps  chan serverFrame
	notes  chan serverFrame
	nextID int
}

func dialClient(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &wsClient{
		t:     t,
		conn:  conn,
		resps: make(chan serverFrame, 64),
		notes: make(chan serverFrame, 64),
	}
	go c.readLoop()
	t.Cleanup(func() { c.conn.Close() })
	return c
}

func (c *wsClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Method != "" {
			c.notes <- f
		} else {
			c.resps <- f
		}
	}
}

func (c *wsClient) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// call sends a request and waits for the response with the matching id.
func (c *wsClient) call(method, params string) serverFrame {
	c.t.Helper()
	c.nextID++
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q`, c.nextID, method)
	if params != "" {
		frame += `,"params":` + params
	}
	frame += "}"
	c.send(frame)

	select {
	case f := <-c.resps:
		require.Equal(c.t, json.RawMessage(strconv.Itoa(c.nextID)), f.ID, "response for the wrong request")
		return f
	case <-time.After(2 * time.Second):
		c.t.Fatalf("no response to %s", method)
		return serverFrame{}
	}
}

// notify sends a request that is owed no response.
func (c *wsClient) notify(method, params string) {
	c.t.Helper()
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s}`, method, params)
	c.send(frame)
}

// expectNote waits for the next notification and asserts its method.
func (c *wsClient) expectNote(method string) serverFrame {
	c.t.Helper()
	select {
	case f := <-c.notes:
		require.Equal(c.t, method, f.Method)
		return f
	case <-time.After(2 * time.Second):
		c.t.Fatalf("no %s notification", method)
		return serverFrame{}
	}
}

// expectSilence asserts nothing is pushed for the given window.
func (c *wsClient) expectSilence(d time.Duration) {
	c.t.Helper()
	select {
	case f := <-c.notes:
		c.t.Fatalf("unexpected %s notification", f.Method)
	case f := <-c.resps:
		c.t.Fatalf("unexpected response id %s", string(f.ID))
	case <-time.After(d):
	}
}

// strictClient reads the wire directly with no demultiplexing, so the
// order in which the server wrote its frames is observable.
type strictClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialStrict(t *testing.T, ts *httptest.Server) *strictClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &strictClient{t: t, conn: conn}
}

func (c *strictClient) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// next returns the next frame the server wrote, response or not.
func (c *strictClient) next() serverFrame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "no frame from the server")
	var f serverFrame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f
}

func decodeGroupID(t *testing.T, result json.RawMessage) string {
	t.Helper()
	var r struct {
		Group struct {
			ID string `json:"id"`
		} `json:"group"`
	}
	require.NoError(t, json.Unmarshal(result, &r))
	require.NotEmpty(t, r.Group.ID)
	return r.Group.ID
}

func decodeSessionID(t *testing.T, result json.RawMessage) string {
	t.Helper()
	var r struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(result, &r))
	require.NotEmpty(t, r.Session.ID)
	return r.Session.ID
}

func decodePartyNumber(t *testing.T, result json.RawMessage) uint16 {
	t.Helper()
	var r struct {
		PartyNumber uint16 `json:"partyNumber"`
	}
	require.NoError(t, json.Unmarshal(result, &r))
	return r.PartyNumber
}

type envelope struct {
	GroupID   string          `json:"groupId"`
	SessionID string          `json:"sessionId"`
	Sender    uint16          `json:"sender"`
	Message   json.RawMessage `json:"message"`
}

func decodeEnvelope(t *testing.T, params json.RawMessage) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(params, &e))
	return e
}

// TestKeygenCeremony walks three clients through the whole protocol:
// group formation, session creation, dense signups, the readiness
// broadcast and message relaying.
func TestKeygenCeremony(t *testing.T) {
	_, ts := newTestServer(t)
	c1 := dialClient(t, ts)
	c2 := dialClient(t, ts)
	c3 := dialClient(t, ts)

	resp := c1.call("group_create", `{"parameters":{"n":3,"t":1}}`)
	require.Nil(t, resp.Error)
	groupID := decodeGroupID(t, resp.Result)

	join := fmt.Sprintf(`{"groupId":"%s"}`, groupID)
	require.Nil(t, c2.call("group_join", join).Error)
	require.Nil(t, c3.call("group_join", join).Error)

	// The creator learns of the session from its response; the other
	// members are notified.
	resp = c1.call("session_create", fmt.Sprintf(`{"groupId":"%s","kind":"keygen"}`, groupID))
	require.Nil(t, resp.Error)
	sessionID := decodeSessionID(t, resp.Result)

	for _, c := range []*wsClient{c2, c3} {
		note := c.expectNote("session_created")
		var event struct {
			Session struct {
				ID   string `json:"id"`
				Kind string `json:"kind"`
			} `json:"session"`
		}
		require.NoError(t, json.Unmarshal(note.Params, &event))
		assert.Equal(t, sessionID, event.Session.ID)
		assert.Equal(t, "keygen", event.Session.Kind)
	}
	c1.expectSilence(100 * time.Millisecond)

	// Signups hand out 1, 2, 3 in order. The last signup makes the
	// keygen ready and the whole group hears about it, the last signer
	// included.
	signup := fmt.Sprintf(`{"groupId":"%s","sessionId":"%s"}`, groupID, sessionID)
	for i, c := range []*wsClient{c1, c2, c3} {
		resp := c.call("session_signup", signup)
		require.Nil(t, resp.Error)
		assert.Equal(t, uint16(i+1), decodePartyNumber(t, resp.Result))
	}
	for _, c := range []*wsClient{c1, c2, c3} {
		c.expectNote("session_ready")
	}

	// A broadcast reaches every other party with the sender resolved
	// server-side.
	c1.notify("session_message", fmt.Sprintf(`{"groupId":"%s","sessionId":"%s","message":{"round":1,"broadcast":true}}`, groupID, sessionID))
	for _, c := range []*wsClient{c2, c3} {
		e := decodeEnvelope(t, c.expectNote("session_message").Params)
		assert.Equal(t, groupID, e.GroupID)
		assert.Equal(t, sessionID, e.SessionID)
		assert.Equal(t, uint16(1), e.Sender)
		assert.JSONEq(t, `{"round":1,"broadcast":true}`, string(e.Message))
	}
	c1.expectSilence(100 * time.Millisecond)

	// A directed message reaches exactly its receiver.
	c2.notify("session_message", fmt.Sprintf(`{"groupId":"%s","sessionId":"%s","receiver":3,"message":"c2hhcmU="}`, groupID, sessionID))
	e := decodeEnvelope(t, c3.expectNote("session_message").Params)
	assert.Equal(t, uint16(2), e.Sender)
	assert.JSONEq(t, `"c2hhcmU="`, string(e.Message))
	c1.expectSilence(100 * time.Millisecond)
	c2.expectSilence(100 * time.Millisecond)

	// Relaying to yourself is allowed.
	c3.notify("session_message", fmt.Sprintf(`{"groupId":"%s","sessionId":"%s","receiver":3,"message":"loop"}`, groupID, sessionID))
	e = decodeEnvelope(t, c3.expectNote("session_message").Params)
	assert.Equal(t, uint16(3), e.Sender)
}

func TestSigningReadyAtThreshold(t *testing.T) {
	_, ts := newTestServer(t)
	c1 := dialClient(t, ts)
	c2 := dialClient(t, ts)
	c3 := dialClient(t, ts)

	resp := c1.call("group_create", `{"parameters":{"n":3,"t":1}}`)
	groupID := decodeGroupID(t, resp.Result)
	join := fmt.Sprintf(`{"groupId":"%s"}`, groupID)
	require.Nil(t, c2.call("group_join", join).Error)
	require.Nil(t, c3.call("group_join", join).Error)

	resp = c1.call("session_create", fmt.Sprintf(`{"groupId":"%s","kind":"sign","value":{"message":"f00d"}}`, groupID))
	sessionID := decodeSessionID(t, resp.Result)
	c2.expectNote("session_created")
	c3.expectNote("session_created")

	// Two of three suffice for t=1. Readiness reaches every group
	// member, even c3 who never signed up.
	signup := fmt.Sprintf(`{"groupId":"%s","sessionId":"%s"}`, groupID, sessionID)
	require.Nil(t, c1.call("session_signup", signup).Error)
	require.Nil(t, c2.call("session_signup", signup).Error)
	c1.expectNote("session_ready")
	c2.expectNote("session_ready")
	c3.expectNote("session_ready")
}

func TestRequestErrors(t *testing.T) {
	_, ts := newTestServer(t)
	c := dialClient(t, ts)

	resp := c.call("group_create", `{"parameters":{"n":1,"t":1}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	assert.Equal(t, "invalid number of parties 1", resp.Error.Data)

	resp = c.call("group_rename", `{}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "group_rename", resp.Error.Data)
}

// Frames that are not JSON-RPC are dropped without killing the
// connection or producing a reply.
func TestMalformedFramesIgnored(t *testing.T) {
	_, ts := newTestServer(t)
	c := dialClient(t, ts)

	c.send(`{"jsonrpc":"2.0","id":`)
	c.send(`not json at all`)
	c.send(`{"jsonrpc":"0.7","id":1,"method":"group_create"}`)
	c.expectSilence(100 * time.Millisecond)

	resp := c.call("group_create", `{"parameters":{"n":2,"t":1}}`)
	assert.Nil(t, resp.Error)
}

// Requests on one connection are answered strictly in order.
func TestSequentialResponses(t *testing.T) {
	_, ts := newTestServer(t)
	c := dialClient(t, ts)

	for i := 1; i <= 3; i++ {
		c.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"group_create","params":{"parameters":{"n":2,"t":1}}}`, i))
	}
	for i := 1; i <= 3; i++ {
		select {
		case f := <-c.resps:
			assert.Equal(t, json.RawMessage(strconv.Itoa(i)), f.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing response %d", i)
		}
	}
}

// The response to the signup that completes a session reaches the
// caller before the readiness broadcast the same signup triggered. The
// demultiplexing client above cannot see cross-frame order, so this
// test reads the wire sequentially.
func TestResponsePrecedesTriggeredNotifications(t *testing.T) {
	_, ts := newTestServer(t)
	creator := dialClient(t, ts)
	last := dialStrict(t, ts)

	resp := creator.call("group_create", `{"parameters":{"n":2,"t":1}}`)
	require.Nil(t, resp.Error)
	groupID := decodeGroupID(t, resp.Result)

	last.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"group_join","params":{"groupId":"%s"}}`, groupID))
	join := last.next()
	require.Empty(t, join.Method)
	require.Nil(t, join.Error)

	resp = creator.call("session_create", fmt.Sprintf(`{"groupId":"%s","kind":"keygen"}`, groupID))
	require.Nil(t, resp.Error)
	sessionID := decodeSessionID(t, resp.Result)
	require.Equal(t, "session_created", last.next().Method)

	signup := fmt.Sprintf(`{"groupId":"%s","sessionId":"%s"}`, groupID, sessionID)
	require.Nil(t, creator.call("session_signup", signup).Error)

	// This signup crosses the threshold: its connection must get the
	// response frame first and the readiness frame second.
	last.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"session_signup","params":%s}`, signup))
	first := last.next()
	require.Emptyf(t, first.Method, "expected the signup response before any notification, got %q", first.Method)
	require.Nil(t, first.Error)
	assert.Equal(t, json.RawMessage("2"), first.ID)
	assert.Equal(t, uint16(2), decodePartyNumber(t, first.Result))

	assert.Equal(t, "session_ready", last.next().Method)
	creator.expectNote("session_ready")
}

func TestDisconnectCleansUpState(t *testing.T) {
	srv, ts := newTestServer(t)
	c1 := dialClient(t, ts)
	c2 := dialClient(t, ts)

	resp := c1.call("group_create", `{"parameters":{"n":2,"t":1}}`)
	groupID := decodeGroupID(t, resp.Result)
	require.Nil(t, c2.call("group_join", fmt.Sprintf(`{"groupId":"%s"}`, groupID)).Error)

	require.Eventually(t, func() bool { return srv.Registry().NumClients() == 2 },
		2*time.Second, 10*time.Millisecond)

	c2.conn.Close()
	require.Eventually(t, func() bool { return srv.Registry().NumClients() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Registry().NumGroups())

	// The last member leaving takes the group with it.
	c1.conn.Close()
	require.Eventually(t, func() bool { return srv.Registry().NumGroups() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestConnectionLimit(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxConnections = 1
	})
	dialClient(t, ts)
	require.Eventually(t, func() bool { return srv.Registry().NumClients() == 1 },
		2*time.Second, 10*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConnectionRateLimit(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.ConnRate = 1
		cfg.ConnBurst = 1
	})
	dialClient(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	dialClient(t, ts)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Goroutines  int    `json:"goroutines"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.GreaterOrEqual(t, health.Connections, 0)
	assert.Greater(t, health.Goroutines, 0)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mpc_connections_active")
}

func TestUnknownPath(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlainHTTPRejected(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, http.StatusBadRequest)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: time.Second,
	}
	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
