package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rampartsec/rampart/pkg/models"
)

const testCatchupLimit = 5

type mockAuthenticator struct{}

func (mockAuthenticator) Authenticate(_ context.Context, token string, _ Credentials) error {
	if token != "valid-token" {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// mockExecAuthorizer maps execution id → owning organization.
type mockExecAuthorizer struct {
	owners map[string]int64
}

func (m *mockExecAuthorizer) ExecutionInOrg(_ context.Context, executionID string, orgID int64) bool {
	return m.owners[executionID] == orgID
}

type mockCatchupQuerier struct {
	events []CatchupEvent
	err    error
}

func (m *mockCatchupQuerier) GetCatchupEvents(_ context.Context, _ string, _ int64, limit int) ([]CatchupEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit > 0 && len(m.events) > limit {
		return m.events[:limit], nil
	}
	return m.events, nil
}

func newTestManager(querier CatchupQuerier) *ConnectionManager {
	execs := &mockExecAuthorizer{owners: map[string]int64{
		"exec-owned":   42,
		"exec-foreign": 99,
	}}
	return NewConnectionManager(mockAuthenticator{}, execs, querier, 25*time.Second, 30*time.Second, testCatchupLimit)
}

func serveManager(t *testing.T, manager *ConnectionManager) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(func() { server.Close() })
	return server
}

func setupTestManager(t *testing.T) (*ConnectionManager, *httptest.Server) {
	t.Helper()
	manager := newTestManager(&mockCatchupQuerier{})
	return manager, serveManager(t, manager)
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// authenticate performs the handshake as org 42 and consumes the
// connection.established and authenticated frames.
func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := readJSON(t, conn)
	require.Equal(t, "connection.established", msg["type"])

	writeJSON(t, conn, ClientMessage{
		Action:         "authenticate",
		Token:          "valid-token",
		UserID:         7,
		OrganizationID: 42,
	})
	msg = readJSON(t, conn)
	require.Equal(t, "authenticated", msg["type"])
	require.Equal(t, float64(42), msg["organization_id"])
}

func waitForSubscribers(t *testing.T, manager *ConnectionManager, channel string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return manager.subscriberCount(channel) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManager_SubscribeRequiresAuth(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "org:42"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "authenticate first", msg["message"])
}

func TestConnectionManager_AuthenticateBadToken(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "authenticate", Token: "bogus", OrganizationID: 42})
	msg := readJSON(t, conn)
	assert.Equal(t, "auth.error", msg["type"])

	// Still unauthenticated.
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "org:42"})
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestConnectionManager_AuthenticateJoinsOrgRoom(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	authenticate(t, conn)

	waitForSubscribers(t, manager, "org:42", 1)

	payload, _ := json.Marshal(map[string]string{"type": "test", "data": "hello"})
	manager.Broadcast("org:42", payload)

	msg := readJSON(t, conn)
	assert.Equal(t, "test", msg["type"])
	assert.Equal(t, "hello", msg["data"])
}

func TestConnectionManager_CrossOrgSubscribeRejected(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	authenticate(t, conn)

	for _, channel := range []string{"org:99", "playbooks:99", "execution:exec-foreign", "bogus:1"} {
		writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
		msg := readJSON(t, conn)
		assert.Equal(t, "subscription.error", msg["type"], "channel %s", channel)
		assert.Equal(t, "forbidden", msg["message"])
	}
}

func TestConnectionManager_SubscribeOwnedExecution(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	authenticate(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "execution:exec-owned"})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "execution:exec-owned", msg["channel"])

	waitForSubscribers(t, manager, "execution:exec-owned", 1)

	payload, _ := json.Marshal(map[string]string{"type": "step:completed"})
	manager.Broadcast("execution:exec-owned", payload)
	msg = readJSON(t, conn)
	assert.Equal(t, "step:completed", msg["type"])
}

func TestConnectionManager_BroadcastIsolation(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	authenticate(t, conn1)
	authenticate(t, conn2)

	writeJSON(t, conn1, ClientMessage{Action: "subscribe", Channel: "execution:exec-owned"})
	readJSON(t, conn1) // subscription.confirmed
	waitForSubscribers(t, manager, "execution:exec-owned", 1)

	payload, _ := json.Marshal(map[string]string{"type": "test", "target": "exec"})
	manager.Broadcast("execution:exec-owned", payload)

	msg := readJSON(t, conn1)
	assert.Equal(t, "exec", msg["target"])

	// conn2 never subscribed to the execution room.
	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	_, _, err := conn2.Read(readCtx)
	assert.Error(t, err, "conn2 should not receive the execution broadcast")
}

func TestConnectionManager_PingPong(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	// ping works without authentication
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_Unsubscribe(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	authenticate(t, conn)

	channel := "execution:exec-owned"
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn) // subscription.confirmed

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: channel})
	waitForSubscribers(t, manager, channel, 0)

	payload, _ := json.Marshal(map[string]string{"type": "should-not-receive"})
	manager.Broadcast(channel, payload)

	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "should not receive message after unsubscribe")
}

func TestConnectionManager_CatchupNormal(t *testing.T) {
	events := []CatchupEvent{
		{ID: 10, Payload: map[string]any{"type": "step:started", "seq": float64(1)}},
		{ID: 11, Payload: map[string]any{"type": "step:completed", "seq": float64(2)}},
		{ID: 12, Payload: map[string]any{"type": "execution:completed", "seq": float64(3)}},
	}
	manager := newTestManager(&mockCatchupQuerier{events: events})
	server := serveManager(t, manager)

	conn := connectWS(t, server)
	authenticate(t, conn)

	lastEventID := int64(0)
	writeJSON(t, conn, ClientMessage{Action: "catchup", Channel: "execution:exec-owned", LastEventID: &lastEventID})

	for i := 0; i < 3; i++ {
		msg := readJSON(t, conn)
		assert.Equal(t, float64(i+1), msg["seq"])
		assert.Equal(t, float64(10+i), msg["db_event_id"])
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "should not receive overflow message for small catchup")
}

func TestConnectionManager_CatchupOverflow(t *testing.T) {
	manyEvents := make([]CatchupEvent, testCatchupLimit+5)
	for i := range manyEvents {
		manyEvents[i] = CatchupEvent{
			ID:      int64(i + 1),
			Payload: map[string]any{"type": "step:update", "seq": i},
		}
	}
	manager := newTestManager(&mockCatchupQuerier{events: manyEvents})
	server := serveManager(t, manager)

	conn := connectWS(t, server)
	authenticate(t, conn)

	lastEventID := int64(0)
	writeJSON(t, conn, ClientMessage{Action: "catchup", Channel: "execution:exec-owned", LastEventID: &lastEventID})

	var overflowReceived bool
	for i := 0; i < testCatchupLimit+5; i++ {
		msg := readJSON(t, conn)
		if msg["type"] == "catchup.overflow" {
			overflowReceived = true
			assert.Equal(t, true, msg["has_more"])
			break
		}
	}
	assert.True(t, overflowReceived, "expected catchup.overflow message")
}

func TestConnectionManager_CatchupError(t *testing.T) {
	manager := newTestManager(&mockCatchupQuerier{err: fmt.Errorf("database unreachable")})
	server := serveManager(t, manager)

	conn := connectWS(t, server)
	authenticate(t, conn)

	lastEventID := int64(0)
	writeJSON(t, conn, ClientMessage{Action: "catchup", Channel: "execution:exec-owned", LastEventID: &lastEventID})

	// Error is logged, not fatal. Connection stays usable.
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_EmptyChannelValidation(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	authenticate(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: ""})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: ""})
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg = readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_BroadcastToNonExistentChannel(t *testing.T) {
	manager, _ := setupTestManager(t)

	payload, _ := json.Marshal(map[string]string{"type": "test"})
	assert.NotPanics(t, func() {
		manager.Broadcast("org:12345", payload)
	})
}

func TestConnectionManager_SetListener(t *testing.T) {
	manager := newTestManager(&mockCatchupQuerier{})
	assert.Nil(t, manager.listener)

	listener := NewNotifyListener("host=localhost", manager)
	manager.SetListener(listener)

	manager.listenerMu.RLock()
	assert.Equal(t, listener, manager.listener)
	manager.listenerMu.RUnlock()
}

func TestConnectionManager_CleanupOnDisconnect(t *testing.T) {
	manager, server := setupTestManager(t)

	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	authenticate(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "execution:exec-owned"})
	readJSON(t, conn) // subscription.confirmed

	assert.Equal(t, 1, manager.ActiveConnections())

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)

	waitForSubscribers(t, manager, "org:42", 0)
	waitForSubscribers(t, manager, "execution:exec-owned", 0)

	payload, _ := json.Marshal(map[string]string{"type": "test"})
	assert.NotPanics(t, func() {
		manager.Broadcast("execution:exec-owned", payload)
	})
}

// mockTestRunner records the dry-run request and returns a canned result.
type mockTestRunner struct {
	orgID      int64
	playbookID int64
	snap       *models.StateSnapshot
	err        error
}

func (m *mockTestRunner) DryRun(_ context.Context, orgID, playbookID int64, _ *int64, _ map[string]any) (*models.StateSnapshot, error) {
	m.orgID = orgID
	m.playbookID = playbookID
	return m.snap, m.err
}

func TestConnectionManager_TestTrigger(t *testing.T) {
	manager, server := setupTestManager(t)
	runner := &mockTestRunner{snap: &models.StateSnapshot{
		Steps: []models.StepSummary{{ID: "s1", Status: models.StepStatusCompleted}},
	}}
	manager.SetTestRunner(runner)

	conn := connectWS(t, server)
	authenticate(t, conn)

	writeJSON(t, conn, ClientMessage{
		Action:     "test:trigger",
		PlaybookID: 12,
		SampleData: map[string]any{"severity": "high"},
	})
	msg := readJSON(t, conn)
	require.Equal(t, "test:result", msg["type"])
	assert.Equal(t, true, msg["success"])
	assert.Equal(t, float64(12), msg["playbookId"])
	assert.NotNil(t, msg["result"])

	// The dry run is scoped to the authenticated organization.
	assert.Equal(t, int64(42), runner.orgID)
	assert.Equal(t, int64(12), runner.playbookID)
}

func TestConnectionManager_TestTriggerFailure(t *testing.T) {
	manager, server := setupTestManager(t)
	manager.SetTestRunner(&mockTestRunner{err: fmt.Errorf("playbook not found")})

	conn := connectWS(t, server)
	authenticate(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "test:trigger", PlaybookID: 99})
	msg := readJSON(t, conn)
	require.Equal(t, "test:error", msg["type"])
	assert.Contains(t, msg["message"], "not found")
}

func TestConnectionManager_TestTriggerWithoutRunner(t *testing.T) {
	_, server := setupTestManager(t)

	conn := connectWS(t, server)
	authenticate(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "test:trigger", PlaybookID: 1})
	msg := readJSON(t, conn)
	require.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "not available")
}
