package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/rampartsec/rampart/pkg/metrics"
	"github.com/rampartsec/rampart/pkg/models"
)

// listenTimeout bounds how long a LISTEN command may block when a new
// channel gains its first subscriber.
const listenTimeout = 10 * time.Second

// Credentials is the client identity established by an authenticate
// message.
type Credentials struct {
	UserID         int64
	OrganizationID int64
	Permissions    []string
}

// Authenticator validates the token of an authenticate message against
// its claimed identity. Implemented by the API's session layer.
type Authenticator interface {
	Authenticate(ctx context.Context, token string, claimed Credentials) error
}

// ExecutionAuthorizer checks that an execution belongs to an
// organization before a client may join its room.
type ExecutionAuthorizer interface {
	ExecutionInOrg(ctx context.Context, executionID string, orgID int64) bool
}

// TestRunner executes a playbook dry run for the test:trigger command.
// Implemented by the executor.
type TestRunner interface {
	DryRun(ctx context.Context, orgID, playbookID int64, userID *int64, triggerData map[string]any) (*models.StateSnapshot, error)
}

// ConnectionManager manages WebSocket connections and channel
// subscriptions. Each pod has one instance; cross-pod fan-out happens
// through the NotifyListener.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	auth    Authenticator
	execs   ExecutionAuthorizer
	catchup CatchupQuerier
	tests   TestRunner

	listener   *NotifyListener
	listenerMu sync.RWMutex

	pingInterval time.Duration
	idleTimeout  time.Duration
	catchupLimit int
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions and creds are accessed only from the goroutine that
// owns the connection (HandleConnection's read loop and its deferred
// cleanup), so they need no lock.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	creds         *Credentials // nil until authenticated
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(auth Authenticator, execs ExecutionAuthorizer, catchup CatchupQuerier, pingInterval, idleTimeout time.Duration, catchupLimit int) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		auth:         auth,
		execs:        execs,
		catchup:      catchup,
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
		catchupLimit: catchupLimit,
		writeTimeout: 10 * time.Second,
	}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// SetTestRunner wires the dry-run executor for the test:trigger
// command. Called once during startup; connections opened before the
// runner is set reject test triggers.
func (m *ConnectionManager) SetTestRunner(r TestRunner) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.tests = r
}

func (m *ConnectionManager) testRunner() TestRunner {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	return m.tests
}

// HandleConnection owns one WebSocket connection from upgrade to close.
// The first client message must be an authenticate; everything else is
// rejected until it succeeds. Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	metrics.LiveConnections.Inc()
	defer func() {
		m.unregisterConnection(c)
		metrics.LiveConnections.Dec()
	}()

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	go m.runPing(c)

	opened := time.Now()
	for {
		readCtx, cancelRead := context.WithTimeout(ctx, m.idleTimeout)
		_, data, err := conn.Read(readCtx)
		cancelRead()
		if err != nil {
			if readCtx.Err() != nil && ctx.Err() == nil {
				slog.Info("Closing idle WebSocket connection", "connection_id", connID)
			} else if time.Since(opened) < m.pingInterval {
				slog.Info("WebSocket client disconnected below heartbeat threshold",
					"connection_id", connID, "lifetime", time.Since(opened))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast sends an event payload to all connections subscribed to the
// given channel. Best-effort: send failures are logged, not retried.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers, then release the lock before the
	// potentially slow writes.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, event); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	if msg.Action == "ping" {
		m.sendJSON(c, map[string]string{"type": "pong"})
		return
	}

	if msg.Action == "authenticate" {
		m.handleAuthenticate(ctx, c, msg)
		return
	}

	if c.creds == nil {
		m.sendJSON(c, map[string]string{
			"type":    "error",
			"message": "authenticate first",
		})
		return
	}

	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if !m.channelAllowed(ctx, c, msg.Channel) {
			slog.Warn("Rejected cross-organization subscription",
				"connection_id", c.ID, "channel", msg.Channel, "organization_id", c.creds.OrganizationID)
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "forbidden",
			})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" || !m.channelAllowed(ctx, c, msg.Channel) {
			m.sendJSON(c, map[string]string{"type": "error", "message": "invalid catchup channel"})
			return
		}
		if msg.LastEventID != nil {
			m.handleCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "test:trigger":
		m.handleTestTrigger(ctx, c, msg)

	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action"})
	}
}

// handleTestTrigger runs a synchronous dry run and replies to the
// requesting client only. Real subscribers see nothing beyond the
// transient test:trigger:started announcement the executor publishes.
func (m *ConnectionManager) handleTestTrigger(ctx context.Context, c *Connection, msg *ClientMessage) {
	if msg.PlaybookID == 0 {
		m.sendJSON(c, map[string]string{"type": "error", "message": "playbookId is required for test:trigger"})
		return
	}
	runner := m.testRunner()
	if runner == nil {
		m.sendJSON(c, map[string]string{"type": "error", "message": "test runs are not available"})
		return
	}

	userID := c.creds.UserID
	snap, err := runner.DryRun(ctx, c.creds.OrganizationID, msg.PlaybookID, &userID, msg.SampleData)
	if err != nil && snap == nil {
		slog.Warn("Test trigger failed", "connection_id", c.ID, "playbook_id", msg.PlaybookID, "error", err)
		m.sendJSON(c, map[string]any{
			"type":       "test:error",
			"playbookId": msg.PlaybookID,
			"message":    err.Error(),
		})
		return
	}

	resp := map[string]any{
		"type":       "test:result",
		"playbookId": msg.PlaybookID,
		"success":    err == nil,
		"result":     snap,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	m.sendJSON(c, resp)
}

func (m *ConnectionManager) handleAuthenticate(ctx context.Context, c *Connection, msg *ClientMessage) {
	creds := Credentials{
		UserID:         msg.UserID,
		OrganizationID: msg.OrganizationID,
		Permissions:    msg.Permissions,
	}
	if err := m.auth.Authenticate(ctx, msg.Token, creds); err != nil {
		slog.Warn("WebSocket authentication failed", "connection_id", c.ID, "error", err)
		m.sendJSON(c, map[string]string{"type": "auth.error", "message": "authentication failed"})
		return
	}

	c.creds = &creds

	// Every authenticated client joins its organization room.
	if err := m.subscribe(c, OrgChannel(creds.OrganizationID)); err != nil {
		m.sendJSON(c, map[string]string{"type": "auth.error", "message": "failed to join organization room"})
		c.creds = nil
		return
	}

	m.sendJSON(c, map[string]any{
		"type":            "authenticated",
		"organization_id": creds.OrganizationID,
	})
}

// channelAllowed enforces tenant isolation on room names: org and
// playbook rooms must match the authenticated organization, execution
// rooms must reference an execution of that organization.
func (m *ConnectionManager) channelAllowed(ctx context.Context, c *Connection, channel string) bool {
	switch {
	case strings.HasPrefix(channel, "org:"):
		id, err := strconv.ParseInt(channel[len("org:"):], 10, 64)
		return err == nil && id == c.creds.OrganizationID

	case strings.HasPrefix(channel, "playbooks:"):
		id, err := strconv.ParseInt(channel[len("playbooks:"):], 10, 64)
		return err == nil && id == c.creds.OrganizationID

	case strings.HasPrefix(channel, "execution:"):
		if m.execs == nil {
			return false
		}
		return m.execs.ExecutionInOrg(ctx, channel[len("execution:"):], c.creds.OrganizationID)

	default:
		return false
	}
}

// subscribe registers a connection for a channel and starts LISTEN for
// the first subscriber. LISTEN is synchronous so auto-catchup runs with
// LISTEN already active, closing the missed-event gap.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes all subscribers from a channel after a
// LISTEN failure. Concurrent subscribers who skipped LISTEN because the
// channel entry already existed are orphaned and must be notified.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes a connection from a channel, issuing UNLISTEN
// when the last subscriber leaves. The UNLISTEN goroutine re-checks the
// channel map first so a rapid unsubscribe/resubscribe cycle cannot
// drop an active LISTEN.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays persisted events newer than lastEventID.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, lastEventID int64) {
	if m.catchup == nil {
		return
	}

	events, err := m.catchup.GetCatchupEvents(ctx, channel, lastEventID, m.catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(events) > m.catchupLimit
	if hasMore {
		events = events[:m.catchupLimit]
	}

	// Persisted payloads lack db_event_id (only the NOTIFY copy has
	// it), so inject the row id for position tracking.
	for _, evt := range events {
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

// runPing keeps the connection alive with protocol-level pings.
func (m *ConnectionManager) runPing(c *Connection) {
	if m.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
			err := c.Conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					slog.Warn("WebSocket ping failed", "connection_id", c.ID, "error", err)
				}
				return
			}
		}
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
