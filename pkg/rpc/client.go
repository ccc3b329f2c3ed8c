package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Nomadcxx/floyd-bridge/pkg/protocol"
)

// ClientConfig tunes one outbound bridge connection.
type ClientConfig struct {
	// URL is the WebSocket endpoint, e.g. ws://127.0.0.1:4000/.
	URL string

	Name    string
	Version string

	// ConnectTimeout bounds the socket open plus WebSocket handshake.
	ConnectTimeout time.Duration

	// RequestTimeout bounds each outstanding request independently.
	RequestTimeout time.Duration

	AutoReconnect        bool
	MaxReconnectAttempts uint
	ReconnectBaseDelay   time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Name == "" {
		c.Name = "floyd-bridge"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	return c
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest waits in the pending table between send and
// response-or-timeout. Whichever of (matching response, timeout, close)
// happens first removes it, exactly once.
type pendingRequest struct {
	method string
	ch     chan callOutcome
}

// Client owns a single outbound connection to a bridge server. All public
// methods are safe for concurrent use; the pending table, tool cache and
// status are only mutated under one mutex.
type Client struct {
	cfg    ClientConfig
	logger *logrus.Logger

	nextID  atomic.Int64
	writeMu sync.Mutex // serializes frames on the socket

	mu                sync.Mutex
	conn              *websocket.Conn
	state             ConnectionState
	lastError         string
	pending           map[string]*pendingRequest
	tools             []protocol.ToolDescriptor
	initialized       bool
	observers         []func(ConnectionStatus)
	onNotification    func(method string, params json.RawMessage)
	explicitClose     bool
	reconnectAttempts uint
	reconnectPending  bool
	reconnectTimer    *time.Timer
	backoff           *backoff.ExponentialBackOff
}

// NewClient creates a client; no I/O happens until Connect.
func NewClient(cfg ClientConfig, logger *logrus.Logger) *Client {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 10 * time.Minute

	return &Client{
		cfg:     cfg,
		logger:  logger,
		state:   StateDisconnected,
		pending: make(map[string]*pendingRequest),
		backoff: b,
	}
}

// OnStatusChange registers an observer called with a status snapshot on
// every state transition.
func (c *Client) OnStatusChange(fn func(ConnectionStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// OnNotification registers a handler for server-pushed notifications.
func (c *Client) OnNotification(fn func(method string, params json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotification = fn
}

// Connect opens the socket, performs the initialize handshake and caches
// the peer's tool list. A failed Connect never enters the reconnect loop;
// callers that want retries on initial connection failure call it again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect: client is %s", c.state)
	}
	c.explicitClose = false
	notify := c.transitionLocked(StateConnecting, "")
	c.mu.Unlock()
	notify()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		notify = c.transitionLocked(StateDisconnected, err.Error())
		c.mu.Unlock()
		notify()
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]*pendingRequest)
	notify = c.transitionLocked(StateConnected, "")
	c.mu.Unlock()
	notify()

	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.abortHandshake(conn, err)
		return fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.reconnectAttempts = 0
	c.backoff.Reset()
	notify = c.transitionLocked(StateInitialized, "")
	c.mu.Unlock()
	notify()

	c.logger.Infof("Connected to %s (%d tools)", c.cfg.URL, c.toolCount())
	return nil
}

// handshake runs initialize, acknowledges it and refreshes the tool cache.
func (c *Client) handshake(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      protocol.PeerInfo{Name: c.cfg.Name, Version: c.cfg.Version},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return err
	}

	if err := c.notifyPeer("notifications/initialized", nil); err != nil {
		return err
	}

	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var result protocol.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return nil
}

// abortHandshake tears the connection down without entering the reconnect
// loop: the conn is detached first so the read loop's close handling sees a
// stale socket and does nothing.
func (c *Client) abortHandshake(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.failPendingLocked(ErrConnectionClosed)
	notify := c.transitionLocked(StateDisconnected, cause.Error())
	c.mu.Unlock()
	notify()
	_ = conn.Close()
}

// Disconnect closes the connection, clears the tool cache and suppresses
// the auto-reconnect that would otherwise follow the close event.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.explicitClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectPending = false
	c.reconnectAttempts = 0
	conn := c.conn
	c.conn = nil
	c.tools = nil
	c.initialized = false
	c.failPendingLocked(ErrConnectionClosed)
	notify := c.transitionLocked(StateDisconnected, "")
	c.mu.Unlock()
	notify()

	if conn != nil {
		_ = conn.Close()
	}
}

// IsConnected reports whether the socket is open and initialization
// completed.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateInitialized
}

// Status returns a snapshot of the connection status.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// ListTools returns the cached point-in-time snapshot taken at the last
// (re)initialization.
func (c *Client) ListTools() ([]protocol.ToolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	return slices.Clone(c.tools), nil
}

// CallTool invokes a tool on the peer and returns its raw result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	ready := c.state == StateInitialized
	c.mu.Unlock()
	if !ready {
		return nil, ErrNotConnected
	}
	return c.call(ctx, "tools/call", protocol.CallToolParams{Name: name, Arguments: args})
}

// PendingRequests reports the number of requests awaiting a response.
// Diagnostic only.
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// call sends a request and parks until the matching response arrives, the
// request timeout fires, or ctx is cancelled. The pending entry is removed
// exactly once by whichever happens first.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := protocol.NewID(c.nextID.Add(1))
	key := id.Key()
	pr := &pendingRequest{method: method, ch: make(chan callOutcome, 1)}
	c.pending[key] = pr
	c.mu.Unlock()

	frame, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		c.takePending(key)
		return nil, err
	}
	if err := c.writeFrame(conn, frame); err != nil {
		c.takePending(key)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case out := <-pr.ch:
		return out.result, out.err
	case <-timer.C:
		if c.takePending(key) != nil {
			return nil, fmt.Errorf("%s after %s: %w", method, c.cfg.RequestTimeout, ErrRequestTimeout)
		}
		// A response raced the timer and was already delivered.
		out := <-pr.ch
		return out.result, out.err
	case <-ctx.Done():
		if c.takePending(key) != nil {
			return nil, ctx.Err()
		}
		out := <-pr.ch
		return out.result, out.err
	}
}

// notifyPeer sends a fire-and-forget notification.
func (c *Client) notifyPeer(method string, params any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := protocol.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.writeFrame(conn, frame)
}

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Malformed incoming traffic is dropped, never fatal to the
		// connection.
		c.logger.Debugf("Dropping malformed message: %v", err)
		return
	}

	switch msg.Kind {
	case protocol.KindResponse:
		c.deliver(msg.ID, callOutcome{result: msg.Result})
	case protocol.KindError:
		c.deliver(msg.ID, callOutcome{err: msg.Err})
	case protocol.KindNotification:
		c.mu.Lock()
		handler := c.onNotification
		c.mu.Unlock()
		if handler != nil {
			handler(msg.Method, msg.Params)
		} else {
			c.logger.Debugf("Notification from peer: %s", msg.Method)
		}
	case protocol.KindRequest:
		c.logger.Warnf("Dropping unexpected request from peer: %s", msg.Method)
	}
}

func (c *Client) deliver(id *protocol.RequestID, out callOutcome) {
	if id == nil {
		c.logger.Debugf("Dropping response without id")
		return
	}
	pr := c.takePending(id.Key())
	if pr == nil {
		// Late response for a timed-out request, or an id we never sent.
		c.logger.Debugf("Dropping response for unknown id %s", id)
		return
	}
	pr.ch <- out
}

// takePending removes and returns the pending entry for key, or nil if it
// was already resolved. This is the single point enforcing exactly-once
// resolution.
func (c *Client) takePending(key string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	return pr
}

func (c *Client) failPendingLocked(cause error) {
	for key, pr := range c.pending {
		delete(c.pending, key)
		pr.ch <- callOutcome{err: fmt.Errorf("%s: %w", pr.method, cause)}
	}
}

// handleClose runs when the read loop exits. Stale sockets (already
// replaced by Disconnect or a newer Connect) are ignored.
func (c *Client) handleClose(conn *websocket.Conn, readErr error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasInitialized := c.state == StateInitialized
	c.failPendingLocked(ErrConnectionClosed)
	notify := c.transitionLocked(StateDisconnected, readErr.Error())
	if wasInitialized && !c.explicitClose {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
	notify()
	_ = conn.Close()
}

// scheduleReconnectLocked arms the backoff timer. Scheduling is idempotent:
// a second reconnect is never armed while one is pending.
func (c *Client) scheduleReconnectLocked() {
	if !c.cfg.AutoReconnect || c.explicitClose || c.reconnectPending {
		return
	}
	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Warnf("Giving up after %d reconnect attempts", c.reconnectAttempts)
		return
	}
	c.reconnectAttempts++
	delay := c.backoff.NextBackOff()
	c.reconnectPending = true
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.logger.Infof("Reconnect attempt %d/%d in %s", c.reconnectAttempts, c.cfg.MaxReconnectAttempts, delay)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectPending = false
	if c.explicitClose {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.Connect(context.Background()); err != nil {
		c.logger.Warnf("Reconnect failed: %v", err)
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
	}
}

func (c *Client) statusLocked() ConnectionStatus {
	return ConnectionStatus{
		State:             c.state,
		ReconnectAttempts: c.reconnectAttempts,
		ToolCount:         uint(len(c.tools)),
		LastError:         c.lastError,
	}
}

// transitionLocked updates the state and returns the observer fan-out to
// run after the mutex is released.
func (c *Client) transitionLocked(state ConnectionState, lastError string) func() {
	c.state = state
	c.lastError = lastError
	obs := slices.Clone(c.observers)
	snap := c.statusLocked()
	return func() {
		for _, fn := range obs {
			fn(snap)
		}
	}
}

func (c *Client) toolCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tools)
}
