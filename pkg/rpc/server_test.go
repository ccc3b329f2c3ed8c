package rpc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nomadcxx/floyd-bridge/internal/models"
	"github.com/Nomadcxx/floyd-bridge/pkg/protocol"
	"github.com/Nomadcxx/floyd-bridge/pkg/rpc"
)

// stubExecutor is a canned-response Executor for server dispatch tests.
type stubExecutor struct {
	chatErr error
}

func (e *stubExecutor) ListTools(context.Context) ([]protocol.ToolDescriptor, error) {
	return []protocol.ToolDescriptor{
		{Name: "echo", Description: "echo arguments back", InputSchema: map[string]any{"type": "object"}},
	}, nil
}

func (e *stubExecutor) CallTool(_ context.Context, name string, args map[string]any) (any, error) {
	if name != "echo" {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return map[string]any{"echo": args}, nil
}

func (e *stubExecutor) Status(context.Context) (models.AgentStatus, error) {
	return models.AgentStatus{State: "idle", ToolCount: 1}, nil
}

func (e *stubExecutor) Chat(_ context.Context, message string) (string, error) {
	if e.chatErr != nil {
		return "", e.chatErr
	}
	return "you said: " + message, nil
}

func startServer(t *testing.T) (*rpc.Server, int) {
	t.Helper()
	srv := rpc.NewServer(rpc.ServerConfig{Name: "test-bridge", Version: "0.0.1"}, &stubExecutor{}, testLogger())
	port, err := srv.Start(14000, 50)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return srv, port
}

// dialRaw opens a bare WebSocket to the server and consumes the
// server/initialized push so tests start from a clean stream.
func dialRaw(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	require.Equal(t, protocol.KindNotification, msg.Kind)
	require.Equal(t, "server/initialized", msg.Method)
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame []byte) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestServer_StartSkipsOccupiedPort(t *testing.T) {
	base := 15200
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base))
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	srv := rpc.NewServer(rpc.ServerConfig{}, &stubExecutor{}, testLogger())
	port, err := srv.Start(base, 5)
	require.NoError(t, err)
	defer srv.Stop()

	assert.Greater(t, port, base)
	assert.Less(t, port, base+5)
	assert.Equal(t, port, srv.Port())
}

func TestServer_StartNoFreePort(t *testing.T) {
	base := 15300
	var listeners []net.Listener
	for i := 0; i < 3; i++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
		require.NoError(t, err)
		listeners = append(listeners, ln)
	}
	defer func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()

	srv := rpc.NewServer(rpc.ServerConfig{}, &stubExecutor{}, testLogger())
	_, err := srv.Start(base, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no free port")
}

func TestServer_Ping(t *testing.T) {
	_, port := startServer(t)
	conn := dialRaw(t, port)

	frame, err := protocol.EncodeRequest(protocol.NewID(1), "ping", nil)
	require.NoError(t, err)
	msg := roundTrip(t, conn, frame)

	require.Equal(t, protocol.KindResponse, msg.Kind)
	assert.Equal(t, "1", msg.ID.Key())

	var pong protocol.PongResult
	require.NoError(t, json.Unmarshal(msg.Result, &pong))
	assert.True(t, pong.Pong)
	assert.Equal(t, "0.0.1", pong.Version)
	assert.NotZero(t, pong.Timestamp)
}

func TestServer_InitializeAndListTools(t *testing.T) {
	_, port := startServer(t)
	conn := dialRaw(t, port)

	frame, err := protocol.EncodeRequest(protocol.NewID(1), "initialize", protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      protocol.PeerInfo{Name: "test", Version: "0"},
	})
	require.NoError(t, err)
	msg := roundTrip(t, conn, frame)

	var init protocol.InitializeResult
	require.NoError(t, json.Unmarshal(msg.Result, &init))
	assert.Equal(t, protocol.ProtocolVersion, init.ProtocolVersion)
	assert.Equal(t, "test-bridge", init.ServerInfo.Name)
	require.NotNil(t, init.Capabilities.Tools)

	frame, err = protocol.EncodeRequest(protocol.NewID(2), "tools/list", nil)
	require.NoError(t, err)
	msg = roundTrip(t, conn, frame)

	var list protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(msg.Result, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)
}

func TestServer_CallTool(t *testing.T) {
	_, port := startServer(t)
	conn := dialRaw(t, port)

	frame, err := protocol.EncodeRequest(protocol.NewID(7), "tools/call", protocol.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"x": 1},
	})
	require.NoError(t, err)
	msg := roundTrip(t, conn, frame)

	require.Equal(t, protocol.KindResponse, msg.Kind)
	var out struct {
		Echo map[string]any `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &out))
	assert.Equal(t, 1.0, out.Echo["x"])
}

func TestServer_DispatchErrors(t *testing.T) {
	_, port := startServer(t)

	tests := []struct {
		name     string
		method   string
		params   any
		wantCode int
		wantMsg  string
	}{
		{
			name:     "missing tool name",
			method:   "tools/call",
			params:   protocol.CallToolParams{Arguments: map[string]any{"x": 1}},
			wantCode: protocol.CodeInvalidRequest,
			wantMsg:  "Invalid Request: missing tool name",
		},
		{
			name:     "unknown tool",
			method:   "tools/call",
			params:   protocol.CallToolParams{Name: "nope"},
			wantCode: protocol.CodeInternalError,
			wantMsg:  "tool not found: nope",
		},
		{
			name:     "missing chat message",
			method:   "agent/chat",
			params:   protocol.ChatParams{},
			wantCode: protocol.CodeInvalidRequest,
			wantMsg:  "Invalid Request: missing message",
		},
		{
			name:     "unknown method",
			method:   "frobnicate",
			params:   nil,
			wantCode: protocol.CodeMethodNotFound,
			wantMsg:  "Method not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialRaw(t, port)
			frame, err := protocol.EncodeRequest(protocol.NewID(1), tt.method, tt.params)
			require.NoError(t, err)
			msg := roundTrip(t, conn, frame)

			require.Equal(t, protocol.KindError, msg.Kind)
			require.NotNil(t, msg.Err)
			assert.Equal(t, tt.wantCode, msg.Err.Code)
			assert.Equal(t, tt.wantMsg, msg.Err.Message)
			require.NotNil(t, msg.ID)
			assert.Equal(t, "1", msg.ID.Key())
		})
	}
}

func TestServer_ParseErrorNullID(t *testing.T) {
	_, port := startServer(t)
	conn := dialRaw(t, port)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	// The reply carries "id": null, which Decode surfaces as an error
	// response without an id.
	var raw struct {
		ID    *json.RawMessage      `json:"id"`
		Error *protocol.ErrorObject `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.NotNil(t, raw.Error)
	assert.Equal(t, protocol.CodeParseError, raw.Error.Code)
	if raw.ID != nil {
		assert.Equal(t, "null", string(*raw.ID))
	}
}

func TestServer_InvalidRequestShape(t *testing.T) {
	_, port := startServer(t)
	conn := dialRaw(t, port)

	// Valid JSON that is not a JSON-RPC message at all.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var raw struct {
		Error *protocol.ErrorObject `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.NotNil(t, raw.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, raw.Error.Code)
}

func TestServer_NotificationGetsNoReply(t *testing.T) {
	_, port := startServer(t)
	conn := dialRaw(t, port)

	frame, err := protocol.EncodeNotification("notifications/initialized", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	// A ping sent right after must be answered first: nothing may have
	// been queued for the notification.
	frame, err = protocol.EncodeRequest(protocol.NewID(2), "ping", nil)
	require.NoError(t, err)
	msg := roundTrip(t, conn, frame)

	require.Equal(t, protocol.KindResponse, msg.Kind)
	assert.Equal(t, "2", msg.ID.Key())
}

func TestServer_BroadcastSurvivesDeadSession(t *testing.T) {
	srv, port := startServer(t)

	alive1 := dialRaw(t, port)
	dead := dialRaw(t, port)
	alive2 := dialRaw(t, port)

	require.Eventually(t, func() bool { return srv.ClientCount() == 3 },
		2*time.Second, 10*time.Millisecond)

	_ = dead.Close()

	srv.Broadcast("agent/event", map[string]any{"kind": "tick"})

	for _, conn := range []*websocket.Conn{alive1, alive2} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.KindNotification, msg.Kind)
		assert.Equal(t, "agent/event", msg.Method)
	}
}

func TestServer_MultipleClientsIndependent(t *testing.T) {
	srv, port := startServer(t)

	connA := dialRaw(t, port)
	connB := dialRaw(t, port)

	require.Eventually(t, func() bool { return srv.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	frameA, err := protocol.EncodeRequest(protocol.NewID(10), "ping", nil)
	require.NoError(t, err)
	frameB, err := protocol.EncodeRequest(protocol.NewStringID("b-1"), "ping", nil)
	require.NoError(t, err)

	msgA := roundTrip(t, connA, frameA)
	msgB := roundTrip(t, connB, frameB)

	assert.Equal(t, "10", msgA.ID.Key())
	assert.Equal(t, "b-1", msgB.ID.Key())

	// One client leaving does not take the other down.
	_ = connA.Close()
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	frameB2, err := protocol.EncodeRequest(protocol.NewStringID("b-2"), "ping", nil)
	require.NoError(t, err)
	msgB2 := roundTrip(t, connB, frameB2)
	assert.Equal(t, protocol.KindResponse, msgB2.Kind)
}

func TestServer_StopIdempotent(t *testing.T) {
	srv := rpc.NewServer(rpc.ServerConfig{}, &stubExecutor{}, testLogger())
	_, err := srv.Start(15400, 20)
	require.NoError(t, err)

	srv.Stop()
	srv.Stop()
	assert.Equal(t, 0, srv.ClientCount())
}

func TestServer_EndToEndWithClient(t *testing.T) {
	_, port := startServer(t)

	client := rpc.NewClient(rpc.ClientConfig{
		URL:  fmt.Sprintf("ws://127.0.0.1:%d/", port),
		Name: "e2e-test",
	}, testLogger())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	tools, err := client.ListTools()
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	raw, err := client.CallTool(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)

	var out struct {
		Echo map[string]any `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hi", out.Echo["msg"])
}
