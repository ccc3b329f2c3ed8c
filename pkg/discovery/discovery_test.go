package discovery_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nomadcxx/floyd-bridge/internal/models"
	"github.com/Nomadcxx/floyd-bridge/pkg/discovery"
	"github.com/Nomadcxx/floyd-bridge/pkg/protocol"
	"github.com/Nomadcxx/floyd-bridge/pkg/rpc"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type noopExecutor struct{}

func (noopExecutor) ListTools(context.Context) ([]protocol.ToolDescriptor, error) {
	return nil, nil
}

func (noopExecutor) CallTool(context.Context, string, map[string]any) (any, error) {
	return nil, fmt.Errorf("no tools")
}

func (noopExecutor) Status(context.Context) (models.AgentStatus, error) {
	return models.AgentStatus{}, nil
}

func (noopExecutor) Chat(context.Context, string) (string, error) {
	return "", fmt.Errorf("no chat")
}

func TestDiscover_FindsPeer(t *testing.T) {
	srv := rpc.NewServer(rpc.ServerConfig{Name: "peer", Version: "2.3.4"}, noopExecutor{}, testLogger())
	base := 16000
	port, err := srv.Start(base, 50)
	require.NoError(t, err)
	defer srv.Stop()

	probe := discovery.New(testLogger(), time.Second)
	result := probe.Discover(context.Background(), port, 3)

	assert.True(t, result.Available)
	assert.Equal(t, port, result.Port)
	assert.Equal(t, "2.3.4", result.Version)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, result.Error)
}

func TestDiscover_SkipsDeadPortsBeforePeer(t *testing.T) {
	srv := rpc.NewServer(rpc.ServerConfig{Version: "1.0.0"}, noopExecutor{}, testLogger())
	base := 16100
	port, err := srv.Start(base, 50)
	require.NoError(t, err)
	defer srv.Stop()

	// Start scanning two ports below the live one. Nothing listens there, so
	// the probe must walk past them.
	probe := discovery.New(testLogger(), 300*time.Millisecond)
	result := probe.Discover(context.Background(), port-2, 5)

	require.True(t, result.Available)
	assert.Equal(t, port, result.Port)
	assert.Equal(t, 3, result.Attempts)
}

func TestDiscover_EmptyRange(t *testing.T) {
	probe := discovery.New(testLogger(), 200*time.Millisecond)
	result := probe.Discover(context.Background(), 16200, 4)

	assert.False(t, result.Available)
	assert.Zero(t, result.Port)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, "No peer detected on any port", result.Error)
}

func TestDiscover_RejectsNonBridgePeer(t *testing.T) {
	// A WebSocket endpoint that answers the ping with unrelated JSON must be
	// skipped rather than reported as a peer.
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`))
	}))
	defer ts.Close()

	port := serverPort(t, ts)
	probe := discovery.New(testLogger(), 500*time.Millisecond)
	result := probe.Discover(context.Background(), port, 1)

	assert.False(t, result.Available)
	assert.Equal(t, 1, result.Attempts)
}

func TestDiscover_AcceptsBarePong(t *testing.T) {
	// Older peers answer with a bare pong object instead of a JSON-RPC
	// response.
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"pong":true}`))
	}))
	defer ts.Close()

	port := serverPort(t, ts)
	probe := discovery.New(testLogger(), 500*time.Millisecond)
	result := probe.Discover(context.Background(), port, 1)

	require.True(t, result.Available)
	assert.Equal(t, port, result.Port)
	assert.Equal(t, "unknown", result.Version)
}

func TestDiscover_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	probe := discovery.New(testLogger(), time.Second)
	result := probe.Discover(ctx, 16300, 10)

	assert.False(t, result.Available)
	assert.Zero(t, result.Attempts)
	assert.Contains(t, result.Error, "context canceled")
}

func serverPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	idx := strings.LastIndex(ts.URL, ":")
	require.Greater(t, idx, 0)
	port, err := strconv.Atoi(ts.URL[idx+1:])
	require.NoError(t, err)
	return port
}
