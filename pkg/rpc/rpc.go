// Package rpc contains the two halves of the bridge protocol: a WebSocket
// JSON-RPC client with request/response correlation and reconnection, and a
// multi-client WebSocket JSON-RPC server dispatching to a pluggable
// executor.
package rpc

import (
	"context"
	"errors"

	"github.com/Nomadcxx/floyd-bridge/internal/models"
	"github.com/Nomadcxx/floyd-bridge/pkg/protocol"
)

// Executor is the capability the server dispatches requests to. Tool
// implementations, the agent engine and anything else behind these four
// calls live outside this package.
type Executor interface {
	ListTools(ctx context.Context) ([]protocol.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Status(ctx context.Context) (models.AgentStatus, error)
	Chat(ctx context.Context, message string) (string, error)
}

var (
	// ErrNotConnected is returned by client calls when no socket is open.
	ErrNotConnected = errors.New("not connected")

	// ErrNotInitialized is returned by ListTools before a successful Connect.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrConnectionClosed rejects every pending request when the connection
	// drops, explicitly or not.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout rejects a single pending request whose deadline
	// expired; the connection and other pending requests are unaffected.
	ErrRequestTimeout = errors.New("request timed out")
)

// ConnectionState is the client's lifecycle position.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateInitialized
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// ConnectionStatus is the read-only snapshot published to observers on
// every state transition.
type ConnectionStatus struct {
	State             ConnectionState
	ReconnectAttempts uint
	ToolCount         uint
	LastError         string
}
