// Package executor provides the local tool executor the bridge server
// dispatches to: a registry of named tool handlers plus the agent status
// and chat capabilities.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"

	"github.com/Nomadcxx/floyd-bridge/internal/models"
	"github.com/Nomadcxx/floyd-bridge/pkg/protocol"
)

// ToolHandler is one callable tool.
type ToolHandler interface {
	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]any) (any, error)

	// Schema returns the tool's definition.
	Schema() protocol.ToolDescriptor
}

// ChatFunc forwards a chat message to whatever agent backend is wired in.
type ChatFunc func(ctx context.Context, message string) (string, error)

// ErrNoChatBackend is returned by Chat when no backend is configured.
var ErrNoChatBackend = errors.New("no chat backend configured")

// Local implements rpc.Executor against in-process tool handlers.
type Local struct {
	logger    *logrus.Logger
	startTime time.Time

	mu    sync.RWMutex
	tools map[string]ToolHandler
	chat  ChatFunc
}

// New creates an executor with the built-in tools registered.
func New(logger *logrus.Logger) *Local {
	l := &Local{
		logger:    logger,
		startTime: time.Now(),
		tools:     make(map[string]ToolHandler),
	}
	l.Register(&echoTool{})
	l.Register(&readTool{})
	l.Register(&lsTool{})
	return l
}

// Register adds or replaces a tool by its schema name.
func (l *Local) Register(h ToolHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tools[h.Schema().Name] = h
}

// SetChat wires the chat backend.
func (l *Local) SetChat(fn ChatFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chat = fn
}

// ListTools returns the schemas of every registered tool, sorted by name.
func (l *Local) ListTools(_ context.Context) ([]protocol.ToolDescriptor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tools := make([]protocol.ToolDescriptor, 0, len(l.tools))
	for _, h := range l.tools {
		tools = append(tools, h.Schema())
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// CallTool executes a tool by name.
func (l *Local) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	l.mu.RLock()
	h, ok := l.tools[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}

	l.logger.WithFields(logrus.Fields{"tool": name}).Debug("Executing tool")
	return h.Execute(ctx, args)
}

// Status reports the agent state with system resource usage.
func (l *Local) Status(_ context.Context) (models.AgentStatus, error) {
	l.mu.RLock()
	toolCount := len(l.tools)
	l.mu.RUnlock()

	status := models.AgentStatus{
		State:         "idle",
		UptimeSeconds: time.Since(l.startTime).Seconds(),
		ToolCount:     toolCount,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryPercent = vm.UsedPercent
	}

	return status, nil
}

// Chat forwards the message to the configured backend.
func (l *Local) Chat(ctx context.Context, message string) (string, error) {
	l.mu.RLock()
	fn := l.chat
	l.mu.RUnlock()
	if fn == nil {
		return "", ErrNoChatBackend
	}
	return fn(ctx, message)
}
