// Package fallback composes the discovery probe and the RPC client: when
// the agent's own tool-execution path fails, a browser-extension peer found
// on localhost takes over.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Nomadcxx/floyd-bridge/pkg/discovery"
	"github.com/Nomadcxx/floyd-bridge/pkg/rpc"
)

// Status is the snapshot published to observers on every change.
type Status struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Port      int    `json:"port,omitempty"`
	ToolCount int    `json:"tool_count"`
	LastError string `json:"last_error,omitempty"`
}

// Options configure discovery and the client the orchestrator constructs.
type Options struct {
	BasePort        int
	MaxPortAttempts int
	Client          rpc.ClientConfig // URL is filled in from discovery
}

// Orchestrator owns the fallback client's lifetime. Discovery runs only on
// Enable, never per tool call.
type Orchestrator struct {
	logger *logrus.Logger
	probe  *discovery.Probe
	opts   Options

	// newClient is the client constructor; swapped in tests.
	newClient func(cfg rpc.ClientConfig) *rpc.Client

	mu        sync.Mutex
	client    *rpc.Client
	status    Status
	observers []func(Status)
}

// New creates an orchestrator around an existing probe.
func New(probe *discovery.Probe, opts Options, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		logger: logger,
		probe:  probe,
		opts:   opts,
		newClient: func(cfg rpc.ClientConfig) *rpc.Client {
			return rpc.NewClient(cfg, logger)
		},
	}
}

// OnStatusChange registers an observer called with a snapshot on every
// status change.
func (o *Orchestrator) OnStatusChange(fn func(Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Enable runs discovery and, if a peer is found, connects a client to it.
// "No peer found" is an expected outcome: it returns (false, nil) and
// leaves fallback disabled.
func (o *Orchestrator) Enable(ctx context.Context) (bool, error) {
	o.teardown()

	result := o.probe.Discover(ctx, o.opts.BasePort, o.opts.MaxPortAttempts)
	if !result.Available {
		o.logger.Info("Fallback unavailable: no peer detected")
		o.publish(Status{LastError: result.Error})
		return false, nil
	}

	cfg := o.opts.Client
	cfg.URL = fmt.Sprintf("ws://127.0.0.1:%d/", result.Port)
	client := o.newClient(cfg)

	if err := client.Connect(ctx); err != nil {
		o.publish(Status{LastError: err.Error()})
		return false, fmt.Errorf("fallback connect: %w", err)
	}

	tools, err := client.ListTools()
	if err != nil {
		client.Disconnect()
		o.publish(Status{LastError: err.Error()})
		return false, fmt.Errorf("fallback tools: %w", err)
	}

	o.mu.Lock()
	o.client = client
	o.mu.Unlock()

	client.OnStatusChange(func(cs rpc.ConnectionStatus) {
		o.mu.Lock()
		if o.client != client {
			o.mu.Unlock()
			return
		}
		status := o.status
		status.Connected = cs.State == rpc.StateInitialized
		status.LastError = cs.LastError
		o.mu.Unlock()
		o.publish(status)
	})

	o.logger.Infof("Fallback enabled via port %d (%d tools)", result.Port, len(tools))
	o.publish(Status{
		Enabled:   true,
		Connected: true,
		Port:      result.Port,
		ToolCount: len(tools),
	})
	return true, nil
}

// Disable disconnects the client (if any) and resets status.
func (o *Orchestrator) Disable() {
	o.teardown()
	o.publish(Status{})
}

// CallTool retries a tool call through the fallback peer. Usable only while
// fallback is enabled and connected; otherwise it fails without I/O.
func (o *Orchestrator) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	o.mu.Lock()
	client := o.client
	enabled := o.status.Enabled
	o.mu.Unlock()

	if !enabled || client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("fallback call %s: %w", name, rpc.ErrNotConnected)
	}
	return client.CallTool(ctx, name, args)
}

func (o *Orchestrator) teardown() {
	o.mu.Lock()
	client := o.client
	o.client = nil
	o.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
}

func (o *Orchestrator) publish(status Status) {
	o.mu.Lock()
	o.status = status
	obs := slices.Clone(o.observers)
	o.mu.Unlock()
	for _, fn := range obs {
		fn(status)
	}
}
