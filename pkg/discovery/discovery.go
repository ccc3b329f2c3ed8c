// Package discovery locates a running bridge peer on localhost by scanning
// a bounded port range and verifying each candidate with a ping/pong
// handshake.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Nomadcxx/floyd-bridge/pkg/protocol"
)

// Result is produced fresh by each probe invocation and never persisted.
type Result struct {
	Available bool   `json:"available"`
	Port      int    `json:"port,omitempty"`
	Version   string `json:"version,omitempty"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// Probe scans for a peer speaking the bridge protocol.
type Probe struct {
	logger         *logrus.Logger
	dialer         *websocket.Dialer
	attemptTimeout time.Duration
}

// New creates a probe. attemptTimeout bounds each candidate port
// independently: dialing, the ping write and the pong wait all share it, so
// a hung peer on one port cannot stall the scan beyond its own budget.
func New(logger *logrus.Logger, attemptTimeout time.Duration) *Probe {
	return &Probe{
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: attemptTimeout,
		},
		attemptTimeout: attemptTimeout,
	}
}

// Discover tries basePort, basePort+1, ... for maxAttempts candidates and
// returns the first port whose peer answers the ping handshake. Exhausting
// the range is an expected outcome reported in the Result, not an error.
func (p *Probe) Discover(ctx context.Context, basePort, maxAttempts int) Result {
	result := Result{}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.Error = ctx.Err().Error()
			return result
		}

		port := basePort + attempt
		result.Attempts++

		version, ok := p.probePort(ctx, port)
		if ok {
			p.logger.Infof("Peer detected on port %d (version %s)", port, version)
			result.Available = true
			result.Port = port
			result.Version = version
			return result
		}
	}

	p.logger.Debugf("No peer detected after %d attempts from port %d", result.Attempts, basePort)
	result.Error = "No peer detected on any port"
	return result
}

// probePort opens a short-lived connection, sends a ping request and waits
// for a matching pong. Anything else closes the socket and moves on.
func (p *Probe) probePort(ctx context.Context, port int) (string, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	conn, _, err := p.dialer.DialContext(attemptCtx, url, nil)
	if err != nil {
		p.logger.Debugf("Port %d: dial failed: %v", port, err)
		return "", false
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(p.attemptTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	ping, err := protocol.EncodeRequest(protocol.NewID(1), "ping", nil)
	if err != nil {
		return "", false
	}
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		p.logger.Debugf("Port %d: ping write failed: %v", port, err)
		return "", false
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.logger.Debugf("Port %d: read failed: %v", port, err)
			return "", false
		}
		if version, ok := matchPong(data); ok {
			return version, true
		}
		// The server pushes an initialized notification on connect before
		// answering the ping; skip notifications, bail on anything else.
		if msg, err := protocol.Decode(data); err == nil && msg.Kind == protocol.KindNotification {
			continue
		}
		p.logger.Debugf("Port %d: peer does not speak the bridge protocol", port)
		return "", false
	}
}

// pongPayload accepts both handshake shapes: a bare {"pong":true} and a
// JSON-RPC result {"pong":true}. Kept for compatibility with older peers;
// no other method gets this leniency.
type pongPayload struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
}

func matchPong(data []byte) (string, bool) {
	var bare pongPayload
	if err := json.Unmarshal(data, &bare); err == nil && bare.Pong {
		return orUnknown(bare.Version), true
	}

	msg, err := protocol.Decode(data)
	if err != nil || msg.Kind != protocol.KindResponse {
		return "", false
	}
	var result pongPayload
	if err := json.Unmarshal(msg.Result, &result); err != nil || !result.Pong {
		return "", false
	}
	return orUnknown(result.Version), true
}

func orUnknown(version string) string {
	if version == "" {
		return "unknown"
	}
	return version
}
