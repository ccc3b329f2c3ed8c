package protocol

// PeerInfo identifies one side of the bridge during the handshake.
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability is present (possibly empty) when the peer serves tools.
type ToolsCapability struct{}

// Capabilities advertises what a peer can do.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeParams is the params payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ClientInfo      PeerInfo     `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// InitializeResult is the result payload of the initialize request. The
// same shape is pushed as the params of the server/initialized notification
// when a connection is accepted.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      PeerInfo     `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// ListToolsResult is the result payload of tools/list.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallToolParams is the params payload of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ChatParams is the params payload of agent/chat.
type ChatParams struct {
	Message string `json:"message"`
}

// PongResult is the result payload of ping.
type PongResult struct {
	Pong      bool   `json:"pong"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version,omitempty"`
}
