// Package models holds the typed payloads exchanged through the bridge
// protocol that are not part of the JSON-RPC framing itself.
package models

// AgentStatus is the result payload of the agent/status method.
type AgentStatus struct {
	State         string  `json:"state"`
	UptimeSeconds float64 `json:"uptime"`
	ToolCount     int     `json:"tool_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Model         string  `json:"model,omitempty"`
}

// ChatResult is the result payload of the agent/chat method.
type ChatResult struct {
	Response string `json:"response"`
}
