package ws

import "time"

// Message is the envelope for all WebSocket messages. Type carries the bus
// topic (plugin.state, plugin.fault, task.disabled, transport.status).
type Message struct {
	Type      string    `json:"type"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}
