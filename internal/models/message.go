package models

import (
	"time"
)

// Priority orders outbound messages. Lower values are sent first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// String returns the lower-case name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Message is one outbound unit of work for a device sender.
type Message struct {
	Type        string         // Wire "type" tag
	Payload     map[string]any // Fields written next to "type"
	Priority    Priority       // Scheduling priority
	Timestamp   time.Time      // Creation time
	RetryCount  int            // Resends so far
	MaxRetries  int            // Resend budget for ack-required messages
	Timeout     time.Duration  // Ack deadline measured from the last write
	RequiresAck bool           // Whether the device must acknowledge the message
	MessageID   string         // Required when RequiresAck is set
}

// NewMessage builds a message stamped with the current time.
func NewMessage(msgType string, payload map[string]any, priority Priority) *Message {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Priority:  priority,
		Timestamp: time.Now(),
	}
}

// Frame returns the JSON object written on the wire. The payload map is copied so
// the message itself stays immutable once queued.
func (m *Message) Frame() map[string]any {
	frame := make(map[string]any, len(m.Payload)+2)
	for k, v := range m.Payload {
		frame[k] = v
	}
	frame["type"] = m.Type
	if m.MessageID != "" {
		frame["message_id"] = m.MessageID
	}
	return frame
}

// UnixSeconds converts a time to fractional seconds since the epoch, the timestamp
// format used on the wire.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
