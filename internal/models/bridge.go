package models

import "time"

// DeviceEvent is the JSON body published upstream for a device lifecycle event.
type DeviceEvent struct {
	Event     string         `json:"event"`
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Status    *DeviceStatus  `json:"status,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// CommandRequest is a command received from the upstream orchestrator.
// An empty DeviceID broadcasts the command to every registered device.
type CommandRequest struct {
	DeviceID string         `json:"device_id"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
}
