package websocket

import (
	"time"

	"github.com/XavSPM/RevpiEpics/internal/record"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// PV value changes
	MessageTypePVUpdate MessageType = "pv_update"

	// Bridge lifecycle
	MessageTypeBridgeStatus MessageType = "bridge_status"

	// Authentication handshake
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PVUpdateData is the payload of a pv_update message.
type PVUpdateData struct {
	PV       string  `json:"pv"`
	Kind     string  `json:"kind"`
	Value    float64 `json:"value"`
	Label    string  `json:"label,omitempty"`
	Severity string  `json:"severity"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewPVUpdateMessage(ev record.Event) Message {
	msg := NewMessage(MessageTypePVUpdate, PVUpdateData{
		PV:       ev.Name,
		Kind:     ev.Kind.String(),
		Value:    ev.Value,
		Label:    ev.Label,
		Severity: ev.Severity.String(),
	})
	if !ev.Timestamp.IsZero() {
		msg.Timestamp = ev.Timestamp
	}
	return msg
}

func NewBridgeStatusMessage(status interface{}) Message {
	return NewMessage(MessageTypeBridgeStatus, status)
}
