// Package protocol defines the push-channel message types shared between the
// authority and the control panel.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventName identifies a push-channel message. The set is closed: every name
// the panel understands is declared below.
type EventName string

// Message is the envelope for all push-channel messages.
type Message struct {
	Type    EventName       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType EventName, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Event types (authority → panel)
const (
	EventDeviceStateUpdate     EventName = "device_state_update"
	EventDeviceStatusUpdate    EventName = "device_status_update"
	EventScriptExecutionUpdate EventName = "script_execution_update"
	EventDeviceDiscovered      EventName = "device_discovered"
	EventAutomationTriggered   EventName = "automation_triggered"
	EventErrorNotification     EventName = "error_notification"
	EventPingReceived          EventName = "ping_received"
)

// Message types (panel → authority)
const (
	MessageSubscribeDevice    EventName = "subscribe_device"
	MessageUnsubscribeDevice  EventName = "unsubscribe_device"
	MessageDeviceCommand      EventName = "device_command"
	MessageRequestDeviceState EventName = "request_device_state"
)

// Local events. These never travel over the wire; an inbound frame using one
// of these names is dropped.
const (
	EventConnectionState  EventName = "connection_state"
	EventConnectionFailed EventName = "connection_failed"
	EventOperationFailed  EventName = "operation_failed"
	EventFleetChanged     EventName = "fleet_changed"
)

// Reserved reports whether name is a local-only event.
func (n EventName) Reserved() bool {
	switch n {
	case EventConnectionState, EventConnectionFailed, EventOperationFailed, EventFleetChanged:
		return true
	}
	return false
}

// Inbound reports whether name is a push event the authority may send.
func (n EventName) Inbound() bool {
	switch n {
	case EventDeviceStateUpdate, EventDeviceStatusUpdate, EventScriptExecutionUpdate,
		EventDeviceDiscovered, EventAutomationTriggered, EventErrorNotification, EventPingReceived:
		return true
	}
	return false
}

// MalformedPayloadError reports a push payload that could not be decoded or
// is missing required fields. The event carrying it is dropped.
type MalformedPayloadError struct {
	Event  EventName
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e == nil {
		return "malformed payload"
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed %s payload: %s: %v", e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: %s", e.Event, e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

