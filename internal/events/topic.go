package events

import (
	"encoding/json"

	"github.com/markus-barta/lockfleet/internal/protocol"
)

// Topic binds an event name to its payload type.
type Topic[T any] struct {
	Name protocol.EventName
}

// Push-channel topics.
var (
	DeviceStateUpdate     = Topic[protocol.DeviceStateUpdate]{Name: protocol.EventDeviceStateUpdate}
	DeviceStatusUpdate    = Topic[protocol.DeviceStatusUpdate]{Name: protocol.EventDeviceStatusUpdate}
	ScriptExecutionUpdate = Topic[protocol.ScriptExecutionUpdate]{Name: protocol.EventScriptExecutionUpdate}
	DeviceDiscovered      = Topic[protocol.DeviceDiscovered]{Name: protocol.EventDeviceDiscovered}
	AutomationTriggered   = Topic[protocol.AutomationTriggered]{Name: protocol.EventAutomationTriggered}
	ErrorNotification     = Topic[protocol.ErrorNotification]{Name: protocol.EventErrorNotification}
	PingReceived          = Topic[protocol.PingReceived]{Name: protocol.EventPingReceived}
)

// Local topics.
var (
	ConnectionState  = Topic[protocol.ConnectionStatePayload]{Name: protocol.EventConnectionState}
	ConnectionFailed = Topic[protocol.ConnectionFailedPayload]{Name: protocol.EventConnectionFailed}
	OperationFailed  = Topic[protocol.OperationFailedPayload]{Name: protocol.EventOperationFailed}
	FleetChanged     = Topic[protocol.FleetChangedPayload]{Name: protocol.EventFleetChanged}
)

type validator interface {
	Validate() error
}

// Listener decodes events of one topic before calling its function.
type Listener[T any] struct {
	topic Topic[T]
	fn    func(T) error
}

// Listen builds a listener without subscribing it.
func Listen[T any](topic Topic[T], fn func(T) error) *Listener[T] {
	return &Listener[T]{topic: topic, fn: fn}
}

// On builds a listener and subscribes it to b.
func On[T any](b *Bus, topic Topic[T], fn func(T) error) *Listener[T] {
	l := Listen(topic, fn)
	b.Subscribe(topic.Name, l)
	return l
}

// Off unsubscribes l from b.
func (l *Listener[T]) Off(b *Bus) {
	b.Unsubscribe(l.topic.Name, l)
}

// HandleEvent decodes and validates the payload, then calls the function.
func (l *Listener[T]) HandleEvent(ev Event) error {
	var payload T
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return &protocol.MalformedPayloadError{Event: ev.Name, Reason: "decode", Err: err}
	}
	if v, ok := any(&payload).(validator); ok {
		if err := v.Validate(); err != nil {
			return &protocol.MalformedPayloadError{Event: ev.Name, Reason: "validate", Err: err}
		}
	}
	return l.fn(payload)
}

// Publish marshals payload and publishes it on topic.
func Publish[T any](b *Bus, topic Topic[T], payload T) error {
	return b.PublishPayload(topic.Name, payload)
}
