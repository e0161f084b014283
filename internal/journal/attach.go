package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/markus-barta/lockfleet/internal/events"
	"github.com/markus-barta/lockfleet/internal/protocol"
)

const recordTimeout = 5 * time.Second

// Attach subscribes the journal to the events it records and returns a
// function that detaches it. fleet_changed is not recorded.
func (j *Journal) Attach(bus *events.Bus) (detach func()) {
	ls := []interface{ Off(*events.Bus) }{
		events.On(bus, events.ConnectionState, func(p protocol.ConnectionStatePayload) error {
			return j.record(Entry{
				Category: "connection",
				Level:    "info",
				Action:   p.Status,
				Message:  "push channel " + p.Status,
				Details:  map[string]any{"retryCount": p.RetryCount},
			})
		}),
		events.On(bus, events.ConnectionFailed, func(p protocol.ConnectionFailedPayload) error {
			return j.record(Entry{
				Category: "connection",
				Level:    "error",
				Action:   "failed",
				Message:  fmt.Sprintf("gave up after %d attempts: %s", p.Attempts, p.Error),
			})
		}),
		events.On(bus, events.OperationFailed, func(p protocol.OperationFailedPayload) error {
			details := map[string]any{"opId": p.OpID, "kind": p.Kind}
			if p.ScriptName != "" {
				details["scriptName"] = p.ScriptName
			}
			return j.record(Entry{
				Category: "operation",
				Level:    "error",
				MAC:      p.MACAddress,
				Action:   p.Op,
				Message:  p.Error,
				Details:  details,
			})
		}),
		events.On(bus, events.DeviceDiscovered, func(p protocol.DeviceDiscovered) error {
			return j.record(Entry{
				Category: "device",
				Level:    "info",
				MAC:      p.Device.MACAddress,
				Action:   "discovered",
				Message:  "device discovered: " + p.Device.Name,
			})
		}),
		events.On(bus, events.ErrorNotification, func(p protocol.ErrorNotification) error {
			return j.record(Entry{
				Category: "authority",
				Level:    "warn",
				Action:   "error",
				Message:  p.Message,
			})
		}),
		events.On(bus, events.AutomationTriggered, func(p protocol.AutomationTriggered) error {
			details := make(map[string]any, len(p))
			for k, v := range p {
				details[k] = json.RawMessage(v)
			}
			e := Entry{
				Category: "automation",
				Level:    "info",
				Action:   "triggered",
				Message:  "automation triggered",
				Details:  details,
			}
			if raw, ok := p["macAddress"]; ok {
				if err := json.Unmarshal(raw, &e.MAC); err != nil {
					j.log.Debug().Err(err).Msg("automation macAddress is not a string")
				}
			}
			return j.record(e)
		}),
	}

	return func() {
		for _, l := range ls {
			l.Off(bus)
		}
	}
}

func (j *Journal) record(e Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	return j.Record(ctx, e)
}
