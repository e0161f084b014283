package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ScriptStatus is the execution state of a script on its device.
type ScriptStatus string

const (
	ScriptIdle    ScriptStatus = "idle"
	ScriptQueued  ScriptStatus = "queued"
	ScriptRunning ScriptStatus = "running"
	ScriptFailed  ScriptStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ScriptStatus) Valid() bool {
	switch s {
	case ScriptIdle, ScriptQueued, ScriptRunning, ScriptFailed:
		return true
	}
	return false
}

// ScriptMeta describes a script bound to a device.
type ScriptMeta struct {
	Name          string       `json:"name"`
	Status        ScriptStatus `json:"status"`
	UploadedAt    time.Time    `json:"uploadedAt"`
	QueuePosition int          `json:"queuePosition,omitempty"` // 0 when not queued
}

// Device is the authority's representation of a device.
type Device struct {
	MACAddress   string  `json:"macAddress"`
	Name         string  `json:"name"`
	Emoji        string  `json:"emoji"`
	LastPingTime float64 `json:"lastPingTime"` // epoch seconds, 0 if never reported

	// Scripts is nil when the authority omitted script data, and non-nil
	// (possibly empty) when it reported the full script set.
	Scripts []ScriptMeta `json:"scripts"`

	State map[string]json.RawMessage `json:"state,omitempty"`
}

// UnmarshalJSON accepts scripts either as a list or as an object keyed by
// script name. A missing or null scripts field leaves Scripts nil.
func (d *Device) UnmarshalJSON(data []byte) error {
	type plain Device
	aux := struct {
		*plain
		Scripts json.RawMessage `json:"scripts"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	scripts, err := decodeScripts(aux.Scripts)
	if err != nil {
		return err
	}
	d.Scripts = scripts
	return nil
}

func decodeScripts(raw json.RawMessage) ([]ScriptMeta, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '[':
		list := []ScriptMeta{}
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("scripts: %w", err)
		}
		return list, nil
	case '{':
		var byName map[string]ScriptMeta
		if err := json.Unmarshal(raw, &byName); err != nil {
			return nil, fmt.Errorf("scripts: %w", err)
		}
		list := make([]ScriptMeta, 0, len(byName))
		for name, meta := range byName {
			if meta.Name == "" {
				meta.Name = name
			}
			list = append(list, meta)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		return list, nil
	default:
		return nil, fmt.Errorf("scripts: want a list or an object, got %s", raw)
	}
}

// NewDevice is the body of an add-device request.
type NewDevice struct {
	MACAddress string `json:"macAddress"`
	Name       string `json:"name"`
	Emoji      string `json:"emoji"`
}

// DeviceStateUpdate carries arbitrary state fields for one device. On the
// wire the fields sit next to macAddress.
type DeviceStateUpdate struct {
	MACAddress string
	Fields     map[string]json.RawMessage
}

// UnmarshalJSON splits macAddress from the remaining state fields.
func (p *DeviceStateUpdate) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Fields = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if k == "macAddress" {
			if err := json.Unmarshal(v, &p.MACAddress); err != nil {
				return err
			}
			continue
		}
		p.Fields[k] = v
	}
	return nil
}

// MarshalJSON flattens the fields back next to macAddress.
func (p DeviceStateUpdate) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Fields)+1)
	for k, v := range p.Fields {
		out[k] = v
	}
	mac, err := json.Marshal(p.MACAddress)
	if err != nil {
		return nil, err
	}
	out["macAddress"] = mac
	return json.Marshal(out)
}

// Validate checks required fields.
func (p *DeviceStateUpdate) Validate() error {
	if p.MACAddress == "" {
		return errors.New("missing macAddress")
	}
	return nil
}

// DeviceStatusUpdate reports a fresh last-seen timestamp.
type DeviceStatusUpdate struct {
	MACAddress   string  `json:"macAddress"`
	LastPingTime float64 `json:"lastPingTime"`
}

// Validate checks required fields.
func (p *DeviceStatusUpdate) Validate() error {
	if p.MACAddress == "" {
		return errors.New("missing macAddress")
	}
	if p.LastPingTime <= 0 {
		return errors.New("missing lastPingTime")
	}
	return nil
}

// ScriptExecutionUpdate reports a script status transition.
type ScriptExecutionUpdate struct {
	MACAddress string       `json:"macAddress"`
	ScriptName string       `json:"scriptName"`
	Status     ScriptStatus `json:"status"`
}

// Validate checks required fields.
func (p *ScriptExecutionUpdate) Validate() error {
	switch {
	case p.MACAddress == "":
		return errors.New("missing macAddress")
	case p.ScriptName == "":
		return errors.New("missing scriptName")
	case !p.Status.Valid():
		return errors.New("unknown status " + string(p.Status))
	}
	return nil
}

// DeviceDiscovered announces a device the authority just learned about.
// Both {"device": {...}} and a bare device object are accepted.
type DeviceDiscovered struct {
	Device Device `json:"device"`
}

// UnmarshalJSON accepts the wrapped and the bare form.
func (p *DeviceDiscovered) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Device *Device `json:"device"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Device != nil {
		p.Device = *wrapped.Device
		return nil
	}
	return json.Unmarshal(data, &p.Device)
}

// Validate checks required fields.
func (p *DeviceDiscovered) Validate() error {
	if p.Device.MACAddress == "" {
		return errors.New("missing device macAddress")
	}
	return nil
}

// AutomationTriggered is forwarded to subscribers untouched.
type AutomationTriggered map[string]json.RawMessage

// ErrorNotification is an authority-side error surfaced to the operator.
type ErrorNotification struct {
	Message string `json:"message"`
}

// Validate checks required fields.
func (p *ErrorNotification) Validate() error {
	if p.Message == "" {
		return errors.New("missing message")
	}
	return nil
}

// PingReceived tells the panel a device just checked in.
type PingReceived struct {
	MACAddress string `json:"macAddress"`
}

// Validate checks required fields.
func (p *PingReceived) Validate() error {
	if p.MACAddress == "" {
		return errors.New("missing macAddress")
	}
	return nil
}

// DeviceRef addresses a single device in outbound messages.
type DeviceRef struct {
	MACAddress string `json:"macAddress"`
}

// DeviceCommand is sent to ask the authority to relay a command.
type DeviceCommand struct {
	MACAddress string `json:"macAddress"`
	Command    any    `json:"command"`
}

// ConnectionStatePayload is published on every connection transition.
type ConnectionStatePayload struct {
	Status     string `json:"status"`
	RetryCount int    `json:"retryCount"`
}

// ConnectionFailedPayload is published once reconnect attempts are exhausted.
type ConnectionFailedPayload struct {
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// OperationFailedPayload names a failed operator action and its target.
type OperationFailedPayload struct {
	OpID       string `json:"opId"`
	Op         string `json:"op"`
	MACAddress string `json:"macAddress,omitempty"`
	ScriptName string `json:"scriptName,omitempty"`
	Kind       string `json:"kind"` // "transport", "authority", "validation", "other"
	Error      string `json:"error"`
}

// FleetChangedPayload summarizes the local device collection after a change.
type FleetChangedPayload struct {
	Reason  string `json:"reason"`
	Devices int    `json:"devices"`
	Online  int    `json:"online"`
}
