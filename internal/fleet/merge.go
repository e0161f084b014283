package fleet

import (
	"encoding/json"
	"maps"

	"github.com/markus-barta/lockfleet/internal/protocol"
)

// Device is the local view of one device.
type Device struct {
	MAC          string                         `json:"macAddress"`
	Name         string                         `json:"name"`
	Emoji        string                         `json:"emoji"`
	LastPingTime float64                        `json:"lastPingTime"`
	Scripts      map[string]protocol.ScriptMeta `json:"scripts"`
	State        map[string]json.RawMessage     `json:"state,omitempty"`
}

func (d Device) clone() Device {
	d.Scripts = maps.Clone(d.Scripts)
	if d.Scripts == nil {
		d.Scripts = make(map[string]protocol.ScriptMeta)
	}
	d.State = maps.Clone(d.State)
	return d
}

// deviceFromWire converts an authority record. Scripts stays nil when the
// authority omitted script data.
func deviceFromWire(p protocol.Device) Device {
	d := Device{
		MAC:          p.MACAddress,
		Name:         p.Name,
		Emoji:        p.Emoji,
		LastPingTime: p.LastPingTime,
		State:        maps.Clone(p.State),
	}
	if p.Scripts != nil {
		d.Scripts = scriptMap(p.Scripts)
	}
	return d
}

func scriptMap(list []protocol.ScriptMeta) map[string]protocol.ScriptMeta {
	m := make(map[string]protocol.ScriptMeta, len(list))
	for _, s := range list {
		m[s.Name] = s
	}
	return m
}

// MergeDevices builds the collection that replaces previous after a pull.
// The incoming set decides which devices exist and their name and emoji.
// For devices already known:
//   - omitted script data keeps the previous script map
//   - LastPingTime is the larger of the two timestamps
//   - omitted state keeps the previous state
func MergeDevices(incoming []protocol.Device, previous map[string]Device) map[string]Device {
	out := make(map[string]Device, len(incoming))
	for _, in := range incoming {
		if in.MACAddress == "" {
			continue
		}
		d := deviceFromWire(in)
		if prev, ok := previous[d.MAC]; ok {
			if in.Scripts == nil {
				d.Scripts = maps.Clone(prev.Scripts)
			}
			if prev.LastPingTime > d.LastPingTime {
				d.LastPingTime = prev.LastPingTime
			}
			if in.State == nil {
				d.State = maps.Clone(prev.State)
			}
		}
		out[d.MAC] = d.clone()
	}
	return out
}
