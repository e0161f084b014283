package fleet

import (
	"encoding/json"
	"maps"

	"github.com/markus-barta/lockfleet/internal/events"
	"github.com/markus-barta/lockfleet/internal/protocol"
)

func (f *Fleet) subscribe() {
	ls := []interface{ Off(*events.Bus) }{
		events.On(f.bus, events.DeviceStateUpdate, f.onStateUpdate),
		events.On(f.bus, events.DeviceStatusUpdate, f.onStatusUpdate),
		events.On(f.bus, events.ScriptExecutionUpdate, f.onScriptExecution),
		events.On(f.bus, events.DeviceDiscovered, f.onDiscovered),
		events.On(f.bus, events.PingReceived, f.onPing),
		events.On(f.bus, events.ErrorNotification, f.onErrorNotification),
		events.On(f.bus, events.ConnectionState, f.onConnectionState),
	}
	for _, l := range ls {
		f.unsubscribe = append(f.unsubscribe, func() { l.Off(f.bus) })
	}
}

func (f *Fleet) unsubscribeAll() {
	for _, off := range f.unsubscribe {
		off()
	}
	f.unsubscribe = nil
}

func (f *Fleet) onStateUpdate(p protocol.DeviceStateUpdate) error {
	return f.submit(f.ctx, func() error {
		d, ok := f.devices[p.MACAddress]
		if !ok {
			f.log.Warn().Str("mac", p.MACAddress).Msg("state update for unknown device, dropped")
			return nil
		}
		if d.State == nil {
			d.State = make(map[string]json.RawMessage, len(p.Fields))
		} else {
			d.State = maps.Clone(d.State)
		}
		maps.Copy(d.State, p.Fields)
		f.devices[p.MACAddress] = d
		f.commit("state_update")
		return nil
	})
}

func (f *Fleet) onStatusUpdate(p protocol.DeviceStatusUpdate) error {
	return f.submit(f.ctx, func() error {
		d, ok := f.devices[p.MACAddress]
		if !ok {
			f.log.Warn().Str("mac", p.MACAddress).Msg("status update for unknown device, dropped")
			return nil
		}
		if p.LastPingTime <= d.LastPingTime {
			f.log.Debug().
				Str("mac", p.MACAddress).
				Float64("pushed", p.LastPingTime).
				Float64("known", d.LastPingTime).
				Msg("stale status update ignored")
			return nil
		}
		d.LastPingTime = p.LastPingTime
		f.devices[p.MACAddress] = d
		f.commit("status_update")
		return nil
	})
}

func (f *Fleet) onScriptExecution(p protocol.ScriptExecutionUpdate) error {
	return f.submit(f.ctx, func() error {
		d, ok := f.devices[p.MACAddress]
		if !ok {
			f.log.Warn().Str("mac", p.MACAddress).Msg("script update for unknown device, dropped")
			return nil
		}
		s, ok := d.Scripts[p.ScriptName]
		if !ok {
			// Known to the authority but not listed here yet.
			f.log.Debug().
				Str("mac", p.MACAddress).
				Str("script", p.ScriptName).
				Msg("script update for unlisted script")
			s = protocol.ScriptMeta{Name: p.ScriptName}
		}
		s.Status = p.Status
		if p.Status != protocol.ScriptQueued {
			s.QueuePosition = 0
		}
		d.Scripts = cloneScripts(d.Scripts)
		d.Scripts[p.ScriptName] = s
		f.devices[p.MACAddress] = d
		f.commit("script_update")
		return nil
	})
}

func (f *Fleet) onDiscovered(p protocol.DeviceDiscovered) error {
	added := false
	err := f.submit(f.ctx, func() error {
		if _, ok := f.devices[p.Device.MACAddress]; ok {
			return nil
		}
		f.devices[p.Device.MACAddress] = deviceFromWire(p.Device).clone()
		added = true
		f.commit("discovered")
		return nil
	})
	if err != nil {
		return err
	}
	if added {
		f.log.Info().Str("mac", p.Device.MACAddress).Str("name", p.Device.Name).Msg("device discovered")
		f.emitSubscriptions([]string{p.Device.MACAddress}, nil)
	}
	return nil
}

// onPing refreshes the device in the background so the connection reader
// is not held up by the request.
func (f *Fleet) onPing(p protocol.PingReceived) error {
	go func() {
		if err := f.RefreshDevice(f.ctx, p.MACAddress); err != nil {
			f.log.Debug().Err(err).Str("mac", p.MACAddress).Msg("refresh after ping failed")
		}
	}()
	return nil
}

func (f *Fleet) onErrorNotification(p protocol.ErrorNotification) error {
	f.log.Warn().Str("message", p.Message).Msg("authority reported an error")
	return nil
}

// onConnectionState re-subscribes every known device after (re)connecting.
func (f *Fleet) onConnectionState(p protocol.ConnectionStatePayload) error {
	if p.Status != "connected" {
		return nil
	}
	f.emitSubscriptions(f.macs(), nil)
	return nil
}

// emitSubscriptions sends subscribe and unsubscribe requests. Not connected
// is not an error here; the next connect re-subscribes everything.
func (f *Fleet) emitSubscriptions(subscribe, unsubscribe []string) {
	for _, mac := range subscribe {
		if err := f.push.SubscribeDevice(mac); err != nil {
			f.log.Debug().Err(err).Str("mac", mac).Msg("subscribe not sent")
		}
	}
	for _, mac := range unsubscribe {
		if err := f.push.UnsubscribeDevice(mac); err != nil {
			f.log.Debug().Err(err).Str("mac", mac).Msg("unsubscribe not sent")
		}
	}
}
