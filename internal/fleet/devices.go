package fleet

import (
	"context"
	"regexp"
	"strings"

	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// ValidMAC reports whether mac looks like AA:BB:CC:DD:EE:FF.
func ValidMAC(mac string) bool {
	return macPattern.MatchString(mac)
}

// AddDevice registers a device with the authority and adds it locally.
func (f *Fleet) AddDevice(ctx context.Context, nd protocol.NewDevice) (*Device, error) {
	var created Device
	err := f.operation("add_device", nd.MACAddress, "", func(_ string, log zerolog.Logger) error {
		nd.MACAddress = strings.ToUpper(strings.TrimSpace(nd.MACAddress))
		if !ValidMAC(nd.MACAddress) {
			return &ValidationError{Field: "macAddress", Reason: "expected format AA:BB:CC:DD:EE:FF"}
		}
		if strings.TrimSpace(nd.Name) == "" {
			nd.Name = "Unknown"
		}

		dev, err := f.client.AddDevice(ctx, nd)
		if err != nil {
			return err
		}
		if dev.MACAddress == "" {
			dev.MACAddress = nd.MACAddress
		}

		err = f.submit(ctx, func() error {
			merged := MergeDevices([]protocol.Device{*dev}, f.devices)
			created = merged[dev.MACAddress]
			f.devices[dev.MACAddress] = created
			f.commit("add_device")
			return nil
		})
		if err != nil {
			return err
		}
		log.Info().Str("name", created.Name).Msg("device added")
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.emitSubscriptions([]string{created.MAC}, nil)
	out := created.clone()
	return &out, nil
}

// RemoveDevice deletes a device on the authority and, once acknowledged,
// removes it locally.
func (f *Fleet) RemoveDevice(ctx context.Context, mac string) error {
	err := f.operation("remove_device", mac, "", func(_ string, log zerolog.Logger) error {
		if mac == "" {
			return &ValidationError{Field: "device", Reason: "no target device selected"}
		}
		if err := f.client.DeleteDevice(ctx, mac); err != nil {
			return err
		}
		err := f.submit(ctx, func() error {
			if _, ok := f.devices[mac]; !ok {
				return nil
			}
			delete(f.devices, mac)
			f.commit("remove_device")
			return nil
		})
		if err != nil {
			return err
		}
		log.Info().Msg("device removed")
		return nil
	})
	if err != nil {
		return err
	}

	f.emitSubscriptions(nil, []string{mac})
	return nil
}

// RefreshDevice pulls a single device and merges it into the collection.
// Unknown devices are not added.
func (f *Fleet) RefreshDevice(ctx context.Context, mac string) error {
	dev, err := f.client.GetDevice(ctx, mac)
	if err != nil {
		return err
	}
	if dev.MACAddress == "" {
		dev.MACAddress = mac
	}

	return f.submit(ctx, func() error {
		prev, ok := f.devices[dev.MACAddress]
		if !ok {
			return ErrUnknownDevice
		}
		merged := MergeDevices([]protocol.Device{*dev}, map[string]Device{prev.MAC: prev})
		f.devices[dev.MACAddress] = merged[dev.MACAddress]
		f.commit("refresh_device")
		return nil
	})
}
