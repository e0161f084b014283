package fleet

import (
	"context"
	"fmt"
	"sort"
)

// startPull begins a background pull unless one is already running.
func (f *Fleet) startPull() {
	f.pullMu.Lock()
	if f.pulling {
		f.pullMu.Unlock()
		f.log.Debug().Msg("pull still in flight, skipping tick")
		return
	}
	f.pulling = true
	f.pullMu.Unlock()

	go func() {
		defer func() {
			f.pullMu.Lock()
			f.pulling = false
			f.pullMu.Unlock()
		}()
		if err := f.Refresh(f.ctx); err != nil {
			f.log.Warn().Err(err).Msg("reconciliation pull failed")
		}
	}()
}

// Refresh pulls the full device collection and merges it into the local
// one. Devices that appeared are subscribed, devices that vanished are
// unsubscribed.
func (f *Fleet) Refresh(ctx context.Context) error {
	incoming, err := f.client.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("pull devices: %w", err)
	}

	var added, removed []string
	err = f.submit(ctx, func() error {
		merged := MergeDevices(incoming, f.devices)
		added, removed = diffMACs(f.devices, merged)
		f.devices = merged
		f.commit("pull")
		return nil
	})
	if err != nil {
		return err
	}

	if len(added) > 0 || len(removed) > 0 {
		f.log.Info().Strs("added", added).Strs("removed", removed).Msg("device collection changed")
	}
	f.emitSubscriptions(added, removed)
	return nil
}

func diffMACs(before, after map[string]Device) (added, removed []string) {
	for mac := range after {
		if _, ok := before[mac]; !ok {
			added = append(added, mac)
		}
	}
	for mac := range before {
		if _, ok := after[mac]; !ok {
			removed = append(removed, mac)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
