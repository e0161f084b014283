// Package fleet keeps the local device collection in sync with the
// authority. Push events and periodic pulls are two producers feeding one
// apply loop; operator actions go through the same loop.
package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/markus-barta/lockfleet/internal/authority"
	"github.com/markus-barta/lockfleet/internal/clock"
	"github.com/markus-barta/lockfleet/internal/events"
	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
)

// Options tune liveness and reconciliation.
type Options struct {
	StaleThreshold    time.Duration
	ReconcileInterval time.Duration
	PullOnStart       bool // pull once as soon as Run starts
}

// DefaultOptions returns the stock policy values.
func DefaultOptions() Options {
	return Options{
		StaleThreshold:    DefaultStaleThreshold,
		ReconcileInterval: 10 * time.Second,
		PullOnStart:       true,
	}
}

// DeviceStatus is a device together with its liveness.
type DeviceStatus struct {
	Device
	Online bool `json:"online"`
}

// Push is the outbound side of the push channel. A send that fails because
// the channel is down is not retried; every connect re-subscribes.
type Push interface {
	SubscribeDevice(mac string) error
	UnsubscribeDevice(mac string) error
}

type task struct {
	fn     func() error
	result chan error
}

// Fleet owns the device collection. All mutations run on the goroutine
// inside Run. Subscribers of fleet_changed are called from that goroutine
// and must not call back into Fleet methods that wait on it.
type Fleet struct {
	client authority.Client
	push   Push
	bus    *events.Bus
	clock  clock.Clock
	log    zerolog.Logger
	opts   Options

	tasks  chan task
	done   chan struct{}
	ctx    context.Context // cancelled when Run returns
	cancel context.CancelFunc

	// owned by the apply goroutine
	devices map[string]Device

	// read side, replaced wholesale after every commit
	mu     sync.RWMutex
	view   map[string]Device
	online map[string]bool

	pullMu  sync.Mutex
	pulling bool

	unsubscribe []func()
}

// New creates a fleet and subscribes its push handlers to bus. Subscription
// requests go out through push. Nothing is applied until Run is called.
func New(client authority.Client, push Push, bus *events.Bus, clk clock.Clock, opts Options, log zerolog.Logger) *Fleet {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultOptions().ReconcileInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fleet{
		client:  client,
		push:    push,
		bus:     bus,
		clock:   clk,
		log:     log.With().Str("component", "fleet").Logger(),
		opts:    opts,
		tasks:   make(chan task),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]Device),
		view:    make(map[string]Device),
		online:  make(map[string]bool),
	}
	f.subscribe()
	return f
}

// Run applies queued mutations and drives the reconciliation ticker until
// ctx is cancelled. It must be called exactly once.
func (f *Fleet) Run(ctx context.Context) error {
	ticker := f.clock.NewTicker(f.opts.ReconcileInterval)
	defer ticker.Stop()
	defer close(f.done)
	defer f.cancel()
	defer f.unsubscribeAll()

	f.log.Info().
		Dur("interval", f.opts.ReconcileInterval).
		Dur("stale_threshold", f.opts.StaleThreshold).
		Msg("fleet sync started")

	if f.opts.PullOnStart {
		f.startPull()
	}

	for {
		select {
		case <-ctx.Done():
			f.log.Info().Msg("fleet sync stopped")
			return nil
		case t := <-f.tasks:
			t.result <- t.fn()
		case <-ticker.C:
			f.startPull()
		}
	}
}

// submit runs fn on the apply goroutine and returns its error.
func (f *Fleet) submit(ctx context.Context, fn func() error) error {
	t := task{fn: fn, result: make(chan error, 1)}
	select {
	case f.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return ErrStopped
	}

	select {
	case err := <-t.result:
		return err
	case <-f.done:
		return ErrStopped
	}
}

// commit recomputes liveness, publishes a fresh read view and announces the
// change. Apply goroutine only.
func (f *Fleet) commit(reason string) {
	online := ComputeOnlineStatus(f.devices, f.clock.Now(), f.opts.StaleThreshold)
	view := make(map[string]Device, len(f.devices))
	for mac, d := range f.devices {
		view[mac] = d.clone()
	}

	f.mu.Lock()
	f.view = view
	f.online = online
	f.mu.Unlock()

	n := 0
	for _, ok := range online {
		if ok {
			n++
		}
	}
	if err := events.Publish(f.bus, events.FleetChanged, protocol.FleetChangedPayload{
		Reason:  reason,
		Devices: len(view),
		Online:  n,
	}); err != nil {
		f.log.Error().Err(err).Msg("failed to publish fleet change")
	}
}

// Devices returns every device with its liveness, sorted by MAC.
func (f *Fleet) Devices() []DeviceStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(f.view))
	for mac, d := range f.view {
		out = append(out, DeviceStatus{Device: d.clone(), Online: f.online[mac]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Device returns one device.
func (f *Fleet) Device(mac string) (DeviceStatus, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	d, ok := f.view[mac]
	if !ok {
		return DeviceStatus{}, false
	}
	return DeviceStatus{Device: d.clone(), Online: f.online[mac]}, true
}

// OnlineStatus returns the liveness computed at the last change.
func (f *Fleet) OnlineStatus() map[string]bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]bool, len(f.online))
	for mac, ok := range f.online {
		out[mac] = ok
	}
	return out
}

func (f *Fleet) macs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.view))
	for mac := range f.view {
		out = append(out, mac)
	}
	sort.Strings(out)
	return out
}
