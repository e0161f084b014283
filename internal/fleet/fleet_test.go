package fleet

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/lockfleet/internal/authority"
	"github.com/markus-barta/lockfleet/internal/clock"
	"github.com/markus-barta/lockfleet/internal/events"
	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	macA = "AA:AA:AA:AA:AA:AA"
	macB = "BB:BB:BB:BB:BB:BB"
)

var epoch = time.Unix(1700000000, 0)

// fakeAuthority is an in-memory authority.Client.
type fakeAuthority struct {
	mu      sync.Mutex
	devices []protocol.Device
	scripts map[string][]protocol.ScriptMeta
	calls   []string

	listScriptsErr error
	enqueueErr     error
	uploads        map[string]string

	// pullGate, when set, blocks ListDevices until a value is received.
	pullGate chan struct{}

	// onDeleteScript runs after DeleteScript succeeds.
	onDeleteScript func()
}

func newFakeAuthority(devices ...protocol.Device) *fakeAuthority {
	return &fakeAuthority{
		devices: devices,
		scripts: make(map[string][]protocol.ScriptMeta),
		uploads: make(map[string]string),
	}
}

func (a *fakeAuthority) record(call string) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
}

func (a *fakeAuthority) Calls(prefix string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (a *fakeAuthority) SetDevices(devices ...protocol.Device) {
	a.mu.Lock()
	a.devices = devices
	a.mu.Unlock()
}

func (a *fakeAuthority) ListDevices(ctx context.Context) ([]protocol.Device, error) {
	a.record("ListDevices")
	a.mu.Lock()
	gate := a.pullGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &authority.TransportError{Op: "list devices", Err: ctx.Err()}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.Device(nil), a.devices...), nil
}

func (a *fakeAuthority) GetDevice(_ context.Context, mac string) (*protocol.Device, error) {
	a.record("GetDevice " + mac)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.devices {
		if d.MACAddress == mac {
			return &d, nil
		}
	}
	return nil, &authority.AuthorityError{Op: "get device", Status: 404, Message: "Device not found"}
}

func (a *fakeAuthority) AddDevice(_ context.Context, nd protocol.NewDevice) (*protocol.Device, error) {
	a.record("AddDevice " + nd.MACAddress)
	d := protocol.Device{MACAddress: nd.MACAddress, Name: nd.Name, Emoji: nd.Emoji, Scripts: []protocol.ScriptMeta{}}
	a.mu.Lock()
	a.devices = append(a.devices, d)
	a.mu.Unlock()
	return &d, nil
}

func (a *fakeAuthority) DeleteDevice(_ context.Context, mac string) error {
	a.record("DeleteDevice " + mac)
	return nil
}

func (a *fakeAuthority) ListScripts(_ context.Context, mac string) ([]protocol.ScriptMeta, error) {
	a.record("ListScripts " + mac)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listScriptsErr != nil {
		return nil, a.listScriptsErr
	}
	return append([]protocol.ScriptMeta{}, a.scripts[mac]...), nil
}

func (a *fakeAuthority) UploadScript(_ context.Context, mac, name string, content io.Reader) error {
	a.record("UploadScript " + mac + " " + name)
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.uploads[name] = string(data)
	a.mu.Unlock()
	return nil
}

func (a *fakeAuthority) EnqueueScript(_ context.Context, mac, name string) (*authority.Ack, error) {
	a.record("EnqueueScript " + mac + " " + name)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enqueueErr != nil {
		return nil, a.enqueueErr
	}
	return &authority.Ack{Success: true, Message: "Script enqueued"}, nil
}

func (a *fakeAuthority) DequeueScript(_ context.Context, mac, name string) (*authority.Ack, error) {
	a.record("DequeueScript " + mac + " " + name)
	return &authority.Ack{Success: true, Message: "Script dequeued"}, nil
}

func (a *fakeAuthority) DeleteScript(_ context.Context, mac, name string) error {
	a.record("DeleteScript " + mac + " " + name)
	a.mu.Lock()
	hook := a.onDeleteScript
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

var _ authority.Client = (*fakeAuthority)(nil)

// recordingPush stands in for the connection manager.
type recordingPush struct {
	mu   sync.Mutex
	sent []string
}

func (e *recordingPush) record(name protocol.EventName, mac string) error {
	e.mu.Lock()
	e.sent = append(e.sent, string(name)+" "+mac)
	e.mu.Unlock()
	return nil
}

func (e *recordingPush) SubscribeDevice(mac string) error {
	return e.record(protocol.MessageSubscribeDevice, mac)
}

func (e *recordingPush) UnsubscribeDevice(mac string) error {
	return e.record(protocol.MessageUnsubscribeDevice, mac)
}

func (e *recordingPush) Sent() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]string(nil), e.sent...)
	sort.Strings(out)
	return out
}

type testFleet struct {
	*Fleet
	auth    *fakeAuthority
	bus     *events.Bus
	clock   *clock.FakeClock
	emitter *recordingPush
	stop    func()
}

func startFleet(t *testing.T, auth *fakeAuthority) *testFleet {
	t.Helper()
	bus := events.New(zerolog.Nop())
	em := &recordingPush{}
	clk := clock.NewFake(epoch)

	opts := DefaultOptions()
	opts.PullOnStart = false
	f := New(auth, em, bus, clk, opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return &testFleet{Fleet: f, auth: auth, bus: bus, clock: clk, emitter: em, stop: stop}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func mustRefresh(t *testing.T, tf *testFleet) {
	t.Helper()
	if err := tf.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func TestPushScriptStateSurvivesPullWithoutScripts(t *testing.T) {
	tf := startFleet(t, newFakeAuthority(protocol.Device{MACAddress: macA, LastPingTime: 1699999995}))
	mustRefresh(t, tf)

	if err := events.Publish(tf.bus, events.ScriptExecutionUpdate, protocol.ScriptExecutionUpdate{
		MACAddress: macA,
		ScriptName: "s1",
		Status:     protocol.ScriptRunning,
	}); err != nil {
		t.Fatal(err)
	}

	mustRefresh(t, tf)

	d, ok := tf.Device(macA)
	if !ok {
		t.Fatal("device missing after pull")
	}
	if got := d.Scripts["s1"].Status; got != protocol.ScriptRunning {
		t.Errorf("s1 status = %q, want running", got)
	}
}

func TestPushForUnknownDeviceIsDropped(t *testing.T) {
	tf := startFleet(t, newFakeAuthority(protocol.Device{MACAddress: macA, LastPingTime: 1699999995}))
	mustRefresh(t, tf)

	var changes int
	var mu sync.Mutex
	events.On(tf.bus, events.FleetChanged, func(protocol.FleetChangedPayload) error {
		mu.Lock()
		changes++
		mu.Unlock()
		return nil
	})

	_ = events.Publish(tf.bus, events.DeviceStatusUpdate, protocol.DeviceStatusUpdate{MACAddress: macB, LastPingTime: 1700000000})
	_ = events.Publish(tf.bus, events.DeviceStateUpdate, protocol.DeviceStateUpdate{MACAddress: macB})
	_ = events.Publish(tf.bus, events.ScriptExecutionUpdate, protocol.ScriptExecutionUpdate{
		MACAddress: macB, ScriptName: "s1", Status: protocol.ScriptIdle,
	})

	if n := len(tf.Devices()); n != 1 {
		t.Errorf("devices = %d, want 1", n)
	}
	if _, ok := tf.Device(macB); ok {
		t.Error("push event synthesized a device")
	}
	mu.Lock()
	defer mu.Unlock()
	if changes != 0 {
		t.Errorf("fleet_changed published %d times for dropped events", changes)
	}
}

func TestStatusUpdate_MostRecentTimestampWins(t *testing.T) {
	tf := startFleet(t, newFakeAuthority(protocol.Device{MACAddress: macA, LastPingTime: 1699999000}))
	mustRefresh(t, tf)

	if online := tf.OnlineStatus()[macA]; online {
		t.Fatal("device should start offline")
	}

	_ = events.Publish(tf.bus, events.DeviceStatusUpdate, protocol.DeviceStatusUpdate{MACAddress: macA, LastPingTime: 1699999990})
	d, _ := tf.Device(macA)
	if d.LastPingTime != 1699999990 || !d.Online {
		t.Fatalf("after push: %+v online=%v", d.LastPingTime, d.Online)
	}

	// An older push is ignored.
	_ = events.Publish(tf.bus, events.DeviceStatusUpdate, protocol.DeviceStatusUpdate{MACAddress: macA, LastPingTime: 1699999500})
	if d, _ := tf.Device(macA); d.LastPingTime != 1699999990 {
		t.Errorf("older push applied: %v", d.LastPingTime)
	}

	// So is an older pull.
	mustRefresh(t, tf)
	d, _ = tf.Device(macA)
	if d.LastPingTime != 1699999990 || !d.Online {
		t.Errorf("after stale pull: %v online=%v", d.LastPingTime, d.Online)
	}
}

func TestStateUpdateMergesFields(t *testing.T) {
	tf := startFleet(t, newFakeAuthority(protocol.Device{MACAddress: macA}))
	mustRefresh(t, tf)

	var p protocol.DeviceStateUpdate
	if err := p.UnmarshalJSON([]byte(`{"macAddress":"` + macA + `","locked":true,"battery":80}`)); err != nil {
		t.Fatal(err)
	}
	_ = events.Publish(tf.bus, events.DeviceStateUpdate, p)
	if err := p.UnmarshalJSON([]byte(`{"macAddress":"` + macA + `","locked":false}`)); err != nil {
		t.Fatal(err)
	}
	_ = events.Publish(tf.bus, events.DeviceStateUpdate, p)

	d, _ := tf.Device(macA)
	if string(d.State["locked"]) != "false" || string(d.State["battery"]) != "80" {
		t.Errorf("state = %s / %s", d.State["locked"], d.State["battery"])
	}
}

func TestDeviceDiscovered(t *testing.T) {
	tf := startFleet(t, newFakeAuthority())

	dev := protocol.Device{MACAddress: macA, Name: "Front door", LastPingTime: 1699999999}
	_ = events.Publish(tf.bus, events.DeviceDiscovered, protocol.DeviceDiscovered{Device: dev})

	dev.Name = "Renamed"
	_ = events.Publish(tf.bus, events.DeviceDiscovered, protocol.DeviceDiscovered{Device: dev})

	d, ok := tf.Device(macA)
	if !ok {
		t.Fatal("discovered device not inserted")
	}
	if d.Name != "Front door" {
		t.Errorf("name = %q, second discovery must not overwrite", d.Name)
	}
	if !d.Online {
		t.Error("discovered device should be online")
	}
	if got := tf.emitter.Sent(); len(got) != 1 || got[0] != "subscribe_device "+macA {
		t.Errorf("sent = %v", got)
	}
}

func TestPingTriggersDeviceRefresh(t *testing.T) {
	auth := newFakeAuthority(protocol.Device{MACAddress: macA, LastPingTime: 1699999000})
	tf := startFleet(t, auth)
	mustRefresh(t, tf)

	auth.SetDevices(protocol.Device{MACAddress: macA, LastPingTime: 1699999999})
	_ = events.Publish(tf.bus, events.PingReceived, protocol.PingReceived{MACAddress: macA})

	waitFor(t, "device refresh", func() bool {
		d, _ := tf.Device(macA)
		return d.LastPingTime == 1699999999
	})
	if auth.Calls("GetDevice") != 1 {
		t.Errorf("GetDevice calls = %d, want 1", auth.Calls("GetDevice"))
	}
}

func TestRefresh_SubscriptionDiff(t *testing.T) {
	auth := newFakeAuthority(protocol.Device{MACAddress: macA})
	tf := startFleet(t, auth)
	mustRefresh(t, tf)

	auth.SetDevices(protocol.Device{MACAddress: macB})
	mustRefresh(t, tf)

	want := []string{
		"subscribe_device " + macA,
		"subscribe_device " + macB,
		"unsubscribe_device " + macA,
	}
	if got := tf.emitter.Sent(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("sent = %v, want %v", got, want)
	}
}

func TestResubscribeOnConnect(t *testing.T) {
	tf := startFleet(t, newFakeAuthority(protocol.Device{MACAddress: macA}, protocol.Device{MACAddress: macB}))
	mustRefresh(t, tf)
	before := len(tf.emitter.Sent())

	_ = events.Publish(tf.bus, events.ConnectionState, protocol.ConnectionStatePayload{Status: "connecting"})
	_ = events.Publish(tf.bus, events.ConnectionState, protocol.ConnectionStatePayload{Status: "connected"})

	if got := len(tf.emitter.Sent()) - before; got != 2 {
		t.Errorf("re-subscribed %d devices, want 2", got)
	}
}

func TestReconcileTicker(t *testing.T) {
	auth := newFakeAuthority(protocol.Device{MACAddress: macA})
	gate := make(chan struct{})
	auth.pullGate = gate
	tf := startFleet(t, auth)

	tf.clock.WaitForTimers(1)
	tf.clock.Advance(10 * time.Second)
	waitFor(t, "first pull", func() bool { return auth.Calls("ListDevices") == 1 })

	// A tick while the pull is still running is skipped.
	tf.clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := auth.Calls("ListDevices"); n != 1 {
		t.Fatalf("pulls = %d while one in flight, want 1", n)
	}

	gate <- struct{}{}
	waitFor(t, "pull applied", func() bool { _, ok := tf.Device(macA); return ok })

	close(gate)
	waitFor(t, "pull slot released", func() bool {
		tf.pullMu.Lock()
		defer tf.pullMu.Unlock()
		return !tf.pulling
	})
	tf.clock.Advance(10 * time.Second)
	waitFor(t, "second pull", func() bool { return auth.Calls("ListDevices") == 2 })
}

func TestRun_StopsTickerAndRejectsWork(t *testing.T) {
	tf := startFleet(t, newFakeAuthority(protocol.Device{MACAddress: macA}))
	tf.clock.WaitForTimers(1)

	tf.stop()

	if n := tf.clock.PendingCount(); n != 0 {
		t.Errorf("pending timers after stop = %d, want 0", n)
	}
	if err := tf.Refresh(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Refresh after stop = %v, want ErrStopped", err)
	}
	if n := tf.bus.SubscriberCount(protocol.EventDeviceStatusUpdate); n != 0 {
		t.Errorf("handlers still subscribed: %d", n)
	}
}

func TestPullOnStart(t *testing.T) {
	auth := newFakeAuthority(protocol.Device{MACAddress: macA})
	bus := events.New(zerolog.Nop())
	f := New(auth, &recordingPush{}, bus, clock.NewFake(epoch), DefaultOptions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "initial pull", func() bool { _, ok := f.Device(macA); return ok })
}
