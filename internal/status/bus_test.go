package status_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/device"
	"github.com/wazo-provd/provd/internal/plugin"
	"github.com/wazo-provd/provd/internal/status"
)

type fakeSubscriber struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	received []status.Event
	closed   bool
}

func newFakeSubscriber(id string) *fakeSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeSubscriber{id: id, ctx: ctx, cancel: cancel}
}

func (f *fakeSubscriber) ID() string               { return f.id }
func (f *fakeSubscriber) Context() context.Context { return f.ctx }

func (f *fakeSubscriber) Send(ev status.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, ev)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cancel()
	return nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestBusBroadcastsToSubscribers(t *testing.T) {
	bus := status.NewBus(status.NewMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	defer func() {
		cancel()
		bus.Stop()
	}()

	sub := newFakeSubscriber("s1")
	bus.Subscribe(sub)

	bus.Publish(status.NewEvent(status.EventDeviceAdded, map[string]any{"device_id": "d1"}))

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, status.EventDeviceAdded, sub.received[0].Type)
	assert.Equal(t, int64(1), sub.received[0].Sequence)
}

func TestAggregatorTranslatesDeviceAndPluginEvents(t *testing.T) {
	pluginEvents := make(chan plugin.LifecycleEvent, 4)
	oipUpdates := make(chan plugin.OIPUpdate, 4)
	deviceEvents := make(chan device.DeviceEvent, 4)

	bus := status.NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	defer func() {
		cancel()
		bus.Stop()
	}()

	sub := newFakeSubscriber("s1")
	bus.Subscribe(sub)

	agg := status.NewAggregator(fakePluginEvents{events: pluginEvents, oip: oipUpdates}, fakeDeviceEvents{events: deviceEvents}, bus)
	aggCtx, aggCancel := context.WithCancel(context.Background())
	defer aggCancel()
	go agg.Run(aggCtx)

	pluginEvents <- plugin.LifecycleEvent{Kind: plugin.LifecycleLoaded, ID: "p1"}
	deviceEvents <- device.DeviceEvent{Kind: device.DeviceAdded, ID: "d1"}

	require.Eventually(t, func() bool { return sub.count() == 2 }, time.Second, 5*time.Millisecond)
}

type fakePluginEvents struct {
	events chan plugin.LifecycleEvent
	oip    chan plugin.OIPUpdate
}

func (f fakePluginEvents) Events() <-chan plugin.LifecycleEvent { return f.events }
func (f fakePluginEvents) OIPUpdates() <-chan plugin.OIPUpdate  { return f.oip }

type fakeDeviceEvents struct {
	events chan device.DeviceEvent
}

func (f fakeDeviceEvents) Events() <-chan device.DeviceEvent { return f.events }
