package status

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wazo-provd/provd/internal/device"
	"github.com/wazo-provd/provd/internal/plugin"
)

// Subscriber receives broadcast Events (one per websocket connection).
type Subscriber interface {
	ID() string
	Send(ev Event) error
	Close() error
	Context() context.Context
}

// Bus fans Events out to every registered Subscriber, generalizing the
// teacher's internal/realtime.DefaultEventBus from alert/silence events to
// provisioning events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}

	eventCh  chan Event
	stopCh   chan struct{}
	wg       sync.WaitGroup
	sequence int64

	metrics *Metrics
}

// NewBus builds a Bus. metrics may be nil.
func NewBus(metrics *Metrics) *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]struct{}),
		eventCh:     make(chan Event, 1000),
		stopCh:      make(chan struct{}),
		metrics:     metrics,
	}
}

// Subscribe registers a Subscriber.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.ConnectionsActive.Set(float64(n))
	}
}

// Unsubscribe removes and closes a Subscriber.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	delete(b.subscribers, sub)
	n := len(b.subscribers)
	b.mu.Unlock()
	if ok {
		sub.Close()
	}
	if b.metrics != nil {
		b.metrics.ConnectionsActive.Set(float64(n))
	}
}

// Publish enqueues ev for broadcast; drops it (and counts the drop) if the
// internal queue is full rather than blocking the publisher.
func (b *Bus) Publish(ev Event) {
	ev.Sequence = atomic.AddInt64(&b.sequence, 1)
	select {
	case b.eventCh <- ev:
	default:
		if b.metrics != nil {
			b.metrics.ErrorsTotal.WithLabelValues("queue_full").Inc()
		}
	}
}

// Run broadcasts queued events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	b.wg.Add(1)
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case ev := <-b.eventCh:
			b.broadcast(ev)
		}
	}
}

// Stop blocks until Run has returned.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Bus) broadcast(ev Event) {
	start := time.Now()

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			select {
			case <-s.Context().Done():
				b.Unsubscribe(s)
				return
			default:
			}
			if err := s.Send(ev); err != nil {
				b.Unsubscribe(s)
			}
		}(sub)
	}
	wg.Wait()

	if b.metrics != nil {
		b.metrics.EventsTotal.WithLabelValues(ev.Type).Inc()
		b.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
}

// Aggregator bridges internal/plugin and internal/device's own event
// channels onto a Bus, translating their domain-specific shapes into the
// generic status.Event the websocket surface streams.
type Aggregator struct {
	plugins PluginEvents
	devices DeviceEvents
	bus     *Bus
}

// PluginEvents is the slice of *internal/plugin.Manager this package reads
// from.
type PluginEvents interface {
	Events() <-chan plugin.LifecycleEvent
	OIPUpdates() <-chan plugin.OIPUpdate
}

// DeviceEvents is the slice of *internal/device.Store this package reads
// from.
type DeviceEvents interface {
	Events() <-chan device.DeviceEvent
}

// NewAggregator builds an Aggregator.
func NewAggregator(plugins PluginEvents, devices DeviceEvents, bus *Bus) *Aggregator {
	return &Aggregator{plugins: plugins, devices: devices, bus: bus}
}

// Run fans plugin/device events onto the Bus until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.plugins.Events():
			if !ok {
				return
			}
			a.bus.Publish(translateLifecycle(ev))
		case upd, ok := <-a.plugins.OIPUpdates():
			if !ok {
				return
			}
			a.bus.Publish(translateOIP(upd))
		case ev, ok := <-a.devices.Events():
			if !ok {
				return
			}
			a.bus.Publish(translateDevice(ev))
		}
	}
}

func translateLifecycle(ev plugin.LifecycleEvent) Event {
	eventType := EventPluginLoaded
	if ev.Kind == plugin.LifecycleUnloaded {
		eventType = EventPluginUnloaded
	}
	return NewEvent(eventType, map[string]any{"plugin_id": ev.ID})
}

func translateOIP(upd plugin.OIPUpdate) Event {
	return NewEvent(EventOIPUpdate, map[string]any{
		"plugin_id": upd.PluginID,
		"label":     upd.Snapshot.Label,
		"state":     upd.Snapshot.State,
		"current":   upd.Snapshot.Current,
		"end":       upd.Snapshot.End,
	})
}

func translateDevice(ev device.DeviceEvent) Event {
	var eventType string
	switch ev.Kind {
	case device.DeviceAdded:
		eventType = EventDeviceAdded
	case device.DeviceUpdated:
		eventType = EventDeviceUpdated
	case device.DeviceDeleted:
		eventType = EventDeviceDeleted
	}
	return NewEvent(eventType, map[string]any{"device_id": ev.ID})
}
