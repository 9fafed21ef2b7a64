package device

// DeviceEventKind names the mutation a DeviceEvent reports.
type DeviceEventKind string

const (
	DeviceAdded   DeviceEventKind = "added"
	DeviceUpdated DeviceEventKind = "updated"
	DeviceDeleted DeviceEventKind = "deleted"
)

// DeviceEvent is published on a Store's event channel whenever a device is
// inserted, updated, or deleted, for internal/status to stream out
// alongside plugin lifecycle and OIP events.
type DeviceEvent struct {
	Kind DeviceEventKind
	ID   string
}

// Events returns the channel device mutations are published on. Reads
// exclusively — the same non-blocking-publish/drop-on-full contract as
// internal/plugin.Manager's Events channel.
func (s *Store) Events() <-chan DeviceEvent { return s.events }

func (s *Store) publishEvent(ev DeviceEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("device event channel full, dropping event", "kind", ev.Kind, "id", ev.ID)
	}
}
