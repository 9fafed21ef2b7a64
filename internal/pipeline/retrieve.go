package pipeline

import (
	"context"
	"log/slog"

	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/device"
	"github.com/wazo-provd/provd/internal/plugin"
	"github.com/wazo-provd/provd/internal/storage"
)

// RetrieverInput bundles what a retriever needs: the extracted info and
// the tenant under which an add-new insert (if reached) is scoped.
type RetrieverInput struct {
	Info       plugin.DeviceInfo
	TenantUUID string
}

func deviceInfoStr(info plugin.DeviceInfo, key string) (string, bool) {
	v, ok := info[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// fieldRetriever looks a device up by one DeviceInfo key against one
// storage.Selector field, the shape shared by the MAC/UUID/SN lookups.
type fieldRetriever struct {
	store      *device.Store
	infoKey    string
	selectKey  string
}

func (r fieldRetriever) Run(ctx context.Context, in RetrieverInput) (*domain.Device, error) {
	val, ok := deviceInfoStr(in.Info, r.infoKey)
	if !ok {
		return nil, nil
	}
	devs, err := r.store.Find(ctx, storage.Selector{r.selectKey: val}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		return nil, nil
	}
	return devs[0], nil
}

// NewMACRetriever looks a device up by its MAC address.
func NewMACRetriever(store *device.Store) Stage[RetrieverInput, *domain.Device] {
	return fieldRetriever{store: store, infoKey: "mac", selectKey: "mac"}
}

// NewUUIDRetriever looks a device up by its UUID.
func NewUUIDRetriever(store *device.Store) Stage[RetrieverInput, *domain.Device] {
	return fieldRetriever{store: store, infoKey: "uuid", selectKey: "uuid"}
}

// NewSNRetriever looks a device up by its serial number.
func NewSNRetriever(store *device.Store) Stage[RetrieverInput, *domain.Device] {
	return fieldRetriever{store: store, infoKey: "sn", selectKey: "sn"}
}

// ipRetriever looks a device up by IP, narrowing by mac/vendor/model when
// more than one device currently claims the same address (spec §4.6:
// "IP-lookup (narrowed by MAC/vendor/model when multiple matches)").
type ipRetriever struct {
	store *device.Store
}

// NewIPRetriever builds the IP retriever stage.
func NewIPRetriever(store *device.Store) Stage[RetrieverInput, *domain.Device] {
	return ipRetriever{store: store}
}

func (r ipRetriever) Run(ctx context.Context, in RetrieverInput) (*domain.Device, error) {
	ip, ok := deviceInfoStr(in.Info, "ip")
	if !ok {
		return nil, nil
	}
	devs, err := r.store.Find(ctx, storage.Selector{"ip": ip}, storage.FindOptions{})
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		return nil, nil
	}
	if len(devs) == 1 {
		return devs[0], nil
	}

	narrow := func(key string) []*domain.Device {
		val, ok := deviceInfoStr(in.Info, key)
		if !ok {
			return nil
		}
		var out []*domain.Device
		for _, d := range devs {
			if fieldOf(d, key) == val {
				out = append(out, d)
			}
		}
		return out
	}
	for _, key := range []string{"mac", "vendor", "model"} {
		if narrowed := narrow(key); len(narrowed) == 1 {
			return narrowed[0], nil
		}
	}
	return devs[0], nil
}

func fieldOf(d *domain.Device, key string) string {
	switch key {
	case "mac":
		return d.MAC
	case "vendor":
		return d.Vendor
	case "model":
		return d.Model
	default:
		return ""
	}
}

// addNewRetriever inserts a brand-new device from whatever was extracted,
// logging a security event (spec §4.6: "The add-new retriever logs a
// security event when it auto-creates").
type addNewRetriever struct {
	store  *device.Store
	logger *slog.Logger
}

// NewAddNewRetriever builds the terminal add-new retriever stage.
func NewAddNewRetriever(store *device.Store, logger *slog.Logger) Stage[RetrieverInput, *domain.Device] {
	return addNewRetriever{store: store, logger: logger}
}

func (r addNewRetriever) Run(ctx context.Context, in RetrieverInput) (*domain.Device, error) {
	dev := &domain.Device{TenantUUID: in.TenantUUID, Added: domain.AddedAuto}
	if mac, ok := deviceInfoStr(in.Info, "mac"); ok {
		dev.MAC = mac
	}
	if ip, ok := deviceInfoStr(in.Info, "ip"); ok {
		dev.IP = ip
	}
	if vendor, ok := deviceInfoStr(in.Info, "vendor"); ok {
		dev.Vendor = vendor
	}
	if model, ok := deviceInfoStr(in.Info, "model"); ok {
		dev.Model = model
	}
	if version, ok := deviceInfoStr(in.Info, "version"); ok {
		dev.Version = version
	}
	if sn, ok := deviceInfoStr(in.Info, "sn"); ok {
		dev.SN = sn
	}
	if uuid, ok := deviceInfoStr(in.Info, "uuid"); ok {
		dev.UUID = uuid
	}

	id, err := r.store.Insert(ctx, in.TenantUUID, dev)
	if err != nil {
		return nil, err
	}
	dev.ID = id

	origin, _ := deviceInfoStr(in.Info, "ip")
	r.logger.Warn("security event: new device created automatically", "origin", origin, "device", id)
	return dev, nil
}

// NewRetriever composes the standard MAC -> IP -> UUID -> SN -> add-new
// chain via FirstMatch (spec §4.6).
func NewRetriever(store *device.Store, logger *slog.Logger) Stage[RetrieverInput, *domain.Device] {
	return FirstMatch[RetrieverInput, *domain.Device]{
		Stages: []Stage[RetrieverInput, *domain.Device]{
			NewMACRetriever(store),
			NewIPRetriever(store),
			NewUUIDRetriever(store),
			NewSNRetriever(store),
			NewAddNewRetriever(store, logger),
		},
		Done: func(d *domain.Device) bool { return d != nil },
	}
}
