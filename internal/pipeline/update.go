package pipeline

import (
	"context"
	"sort"
	"strings"

	"github.com/wazo-provd/provd/internal/configengine"
	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/device"
	"github.com/wazo-provd/provd/internal/plugin"
	"github.com/wazo-provd/provd/internal/storage"
)

// UpdaterInput bundles what every updater stage needs: the info the
// extractor produced and the device the retriever matched, which updater
// stages mutate in place.
type UpdaterInput struct {
	Info   plugin.DeviceInfo
	Device *domain.Device
}

// addInfoUpdater copies device-info keys into the device when the
// device's own field is still empty (spec §4.6: "AddInfo").
type addInfoUpdater struct{}

// NewAddInfoUpdater builds the AddInfo updater stage.
func NewAddInfoUpdater() Stage[UpdaterInput, *domain.Device] { return addInfoUpdater{} }

func (addInfoUpdater) Run(_ context.Context, in UpdaterInput) (*domain.Device, error) {
	applyIfEmpty(in.Info, in.Device, false)
	return in.Device, nil
}

// dynamicUpdater copies device-info keys into the device unconditionally
// when Force is set (spec §4.6: "Dynamic, with an optional forced
// overwrite").
type dynamicUpdater struct {
	Force bool
}

// NewDynamicUpdater builds the Dynamic updater stage.
func NewDynamicUpdater(force bool) Stage[UpdaterInput, *domain.Device] {
	return dynamicUpdater{Force: force}
}

func (d dynamicUpdater) Run(_ context.Context, in UpdaterInput) (*domain.Device, error) {
	applyIfEmpty(in.Info, in.Device, d.Force)
	return in.Device, nil
}

func applyIfEmpty(info plugin.DeviceInfo, dev *domain.Device, force bool) {
	set := func(cur *string, key string) {
		val, ok := deviceInfoStr(info, key)
		if !ok || (!force && *cur != "") {
			return
		}
		*cur = val
	}
	set(&dev.MAC, "mac")
	set(&dev.IP, "ip")
	set(&dev.Vendor, "vendor")
	set(&dev.Model, "model")
	set(&dev.Version, "version")
	set(&dev.SN, "sn")
	set(&dev.UUID, "uuid")

	for key, val := range info {
		optKey, ok := strings.CutPrefix(key, "options.")
		if !ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok {
			continue
		}
		if dev.Options == nil {
			dev.Options = map[string]string{}
		}
		if _, exists := dev.Options[optKey]; exists && !force {
			continue
		}
		dev.Options[optKey] = strVal
	}
}

// autocreateConfigUpdater attaches a freshly autocreated transient config
// when the device has none (spec §4.6: "AutocreateConfig").
type autocreateConfigUpdater struct {
	configs *configengine.Engine
}

// NewAutocreateConfigUpdater builds the AutocreateConfig updater stage.
func NewAutocreateConfigUpdater(configs *configengine.Engine) Stage[UpdaterInput, *domain.Device] {
	return autocreateConfigUpdater{configs: configs}
}

func (a autocreateConfigUpdater) Run(ctx context.Context, in UpdaterInput) (*domain.Device, error) {
	if in.Device.Config != "" {
		return in.Device, nil
	}
	cfg, err := a.configs.Autocreate(ctx)
	if err != nil {
		return in.Device, nil
	}
	in.Device.Config = cfg.ID
	return in.Device, nil
}

// removeOutdatedIPUpdater evicts the ip field from any other device that
// previously claimed the same address, when NAT mode is off (spec §4.6:
// "RemoveOutdatedIp"). NAT mode (where several devices may legitimately
// share one NATed IP) is represented as a plain bool, supplied by the
// caller's runtime configuration.
type removeOutdatedIPUpdater struct {
	store    *device.Store
	natMode  bool
}

// NewRemoveOutdatedIPUpdater builds the RemoveOutdatedIp updater stage.
func NewRemoveOutdatedIPUpdater(store *device.Store, natMode bool) Stage[UpdaterInput, *domain.Device] {
	return removeOutdatedIPUpdater{store: store, natMode: natMode}
}

func (r removeOutdatedIPUpdater) Run(ctx context.Context, in UpdaterInput) (*domain.Device, error) {
	if r.natMode || in.Device.IP == "" {
		return in.Device, nil
	}
	others, err := r.store.Find(ctx, storage.Selector{"ip": in.Device.IP}, storage.FindOptions{})
	if err != nil {
		return in.Device, nil
	}
	for _, other := range others {
		if other.ID == in.Device.ID {
			continue
		}
		other.IP = ""
		_ = r.store.Update(ctx, other, nil)
	}
	return in.Device, nil
}

// pluginAssociationUpdater polls every loaded plugin's pg_associator and
// assigns the device to the highest-scoring candidate at or above
// SupportProbable, breaking ties with Conflict (spec §4.6: "default
// reverse-alphabetic on plugin id").
type pluginAssociationUpdater struct {
	plugins  PluginSource
	Conflict func(candidates []string) string
}

// NewPluginAssociationUpdater builds the plugin-association updater
// stage. A nil conflict resolver defaults to reverse-alphabetic on plugin
// id, per the spec.
func NewPluginAssociationUpdater(plugins PluginSource, conflict func([]string) string) Stage[UpdaterInput, *domain.Device] {
	if conflict == nil {
		conflict = reverseAlphabeticConflict
	}
	return pluginAssociationUpdater{plugins: plugins, Conflict: conflict}
}

func reverseAlphabeticConflict(candidates []string) string {
	sorted := append([]string(nil), candidates...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))
	return sorted[0]
}

func (p pluginAssociationUpdater) Run(ctx context.Context, in UpdaterInput) (*domain.Device, error) {
	best := plugin.SupportProbable - 1
	var winners []string
	for id, loaded := range p.plugins.Loaded() {
		assoc := loaded.PGAssociator()
		if assoc == nil {
			continue
		}
		score := assoc.Associate(ctx, in.Info)
		if score < plugin.SupportProbable {
			continue
		}
		switch {
		case score > best:
			best = score
			winners = []string{id}
		case score == best:
			winners = append(winners, id)
		}
	}
	if len(winners) == 0 {
		return in.Device, nil
	}
	if len(winners) == 1 {
		in.Device.Plugin = winners[0]
		return in.Device, nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(winners)))
	in.Device.Plugin = p.Conflict(winners)
	return in.Device, nil
}

// NewUpdater composes the standard updater chain (spec §4.6) with
// MergeAll, relying on every step mutating the same *domain.Device
// pointer in place and Merge simply returning the last result.
func NewUpdater(configs *configengine.Engine, store *device.Store, plugins PluginSource, natMode bool, conflict func([]string) string) Stage[UpdaterInput, *domain.Device] {
	return MergeAll[UpdaterInput, *domain.Device]{
		Stages: []Stage[UpdaterInput, *domain.Device]{
			NewAddInfoUpdater(),
			NewAutocreateConfigUpdater(configs),
			NewRemoveOutdatedIPUpdater(store, natMode),
			NewPluginAssociationUpdater(plugins, conflict),
		},
		Merge: func(outs []*domain.Device) *domain.Device {
			return outs[len(outs)-1]
		},
	}
}
