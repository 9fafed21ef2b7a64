package pipeline

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/wazo-provd/provd/internal/configengine"
	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/device"
	"github.com/wazo-provd/provd/internal/plugin"
)

// Pipeline is the parameterized extract/retrieve/update engine every
// protocol adapter drives (spec §4.6).
type Pipeline struct {
	Extractor Stage[plugin.Request, plugin.DeviceInfo]
	Retriever Stage[RetrieverInput, *domain.Device]
	Updater   Stage[UpdaterInput, *domain.Device]

	configs *configengine.Engine
	store   *device.Store
	plugins PluginSource
}

// New builds a Pipeline wired to the standard extractor/retriever/updater
// chains (spec §4.6). natMode and conflict configure the
// RemoveOutdatedIp/plugin-association updater steps; see NewUpdater.
func New(configs *configengine.Engine, store *device.Store, plugins PluginSource, logger *slog.Logger, natMode bool, conflict func([]string) string) *Pipeline {
	return &Pipeline{
		Extractor: MergeAll[plugin.Request, plugin.DeviceInfo]{
			Stages: []Stage[plugin.Request, plugin.DeviceInfo]{
				StdExtractor{},
				PluginExtractor{Manager: plugins, Merge: LastSeenMerge},
			},
			Merge: LastSeenMerge,
		},
		Retriever: NewRetriever(store, logger),
		Updater:   NewUpdater(configs, store, plugins, natMode, conflict),
		configs:   configs,
		store:     store,
		plugins:   plugins,
	}
}

// Process runs one request through extract -> retrieve -> update and
// persists the outcome (spec §4.6). On a change, it persists via the
// device state machine's Update (which may trigger reconfigure); if
// nothing changed but the device is configured and the requested filename
// matches its plugin's remote-state trigger file, it records the newly
// observed SIP username as the only feedback path confirming the device
// applied its configuration.
func (p *Pipeline) Process(ctx context.Context, req plugin.Request, tenant string) (*domain.Device, error) {
	info, err := p.Extractor.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	dev, err := p.Retriever.Run(ctx, RetrieverInput{Info: info, TenantUUID: tenant})
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, nil
	}

	before := dev.Clone()

	dev, err = p.Updater.Run(ctx, UpdaterInput{Info: info, Device: dev})
	if err != nil {
		return nil, err
	}

	if !reflect.DeepEqual(before, dev) {
		if err := p.store.Update(ctx, dev, nil); err != nil {
			return nil, err
		}
		return dev, nil
	}

	p.maybeRecordRemoteState(ctx, dev, req.Path)
	return dev, nil
}

// maybeRecordRemoteState closes the feedback loop described in spec §4.6:
// if the device is configured, its plugin names a remote-state trigger
// filename matching the request path, and the config's first SIP line
// username differs from the device's last recorded one, the new username
// is written back.
func (p *Pipeline) maybeRecordRemoteState(ctx context.Context, dev *domain.Device, requestedPath string) {
	if !dev.Configured || dev.Plugin == "" || dev.Config == "" {
		return
	}
	loaded, err := lookupPlugin(p.plugins, dev.Plugin)
	if err != nil {
		return
	}
	trigger, ok := loaded.RemoteStateTriggerFilename(dev)
	if !ok || trigger != requestedPath {
		return
	}

	raw, err := p.configs.Materialize(ctx, dev.Config)
	if err != nil {
		return
	}
	raw = device.FillDefaults(raw)
	lines, _ := raw["sip_lines"].(map[string]any)
	line, _ := lines["1"].(map[string]any)
	username, _ := line["username"].(string)
	if username == "" || username == dev.RemoteStateSIPUsername {
		return
	}

	dev.RemoteStateSIPUsername = username
	_ = p.store.Update(ctx, dev, nil)
}

func lookupPlugin(src PluginSource, id string) (plugin.Plugin, error) {
	p, ok := src.Loaded()[id]
	if !ok {
		return nil, core.ErrPluginNotLoaded
	}
	return p, nil
}
