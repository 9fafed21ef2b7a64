package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
)

// InfoFilename is the metadata file every installed plugin directory must
// contain (spec §4.3: "enumerate subdirectories... each must contain a
// plugin-info JSON").
const InfoFilename = "plugin-info"

// EntryFilename is the compiled entry point a plugin directory must
// contain. Go has no runtime source-evaluation story, so the "evaluate
// the entry file... find a class marked as plugin entry" step (spec
// §4.3) is realized with the standard library's own dynamic-loading
// primitive: a Go plugin (.so) exporting a constructor symbol, looked up
// by name and invoked with (App, pluginDir, generalCfg, specificCfg).
const EntryFilename = "entry.so"

// EntrySymbol is the exported symbol every plugin's entry.so must define.
const EntrySymbol = "NewPlugin"

// RuntimeIfaceVersion is the plugin interface version this build speaks
// (spec §4.3: "current runtime value 0.2").
var RuntimeIfaceVersion = [2]int{0, 2}

// Factory constructs a loaded plugin instance (spec §4.3: "instantiate
// with (app, plugin_dir, general_cfg, specific_cfg)").
type Factory func(app App, pluginDir string, generalCfg, specificCfg map[string]any) (Plugin, error)

func readInstalledInfo(dir string) (Info, error) {
	raw, err := os.ReadFile(filepath.Join(dir, InfoFilename))
	if err != nil {
		return Info{}, fmt.Errorf("plugin: read %s: %w", InfoFilename, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Info{}, fmt.Errorf("plugin: parse %s: %w", InfoFilename, err)
	}

	info := Info{}
	if err := unmarshalDescribable(fields, &info.Version, &info.Description, &info.DescriptionByLocale, &info.Capabilities); err != nil {
		return Info{}, fmt.Errorf("plugin: parse %s: %w", InfoFilename, err)
	}
	if v, ok := fields["plugin_iface_version_min"]; ok {
		var bound [2]int
		if err := json.Unmarshal(v, &bound); err != nil {
			return Info{}, fmt.Errorf("plugin: parse %s: iface_version_min: %w", InfoFilename, err)
		}
		info.IfaceVersionMin = &bound
	}
	if v, ok := fields["plugin_iface_version_max"]; ok {
		var bound [2]int
		if err := json.Unmarshal(v, &bound); err != nil {
			return Info{}, fmt.Errorf("plugin: parse %s: iface_version_max: %w", InfoFilename, err)
		}
		info.IfaceVersionMax = &bound
	}
	return info, nil
}

// compatibleIfaceVersion reports whether runtime falls within [min, max]
// (either bound may be absent, meaning unbounded on that side).
func compatibleIfaceVersion(min, max *[2]int, runtime [2]int) bool {
	if min != nil && lessVersion(runtime, *min) {
		return false
	}
	if max != nil && lessVersion(*max, runtime) {
		return false
	}
	return true
}

func lessVersion(a, b [2]int) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

// loadFactory opens a plugin's compiled entry point and resolves its
// constructor symbol.
func loadFactory(entryPath string) (Factory, error) {
	p, err := goplugin.Open(entryPath)
	if err != nil {
		return nil, fmt.Errorf("plugin: open entry %s: %w", entryPath, err)
	}
	sym, err := p.Lookup(EntrySymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin: entry %s: missing symbol %s: %w", entryPath, EntrySymbol, err)
	}
	factory, ok := sym.(func(App, string, map[string]any, map[string]any) (Plugin, error))
	if !ok {
		return nil, fmt.Errorf("plugin: entry %s: symbol %s has the wrong signature", entryPath, EntrySymbol)
	}
	return Factory(factory), nil
}
