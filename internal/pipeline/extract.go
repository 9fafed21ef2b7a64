package pipeline

import (
	"context"
	"sort"

	"github.com/wazo-provd/provd/internal/plugin"
)

// PluginSource is the narrow slice of *plugin.Manager the extractor/updater
// stages need: the current snapshot of loaded plugins. Kept as an
// interface so tests can substitute a fixed map.
type PluginSource interface {
	Loaded() map[string]plugin.Plugin
}

// StdExtractor pulls the fields every adapter can populate without a
// plugin's help: the remote MAC (DHCP requests carry it directly) and the
// remote IP (every protocol carries it).
type StdExtractor struct{}

func (StdExtractor) Run(_ context.Context, req plugin.Request) (plugin.DeviceInfo, error) {
	info := plugin.DeviceInfo{}
	if req.RemoteMAC != "" {
		info["mac"] = req.RemoteMAC
	}
	if req.RemoteIP != "" {
		info["ip"] = req.RemoteIP
	}
	return info, nil
}

// PluginExtractor delegates to every loaded plugin's extractor matching
// req.Protocol, merging their output with MergeAll (spec §4.6: "per-plugin
// ... the set is recomputed on every plugin load/unload" — achieved here
// by reading m.Loaded() fresh on every call rather than caching it).
type PluginExtractor struct {
	Manager PluginSource
	Merge   func([]plugin.DeviceInfo) plugin.DeviceInfo
}

func (p PluginExtractor) Run(ctx context.Context, req plugin.Request) (plugin.DeviceInfo, error) {
	var stages []Stage[plugin.Request, plugin.DeviceInfo]
	for _, loaded := range p.Manager.Loaded() {
		extractor := extractorFor(loaded, req.Protocol)
		if extractor == nil {
			continue
		}
		stages = append(stages, pluginExtractorStage{extractor})
	}
	merge := p.Merge
	if merge == nil {
		merge = LastSeenMerge
	}
	return MergeAll[plugin.Request, plugin.DeviceInfo]{Stages: stages, Merge: merge}.Run(ctx, req)
}

func extractorFor(p plugin.Plugin, proto plugin.RequestProtocol) plugin.DevInfoExtractor {
	switch proto {
	case plugin.ProtocolHTTP:
		return p.HTTPDevInfoExtractor()
	case plugin.ProtocolTFTP:
		return p.TFTPDevInfoExtractor()
	case plugin.ProtocolDHCP:
		return p.DHCPDevInfoExtractor()
	default:
		return nil
	}
}

type pluginExtractorStage struct {
	extractor plugin.DevInfoExtractor
}

func (s pluginExtractorStage) Run(ctx context.Context, req plugin.Request) (plugin.DeviceInfo, error) {
	return s.extractor.Extract(ctx, req)
}

// LastSeenMerge folds extractor outputs key by key, later entries
// overwriting earlier ones (spec §4.6: "a later-seen updater").
func LastSeenMerge(outs []plugin.DeviceInfo) plugin.DeviceInfo {
	merged := plugin.DeviceInfo{}
	for _, out := range outs {
		for k, v := range out {
			merged[k] = v
		}
	}
	return merged
}

// VotingMerge picks, per key, the most frequently seen value across
// outs, breaking ties deterministically by the order outs were supplied
// in (spec §4.6: "per key, pick the most frequent value; ties broken
// arbitrarily but deterministically within one call").
func VotingMerge(outs []plugin.DeviceInfo) plugin.DeviceInfo {
	type tally struct {
		value any
		count int
		first int
	}
	votes := map[string]map[any]*tally{}
	var keyOrder []string
	seen := map[string]bool{}

	for i, out := range outs {
		for k, v := range out {
			if !seen[k] {
				seen[k] = true
				keyOrder = append(keyOrder, k)
			}
			if votes[k] == nil {
				votes[k] = map[any]*tally{}
			}
			t, ok := votes[k][v]
			if !ok {
				t = &tally{value: v, first: i}
				votes[k][v] = t
			}
			t.count++
		}
	}

	merged := plugin.DeviceInfo{}
	for _, k := range keyOrder {
		candidates := make([]*tally, 0, len(votes[k]))
		for _, t := range votes[k] {
			candidates = append(candidates, t)
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].count != candidates[j].count {
				return candidates[i].count > candidates[j].count
			}
			return candidates[i].first < candidates[j].first
		})
		merged[k] = candidates[0].value
	}
	return merged
}
