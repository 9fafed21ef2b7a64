package configengine

import (
	"context"
	"fmt"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/core/domain"
)

// Materialize computes the flattened raw config for id (spec §4.2):
// starting from the base raw config, walk the ancestor chain furthest to
// nearest, deep-merging each node's raw_config leaf into the
// accumulator, and finally merge id's own leaf. Returns
// core.ErrEntryNotFound if id is unknown.
func (e *Engine) Materialize(ctx context.Context, id string) (map[string]any, error) {
	e.mu.Lock()
	if cached, ok := e.cache[id]; ok {
		e.mu.Unlock()
		return cloneMap(cached), nil
	}
	e.mu.Unlock()

	chain, err := e.mergeChain(ctx, id)
	if err != nil {
		return nil, err
	}

	acc := cloneMap(e.baseCfg())
	for _, nodeID := range chain {
		cfg, err := e.Retrieve(ctx, nodeID)
		if err != nil {
			return nil, fmt.Errorf("configengine: materialize %s: %w", id, err)
		}
		leaf, err := domain.ToDocument(cfg.RawConfig)
		if err != nil {
			return nil, fmt.Errorf("configengine: materialize %s: encode leaf %s: %w", id, nodeID, err)
		}
		acc = deepMerge(acc, leaf)
	}

	e.mu.Lock()
	e.cache[id] = cloneMap(acc)
	e.mu.Unlock()

	return acc, nil
}

// mergeChain returns the ordered sequence of config ids to merge,
// furthest ancestor first and id itself last. Ancestor order at each
// level follows parent_ids as listed, so that the last entry in
// parent_ids is recursed/appended last and therefore wins ties at that
// level (spec §9: "mirror exactly" — the last-listed parent wins).
func (e *Engine) mergeChain(ctx context.Context, id string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureIndexLocked(ctx); err != nil {
		return nil, err
	}
	if _, exists := e.idx.parents[id]; !exists {
		ok, err := e.store.Exists(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, core.ErrEntryNotFound
		}
	}

	var order []string
	visited := make(map[string]bool)

	var walk func(string)
	walk = func(cur string) {
		for _, p := range e.idx.parents[cur] {
			if visited[p] {
				continue
			}
			visited[p] = true
			walk(p)
			order = append(order, p)
		}
	}
	walk(id)
	order = append(order, id)
	return order, nil
}

// deepMerge merges src into dst key-wise for mappings; non-mapping
// values (including lists) overwrite (spec §4.2). dst is mutated and
// returned.
func deepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if srcMap, ok := asMap(v); ok {
			if dstMap, ok := asMap(dst[k]); ok {
				dst[k] = deepMerge(dstMap, srcMap)
				continue
			}
			dst[k] = deepMerge(map[string]any{}, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := asMap(v); ok {
			out[k] = cloneMap(sub)
			continue
		}
		out[k] = v
	}
	return out
}
