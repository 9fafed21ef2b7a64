package configengine

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/wazo-provd/provd/internal/core"
	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/storage"
)

// Autocreate locates the sole config with role=autocreate and spawns a
// fresh transient per-device config from it (spec §4.2): drop the
// autocreate role from a deep copy; if the template's
// raw_config.sip_lines["1"].username is set, the new config's id is the
// template id concatenated with a fresh uuid hex, its parent_ids is
// [template_id], its raw_config holds only that one SIP line's username,
// and it is transient. Otherwise it returns core.ErrEntryNotFound,
// mirroring the spec's "none" sentinel.
func (e *Engine) Autocreate(ctx context.Context) (*domain.Config, error) {
	template, err := e.findAutocreateTemplate(ctx)
	if err != nil {
		return nil, err
	}

	line, ok := template.RawConfig.SIPLines["1"]
	if !ok || line == nil || line.Username == nil {
		return nil, core.ErrEntryNotFound
	}

	suffix, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("configengine: autocreate: generate suffix: %w", err)
	}

	spawned := &domain.Config{
		ID:        template.ID + hex.EncodeToString(suffix[:]),
		ParentIDs: []string{template.ID},
		Transient: true,
		Deletable: true,
		RawConfig: domain.RawConfig{
			SIPLines: map[string]*domain.SIPLine{
				"1": {Username: domain.Str(*line.Username)},
			},
		},
	}

	if _, err := e.Insert(ctx, spawned); err != nil {
		return nil, fmt.Errorf("configengine: autocreate: insert spawned config: %w", err)
	}
	return spawned, nil
}

func (e *Engine) findAutocreateTemplate(ctx context.Context) (*domain.Config, error) {
	docs, err := e.store.Find(ctx, collection, storage.Selector{"role": string(domain.RoleAutocreate)}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, core.ErrEntryNotFound
	}
	var cfg domain.Config
	if err := domain.FromDocument(docs[0], &cfg); err != nil {
		return nil, fmt.Errorf("configengine: decode autocreate template: %w", err)
	}
	return &cfg, nil
}
