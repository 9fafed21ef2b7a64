package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// InstallableEntry is one record of the remote `<server>/plugins.db`
// index (spec §4.3).
type InstallableEntry struct {
	Filename            string
	Version             string
	Description         string
	DescriptionByLocale map[string]string
	Capabilities        map[string]map[string]any
	DSize               int64
	SHA1Sum             string
}

// unmarshalDescribable parses the fields common to both the remote
// installable index and a local plugin-info file: the fixed keys plus any
// number of locale-suffixed `description_xx` keys.
func unmarshalDescribable(raw map[string]json.RawMessage, version, description *string, byLocale *map[string]string, capabilities *map[string]map[string]any) error {
	for key, v := range raw {
		switch {
		case key == "version":
			if err := json.Unmarshal(v, version); err != nil {
				return err
			}
		case key == "description":
			if err := json.Unmarshal(v, description); err != nil {
				return err
			}
		case key == "capabilities":
			if err := json.Unmarshal(v, capabilities); err != nil {
				return err
			}
		case strings.HasPrefix(key, "description_"):
			locale := strings.TrimPrefix(key, "description_")
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if *byLocale == nil {
				*byLocale = make(map[string]string)
			}
			(*byLocale)[locale] = s
		}
	}
	return nil
}

// parseInstallableIndex decodes the plugins.db JSON body into id ->
// entry. A malformed document yields an error; the caller (Manager.
// RefreshInstallable) treats any error as "empty installable set" per
// spec §4.3 ("parse errors yield an empty installable set").
func parseInstallableIndex(body []byte) (map[string]InstallableEntry, error) {
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("plugin: parse installable index: %w", err)
	}

	out := make(map[string]InstallableEntry, len(raw))
	for id, fields := range raw {
		entry := InstallableEntry{}
		if v, ok := fields["filename"]; ok {
			if err := json.Unmarshal(v, &entry.Filename); err != nil {
				return nil, fmt.Errorf("plugin: %s: filename: %w", id, err)
			}
		}
		if v, ok := fields["dsize"]; ok {
			if err := json.Unmarshal(v, &entry.DSize); err != nil {
				return nil, fmt.Errorf("plugin: %s: dsize: %w", id, err)
			}
		}
		if v, ok := fields["sha1sum"]; ok {
			if err := json.Unmarshal(v, &entry.SHA1Sum); err != nil {
				return nil, fmt.Errorf("plugin: %s: sha1sum: %w", id, err)
			}
		}
		if err := unmarshalDescribable(fields, &entry.Version, &entry.Description, &entry.DescriptionByLocale, &entry.Capabilities); err != nil {
			return nil, fmt.Errorf("plugin: %s: %w", id, err)
		}
		out[id] = entry
	}
	return out, nil
}

// RefreshInstallable downloads and parses the remote installable index,
// replacing the manager's view. A parse failure clears the view to empty
// rather than surfacing an error to the caller, matching spec §4.3.
func (m *Manager) RefreshInstallable(ctx context.Context) error {
	url := m.server + "/plugins.db"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("plugin: refresh installable: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("plugin: refresh installable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plugin: refresh installable: server returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("plugin: refresh installable: read body: %w", err)
	}

	parsed, err := parseInstallableIndex(body)
	if err != nil {
		m.logger.Warn("installable index parse failed, clearing view", "error", err)
		parsed = map[string]InstallableEntry{}
	}

	m.mu.Lock()
	m.installable = parsed
	m.mu.Unlock()
	return nil
}

// Installable returns a snapshot of the last-fetched installable index.
func (m *Manager) Installable() map[string]InstallableEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]InstallableEntry, len(m.installable))
	for k, v := range m.installable {
		out[k] = v
	}
	return out
}
