package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/wazo-provd/provd/internal/core"
)

// Manager owns the plugins directory, the installable-index view, the
// set of currently-loaded plugin instances, and the per-id install
// serialization (spec §4.3). It holds no reference to the process-wide
// write lock (§5) — callers (internal/device, the HTTP configure/install
// services) are responsible for acquiring it around the install/upgrade/
// uninstall/load transitions, per the spec's "all transitions except
// in-use serialized under the global write lock".
type Manager struct {
	pluginsDir string
	cacheDir   string
	server     string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	loaded      map[string]Plugin
	installing  map[string]struct{}
	installable map[string]InstallableEntry
	oips        map[string]*OIP

	events chan LifecycleEvent
	oipCh  chan OIPUpdate

	watcher    *dirWatcher
	watcherCtx context.CancelFunc
}

// Config parameterizes a Manager.
type Config struct {
	PluginsDir string
	CacheDir   string
	// Server is the base URL the installable index and package tarballs
	// are fetched from (e.g. "https://provd.example.org/plugins").
	Server string
	// WatchDir enables the fsnotify-driven reload trigger.
	WatchDir bool
}

// NewManager returns a Manager with an empty loaded set; call
// RefreshInstallable to populate the installable view and ListInstalled
// to discover what is already on disk.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		return nil, fmt.Errorf("plugin: create plugins dir: %w", err)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("plugin: create cache dir: %w", err)
	}

	m := &Manager{
		pluginsDir:  cfg.PluginsDir,
		cacheDir:    cfg.CacheDir,
		server:      cfg.Server,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		loaded:      make(map[string]Plugin),
		installing:  make(map[string]struct{}),
		installable: make(map[string]InstallableEntry),
		oips:        make(map[string]*OIP),
		events:      make(chan LifecycleEvent, 16),
		oipCh:       make(chan OIPUpdate, 64),
	}

	if cfg.WatchDir {
		dw, err := newDirWatcher(cfg.PluginsDir, m.reloadTrigger, logger)
		if err != nil {
			return nil, fmt.Errorf("plugin: watch plugins dir: %w", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		m.watcher = dw
		m.watcherCtx = cancel
		go dw.Run(ctx)
	}

	return m, nil
}

// Events returns the channel lifecycle load/unload notifications are
// published on (spec §4.3's "notify observers").
func (m *Manager) Events() <-chan LifecycleEvent { return m.events }

// OIPUpdates returns the channel operation-in-progress updates are
// published on, consumed by internal/status.
func (m *Manager) OIPUpdates() <-chan OIPUpdate { return m.oipCh }

// Close stops the directory watcher, if any.
func (m *Manager) Close() {
	if m.watcherCtx != nil {
		m.watcherCtx()
	}
}

func (m *Manager) reloadTrigger() {
	select {
	case m.events <- LifecycleEvent{Kind: "reload"}:
	default:
		m.logger.Warn("plugin event channel full, dropping reload trigger")
	}
}

func (m *Manager) publishOIP(id string, oip *OIP) {
	select {
	case m.oipCh <- OIPUpdate{PluginID: id, Snapshot: oip.Snapshot()}:
	default:
	}
}

// ListInstalled enumerates plugin directories carrying a plugin-info file.
func (m *Manager) ListInstalled() ([]string, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("plugin: list installed: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.pluginsDir, e.Name(), InfoFilename)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// IsLoaded reports whether id currently has a live instance.
func (m *Manager) IsLoaded(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loaded[id]
	return ok
}

// Get returns the loaded plugin instance for id.
func (m *Manager) Get(id string) (Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.loaded[id]
	if !ok {
		return nil, fmt.Errorf("plugin: %s: %w", id, core.ErrPluginNotLoaded)
	}
	return p, nil
}

// Loaded returns a snapshot of every currently loaded plugin.
func (m *Manager) Loaded() map[string]Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Plugin, len(m.loaded))
	for k, v := range m.loaded {
		out[k] = v
	}
	return out
}

func (m *Manager) acquireInstalling(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.installing[id]; ok {
		return false
	}
	m.installing[id] = struct{}{}
	return true
}

func (m *Manager) releaseInstalling(id string) {
	m.mu.Lock()
	delete(m.installing, id)
	m.mu.Unlock()
}

// Install downloads-or-extracts-from-cache and unpacks plugin id,
// returning an OIP the caller can poll/stream while the work runs in the
// background (spec §4.3: "Returns a deferred and an OperationInProgress").
func (m *Manager) Install(ctx context.Context, id string) (*OIP, error) {
	return m.installOrUpgrade(ctx, id)
}

// Upgrade has the identical contract to Install (spec §4.3: "acceptable
// to implement as install-over").
func (m *Manager) Upgrade(ctx context.Context, id string) (*OIP, error) {
	return m.installOrUpgrade(ctx, id)
}

func (m *Manager) installOrUpgrade(ctx context.Context, id string) (*OIP, error) {
	m.mu.Lock()
	entry, ok := m.installable[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("plugin: %s: %w", id, ErrNotInstallable)
	}

	if !m.acquireInstalling(id) {
		return nil, fmt.Errorf("plugin: %s: %w", id, ErrAlreadyInstalling)
	}

	oip := newOIP("install " + id)
	m.mu.Lock()
	m.oips[id] = oip
	m.mu.Unlock()

	go m.runInstall(ctx, id, entry, oip)
	return oip, nil
}

func (m *Manager) runInstall(ctx context.Context, id string, entry InstallableEntry, oip *OIP) {
	defer m.releaseInstalling(id)
	m.publishOIP(id, oip)

	fileLock := flock.New(filepath.Join(m.pluginsDir, "."+id+".lock"))
	locked, err := fileLock.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil || !locked {
		m.logger.Error("plugin install: could not acquire cross-process lock", "plugin", id, "error", err)
		oip.setState(OIPFail)
		m.publishOIP(id, oip)
		return
	}
	defer fileLock.Unlock()

	archivePath, err := m.fetchOrDownload(ctx, entry, oip)
	if err != nil {
		m.logger.Error("plugin install: fetch failed", "plugin", id, "error", err)
		oip.setState(OIPFail)
		m.publishOIP(id, oip)
		return
	}
	m.publishOIP(id, oip)

	destDir := filepath.Join(m.pluginsDir, id)
	if err := extractTarGz(archivePath, destDir, oip); err != nil {
		m.logger.Error("plugin install: extract failed", "plugin", id, "error", err)
		oip.setState(OIPFail)
		m.publishOIP(id, oip)
		return
	}

	oip.setState(OIPSuccess)
	m.publishOIP(id, oip)
}

// Uninstall removes a plugin's directory tree; it must not be called
// while the plugin is loaded (spec §4.3).
func (m *Manager) Uninstall(id string) error {
	if m.IsLoaded(id) {
		return fmt.Errorf("plugin: %s: %w", id, ErrPluginLoaded)
	}
	if err := os.RemoveAll(filepath.Join(m.pluginsDir, id)); err != nil {
		return fmt.Errorf("plugin: uninstall %s: %w", id, err)
	}
	return nil
}

// Load reads plugin-info, checks interface-version compatibility,
// evaluates the entry point, and instantiates it (spec §4.3: "one plugin
// id at a time").
func (m *Manager) Load(app App, id string, generalCfg, specificCfg map[string]any) error {
	m.mu.Lock()
	if _, ok := m.loaded[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin: %s: %w", id, ErrAlreadyLoaded)
	}
	if _, ok := m.installing[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin: %s: %w", id, ErrAlreadyInstalling)
	}
	m.mu.Unlock()

	dir := filepath.Join(m.pluginsDir, id)
	info, err := readInstalledInfo(dir)
	if err != nil {
		return fmt.Errorf("plugin: load %s: %w", id, err)
	}
	if !compatibleIfaceVersion(info.IfaceVersionMin, info.IfaceVersionMax, RuntimeIfaceVersion) {
		return fmt.Errorf("plugin: load %s: %w", id, ErrIncompatibleIfaceVersion)
	}

	factory, err := loadFactory(filepath.Join(dir, EntryFilename))
	if err != nil {
		return fmt.Errorf("plugin: load %s: %w", id, err)
	}
	inst, err := factory(app, dir, generalCfg, specificCfg)
	if err != nil {
		return fmt.Errorf("plugin: load %s: construct: %w", id, err)
	}
	inst.SetID(id)

	m.mu.Lock()
	m.loaded[id] = inst
	m.mu.Unlock()

	m.publishLifecycle(LifecycleEvent{Kind: LifecycleLoaded, ID: id})
	return nil
}

// Unload invokes the plugin's Close hook, tolerating a panic, removes it
// from the loaded map, and notifies observers (spec §4.3).
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	inst, ok := m.loaded[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin: %s: %w", id, core.ErrPluginNotLoaded)
	}
	delete(m.loaded, id)
	m.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("plugin close panicked", "plugin", id, "panic", r)
			}
		}()
		inst.Close()
	}()

	m.publishLifecycle(LifecycleEvent{Kind: LifecycleUnloaded, ID: id})
	return nil
}

func (m *Manager) publishLifecycle(ev LifecycleEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("plugin event channel full, dropping lifecycle event", "kind", ev.Kind, "plugin", ev.ID)
	}
}
