package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wazo-provd/provd/internal/ami"
	"github.com/wazo-provd/provd/internal/bus"
	"github.com/wazo-provd/provd/internal/concurrency"
	"github.com/wazo-provd/provd/internal/config"
	"github.com/wazo-provd/provd/internal/configengine"
	"github.com/wazo-provd/provd/internal/device"
	"github.com/wazo-provd/provd/internal/infrastructure/migrations"
	"github.com/wazo-provd/provd/internal/pipeline"
	"github.com/wazo-provd/provd/internal/plugin"
	provdhcp "github.com/wazo-provd/provd/internal/server/dhcp"
	provhttp "github.com/wazo-provd/provd/internal/server/http"
	provtftp "github.com/wazo-provd/provd/internal/server/tftp"
	"github.com/wazo-provd/provd/internal/status"
	"github.com/wazo-provd/provd/internal/storage"
	"github.com/wazo-provd/provd/internal/storage/bolt"
	"github.com/wazo-provd/provd/internal/storage/memory"
)

// boltIndexed declares the secondary indexes the production storage
// backend builds; configs gets none because internal/configengine keeps
// its own in-memory parent/child index and fetches the full collection to
// build it.
var boltIndexed = bolt.Indexed{
	"devices": {"mac", "ip", "uuid", "sn"},
	"tenants": {"provisioning_key"},
}

// App owns every long-lived subsystem the server runs, wired once at
// startup and torn down in Close.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    storage.Store
	keyIndex *bolt.ProvisioningKeyIndex // nil under the memory backend
	migrator *migrations.Manager        // nil under the memory backend

	tenants *config.TenantStore
	engine  *configengine.Engine
	lock    *concurrency.RWLock
	plugins *plugin.Manager
	devices *device.Store
	pipe    *pipeline.Pipeline
	amiCli  *ami.Client

	statusMetrics *status.Metrics
	statusBus     *status.Bus
	statusAgg     *status.Aggregator
	statusHandler *status.Handler

	fileServer *provhttp.Server
	tftpServer *provtftp.Server
	ctlServer  *http.Server // dhcpinfo push + status websocket + /metrics

	busConsumer *bus.AMQPConsumer
	busSub      *bus.Subscription
}

// newApp builds every subsystem but starts nothing; call Run to serve.
func newApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if err := a.buildStorage(); err != nil {
		return nil, err
	}

	if a.keyIndex != nil {
		// a.keyIndex is a *bolt.ProvisioningKeyIndex; passed as a nil
		// interface value (the memory-backend path) it would wrap a nil
		// pointer behind a non-nil KeyUniquenessIndex, so the two
		// constructors are kept distinct rather than always calling
		// NewTenantStoreWithKeyIndex.
		a.tenants = config.NewTenantStoreWithKeyIndex(a.store, a.keyIndex, logger)
	} else {
		a.tenants = config.NewTenantStore(a.store, logger)
	}
	a.engine = configengine.New(a.store, a.baseRawConfig)
	a.lock = concurrency.New()

	plugins, err := plugin.NewManager(plugin.Config{
		PluginsDir: cfg.Plugin.PluginsDir,
		CacheDir:   cfg.Plugin.CacheDir,
		Server:     cfg.Plugin.Server,
		WatchDir:   cfg.Plugin.WatchDir,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("provd: build plugin manager: %w", err)
	}
	a.plugins = plugins

	a.amiCli = ami.New(cfg.AMI.ToAMIConfig(), logger)

	a.devices = device.New(a.store, a.engine, a.plugins, a.lock, logger, device.Options{
		Tenants:      a.tenants,
		SyncNotifier: a.amiCli,
		URLKeyAuth:   cfg.Server.URLKeyAuth,
	})
	a.engine.SetNotifier(a.devices)

	a.pipe = pipeline.New(a.engine, a.devices, a.plugins, logger, false, firstPluginWins)

	a.statusMetrics = status.NewMetrics()
	a.statusBus = status.NewBus(a.statusMetrics)
	a.statusAgg = status.NewAggregator(a.plugins, a.devices, a.statusBus)
	a.statusHandler = status.NewHandler(a.statusBus, logger)

	a.fileServer = provhttp.New(provhttp.Config{
		Addr:              cfg.Server.RESTAddr,
		Pipeline:          a.pipe,
		Plugins:           a.plugins,
		Logger:            logger,
		URLKeyAuth:        cfg.Server.URLKeyAuth,
		Tenants:           a.tenants,
		DefaultTenant:     cfg.Server.DefaultTenant,
		TrustedProxies:    cfg.Server.TrustedProxies,
		ReadHeaderTimeout: 10 * time.Second,
	})

	a.tftpServer = provtftp.New(provtftp.Config{
		Addr:          cfg.Server.TFTPAddr,
		Pipeline:      a.pipe,
		Plugins:       a.plugins,
		Logger:        logger,
		DefaultTenant: cfg.Server.DefaultTenant,
	})

	dhcpHandler := provdhcp.NewHandler(provdhcp.Config{
		Pipeline:      a.pipe,
		Logger:        logger,
		DefaultTenant: cfg.Server.DefaultTenant,
	})
	a.ctlServer = a.buildControlServer(dhcpHandler)

	a.busConsumer = bus.NewAMQPConsumer(cfg.Bus.ToAMQPConfig())
	tenantDeletedHandler := bus.NewTenantDeletedHandler(a.devices, a.tenants, logger)
	a.busSub = bus.NewSubscription(a.busConsumer, tenantDeletedHandler, logger)

	return a, nil
}

// firstPluginWins is the plugin-association tie-break conflict resolver
// (spec §4.6's "default reverse-alphabetic on plugin id"): candidates
// arrive already sorted reverse-alphabetically by the updater, so the
// first entry is the winner.
func firstPluginWins(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}

// baseRawConfig seeds every config materialization with the runtime-
// derived ports and base URL the Python original folds into every raw
// config (spec §4.2).
func (a *App) baseRawConfig() map[string]any {
	port := func(addr string) any {
		_, p, err := net.SplitHostPort(addr)
		if err != nil {
			return addr
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return addr
		}
		return n
	}
	return map[string]any{
		"http_port":     port(a.cfg.Server.RESTAddr),
		"tftp_port":     port(a.cfg.Server.TFTPAddr),
		"http_base_url": "http://provisioning" + a.cfg.Server.RESTAddr,
	}
}

func (a *App) buildStorage() error {
	if a.cfg.UsesMemoryStorage() {
		a.store = memory.New(a.logger)
		return nil
	}

	m, err := migrations.New(migrations.Config{DSN: a.cfg.Storage.BoltPath + ".keys", Dir: a.cfg.Storage.MigrationsDir}, a.logger)
	if err != nil {
		return fmt.Errorf("provd: build migration manager: %w", err)
	}
	if _, err := m.Up(); err != nil {
		m.Close()
		return fmt.Errorf("provd: apply provisioning-key migrations: %w", err)
	}
	a.migrator = m

	keyIndex, err := bolt.OpenProvisioningKeyIndex(a.cfg.Storage.BoltPath + ".keys")
	if err != nil {
		return fmt.Errorf("provd: open provisioning key index: %w", err)
	}
	a.keyIndex = keyIndex

	st, err := bolt.Open(a.cfg.Storage.BoltPath, boltIndexed, a.logger)
	if err != nil {
		return fmt.Errorf("provd: open document store: %w", err)
	}
	a.store = st
	return nil
}

// buildControlServer mounts the dhcpinfo push endpoint, the status
// websocket, and the Prometheus /metrics endpoint on one small listener,
// separate from the device-file-serving surface (spec §6's dhcpinfo push
// is part of the REST boundary in the original, but out-of-process DHCP
// servers only ever need this one endpoint, so it gets its own address
// rather than standing up the whole out-of-scope REST router for it).
func (a *App) buildControlServer(dhcpHandler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/dhcpinfo", dhcpHandler)
	mux.Handle("/status/ws", a.statusHandler)
	mux.Handle("/metrics", status.MetricsHandler(a.statusMetrics))

	return &http.Server{
		Addr:              a.cfg.Server.DHCPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run starts every listener and background worker, blocking until ctx is
// cancelled, then shuts every one of them down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.fileServer.Run(gctx) })
	g.Go(func() error { return a.tftpServer.Run(gctx) })

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- a.ctlServer.ListenAndServe() }()
		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.ctlServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})

	g.Go(func() error {
		a.statusBus.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.statusAgg.Run(gctx)
		return nil
	})
	g.Go(func() error { return a.busSub.Run(gctx) })

	return g.Wait()
}

// Reload refreshes the plugin manager's installable index, the action
// SIGHUP drives (see signal.go): it is the one piece of running state
// that genuinely needs to be re-fetched rather than restarted.
func (a *App) Reload(ctx context.Context) error {
	return a.plugins.RefreshInstallable(ctx)
}

// Close releases every resource newApp opened that Run does not already
// own the lifecycle of.
func (a *App) Close() {
	a.plugins.Close()
	if a.keyIndex != nil {
		a.keyIndex.Close()
	}
	if a.migrator != nil {
		a.migrator.Close()
	}
	if closer, ok := a.store.(interface{ Close() error }); ok {
		closer.Close()
	}
}
