package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reloader is the one action SIGHUP drives: refreshing the plugin
// manager's installable index from its upstream server, the same trigger
// internal/plugin's own fsnotify watcher fires on a manual tree change
// (provd/main.py's SIGHUP-triggered pg_reload).
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloadMetrics records reload outcomes. Implemented by
// prometheusReloadMetrics in production; tests substitute a fake.
type ReloadMetrics interface {
	RecordReloadAttempt(status string)
	RecordReloadDuration(seconds float64)
}

// reloadHandler listens for SIGHUP and debounces it into calls to
// Reloader.Reload, generalizing cmd/server/signal.go's SignalHandler
// (config hot-reload via ConfigUpdateService) from a versioned config
// update to a plugin-index refresh — there is no equivalent of that
// hot-reload-with-rollback machinery in this domain, so this is
// considerably smaller than its model.
type reloadHandler struct {
	reloader Reloader
	logger   *slog.Logger
	metrics  ReloadMetrics

	lastReload     atomic.Value // time.Time
	debounceWindow time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	sigChan    chan os.Signal
	reloadChan chan struct{}
}

// newReloadHandler builds a reloadHandler with the production Prometheus
// metrics.
func newReloadHandler(reloader Reloader, logger *slog.Logger) *reloadHandler {
	return newReloadHandlerWithMetrics(reloader, logger, newPrometheusReloadMetrics())
}

func newReloadHandlerWithMetrics(reloader Reloader, logger *slog.Logger, metrics ReloadMetrics) *reloadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &reloadHandler{
		reloader:       reloader,
		logger:         logger,
		metrics:        metrics,
		debounceWindow: time.Second,
		ctx:            ctx,
		cancel:         cancel,
		sigChan:        make(chan os.Signal, 1),
		reloadChan:     make(chan struct{}, 1),
	}
}

// Start registers the SIGHUP handler and launches the listener/worker
// goroutine pair.
func (h *reloadHandler) Start() error {
	signal.Notify(h.sigChan, syscall.SIGHUP)

	h.wg.Add(2)
	go h.listen()
	go h.worker()

	h.logger.Info("sighup reload handler started", "debounce_window", h.debounceWindow)
	return nil
}

// Stop unregisters the signal and waits for both goroutines to exit.
func (h *reloadHandler) Stop() {
	signal.Stop(h.sigChan)
	close(h.sigChan)
	h.cancel()
	h.wg.Wait()
}

func (h *reloadHandler) listen() {
	defer h.wg.Done()
	for {
		select {
		case sig, ok := <-h.sigChan:
			if !ok {
				return
			}
			h.logger.Info("received signal", "signal", sig.String())
			select {
			case h.reloadChan <- struct{}{}:
			default:
				h.logger.Warn("reload already queued, dropping signal")
			}
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *reloadHandler) worker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.reloadChan:
			if h.shouldDebounce() {
				h.logger.Debug("reload debounced")
				continue
			}
			h.lastReload.Store(time.Now())
			h.executeReload()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *reloadHandler) shouldDebounce() bool {
	v := h.lastReload.Load()
	if v == nil {
		return false
	}
	return time.Since(v.(time.Time)) < h.debounceWindow
}

func (h *reloadHandler) executeReload() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(h.ctx, 30*time.Second)
	defer cancel()

	err := h.reloader.Reload(ctx)
	duration := time.Since(start).Seconds()
	h.metrics.RecordReloadDuration(duration)

	if err != nil {
		h.metrics.RecordReloadAttempt("failure")
		h.logger.Error("sighup reload failed", "error", err, "duration_seconds", duration)
		return
	}
	h.metrics.RecordReloadAttempt("success")
	h.logger.Info("sighup reload completed", "duration_seconds", duration)
}

// prometheusReloadMetrics is the production ReloadMetrics.
type prometheusReloadMetrics struct {
	reloadTotal    *prometheus.CounterVec
	reloadDuration prometheus.Histogram
}

func newPrometheusReloadMetrics() *prometheusReloadMetrics {
	return &prometheusReloadMetrics{
		reloadTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provd",
			Subsystem: "reload",
			Name:      "total",
			Help:      "Total number of SIGHUP-triggered plugin index reloads, by outcome.",
		}, []string{"status"}),
		reloadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "provd",
			Subsystem: "reload",
			Name:      "duration_seconds",
			Help:      "Duration of a SIGHUP-triggered plugin index reload.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *prometheusReloadMetrics) RecordReloadAttempt(status string) {
	m.reloadTotal.WithLabelValues(status).Inc()
}

func (m *prometheusReloadMetrics) RecordReloadDuration(seconds float64) {
	m.reloadDuration.Observe(seconds)
}
