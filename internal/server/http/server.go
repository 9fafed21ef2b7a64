// Package http implements the device-file-serving HTTP surface (spec §6):
// a proxied listener that runs every GET through the provisioning
// pipeline, then resolves the file via the matched device's plugin. It
// does not implement the REST CRUD boundary, and no Go interface for that
// boundary is defined in this module.
package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/wazo-provd/provd/internal/pipeline"
	"github.com/wazo-provd/provd/internal/plugin"
)

// TenantResolver maps a provisioning key back to its tenant, the reverse
// of device.TenantLookup, needed when url-key auth is enabled: the first
// path segment of every request is the tenant's key, not the tenant id
// (spec §6: "url-key auth mode interprets the first path segment as the
// tenant's provisioning key").
type TenantResolver interface {
	TenantByKey(ctx context.Context, key string) (tenantUUID string, ok bool, err error)
}

// PluginResolver is the narrow plugin-manager slice the file-serving
// handler needs.
type PluginResolver interface {
	Get(id string) (plugin.Plugin, error)
}

// Config configures a Server.
type Config struct {
	Addr             string
	Pipeline         *pipeline.Pipeline
	Plugins          PluginResolver
	Logger           *slog.Logger
	URLKeyAuth       bool
	Tenants          TenantResolver
	DefaultTenant    string
	TrustedProxies   int // forwarded-for chain walk depth (spec §6)
	ReadHeaderTimeout time.Duration
}

// Server is the device-file-serving HTTP adapter.
type Server struct {
	cfg    Config
	http   *http.Server
	logger *slog.Logger
}

// New builds a Server; it does not start listening until Run is called.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	s := &Server{cfg: cfg, logger: cfg.Logger}

	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(s.handleFile)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the underlying http.Handler, exposed for tests that want
// to drive requests directly through httptest without binding a port.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := r.URL.Path
	tenant := s.cfg.DefaultTenant

	if s.cfg.URLKeyAuth {
		key, rest, ok := splitFirstSegment(path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		resolved, found, err := s.cfg.Tenants.TenantByKey(ctx, key)
		if err != nil || !found {
			http.NotFound(w, r)
			return
		}
		tenant = resolved
		path = rest
	}

	dev, err := s.cfg.Pipeline.Process(ctx, plugin.Request{
		Protocol: plugin.ProtocolHTTP,
		RemoteIP: remoteIP(r, s.cfg.TrustedProxies),
		Path:     path,
		Headers:  flattenHeaders(r.Header),
	}, tenant)
	if err != nil {
		s.logger.Error("pipeline processing failed", "error", err, "path", path)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dev == nil || dev.Plugin == "" {
		http.NotFound(w, r)
		return
	}

	p, err := s.cfg.Plugins.Get(dev.Plugin)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	svc := p.HTTPService()
	if svc == nil {
		http.NotFound(w, r)
		return
	}

	if p.IsSensitiveFilename(path) {
		s.logger.Warn("security event: sensitive file requested", "device", dev.ID, "path", path)
	}

	resolvedPath := svc.PathPreprocess(path)
	file, err := svc.Resolve(ctx, dev, resolvedPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", file.ContentType())
	if _, err := io.Copy(w, file); err != nil {
		s.logger.Warn("failed to stream file", "error", err, "device", dev.ID, "path", path)
	}
}

func splitFirstSegment(path string) (segment, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		if trimmed == "" {
			return "", "", false
		}
		return trimmed, "/", true
	}
	return trimmed[:idx], trimmed[idx:], true
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// remoteIP walks the X-Forwarded-For chain up to depth entries deep,
// returning the first address trusted proxies have not overwritten (spec
// §6: "trusted-proxies-bounded X-Forwarded-For chain walk").
func remoteIP(r *http.Request, depth int) string {
	if depth > 0 {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			idx := len(parts) - depth
			if idx < 0 {
				idx = 0
			}
			return strings.TrimSpace(parts[idx])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
