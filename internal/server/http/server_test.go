package http_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/concurrency"
	"github.com/wazo-provd/provd/internal/configengine"
	"github.com/wazo-provd/provd/internal/core/domain"
	"github.com/wazo-provd/provd/internal/device"
	"github.com/wazo-provd/provd/internal/pipeline"
	"github.com/wazo-provd/provd/internal/plugin"
	srvhttp "github.com/wazo-provd/provd/internal/server/http"
	"github.com/wazo-provd/provd/internal/storage/memory"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeFile struct {
	*bytes.Reader
	contentType string
}

func (f fakeFile) Close() error         { return nil }
func (f fakeFile) ContentType() string  { return f.contentType }

type fakeHTTPService struct {
	content string
}

func (s fakeHTTPService) PathPreprocess(path string) string { return path }
func (s fakeHTTPService) Resolve(_ context.Context, _ *domain.Device, _ string) (plugin.File, error) {
	return fakeFile{Reader: bytes.NewReader([]byte(s.content)), contentType: "text/plain"}, nil
}

type fakePlugin struct {
	id         string
	associator plugin.Associator
	httpSvc    plugin.HTTPService
}

func (p *fakePlugin) ID() string                                   { return p.id }
func (p *fakePlugin) SetID(id string)                              { p.id = id }
func (p *fakePlugin) Info() plugin.Info                            { return plugin.Info{} }
func (p *fakePlugin) Services() map[string]plugin.Service          { return nil }
func (p *fakePlugin) DHCPDevInfoExtractor() plugin.DevInfoExtractor { return nil }
func (p *fakePlugin) HTTPDevInfoExtractor() plugin.DevInfoExtractor { return nil }
func (p *fakePlugin) TFTPDevInfoExtractor() plugin.DevInfoExtractor { return nil }
func (p *fakePlugin) HTTPService() plugin.HTTPService               { return p.httpSvc }
func (p *fakePlugin) TFTPService() plugin.TFTPService               { return nil }
func (p *fakePlugin) PGAssociator() plugin.Associator                { return p.associator }
func (p *fakePlugin) ConfigureCommon(context.Context, map[string]any) error { return nil }
func (p *fakePlugin) Configure(context.Context, *domain.Device, map[string]any) error {
	return nil
}
func (p *fakePlugin) Deconfigure(context.Context, *domain.Device) error { return nil }
func (p *fakePlugin) Synchronize(context.Context, *domain.Device, map[string]any) <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	close(ch)
	return ch
}
func (p *fakePlugin) RemoteStateTriggerFilename(*domain.Device) (string, bool) { return "", false }
func (p *fakePlugin) IsSensitiveFilename(string) bool                         { return false }
func (p *fakePlugin) Close()                                                  {}

type fakePluginSource struct {
	plugins map[string]plugin.Plugin
}

func (f *fakePluginSource) Loaded() map[string]plugin.Plugin { return f.plugins }
func (f *fakePluginSource) Get(id string) (plugin.Plugin, error) {
	p, ok := f.plugins[id]
	if !ok {
		return nil, assert.AnError
	}
	return p, nil
}

func TestHandleFileServesResolvedContent(t *testing.T) {
	plugins := &fakePluginSource{plugins: map[string]plugin.Plugin{
		"demo": &fakePlugin{
			id:         "demo",
			associator: constAssociator{score: plugin.SupportExact},
			httpSvc:    fakeHTTPService{content: "hello"},
		},
	}}

	st := memory.New(discardLogger())
	engine := configengine.New(st, nil)
	lock := concurrency.New()
	store := device.New(st, engine, plugins, lock, discardLogger(), device.Options{})
	engine.SetNotifier(store)

	p := pipeline.New(engine, store, plugins, discardLogger(), false, nil)

	srv := srvhttp.New(srvhttp.Config{
		Pipeline:      p,
		Plugins:       plugins,
		Logger:        discardLogger(),
		DefaultTenant: "tenant1",
	})

	req := httptest.NewRequest("GET", "/configs/demo.cfg", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

type constAssociator struct {
	score plugin.DeviceSupport
}

func (c constAssociator) Associate(context.Context, plugin.DeviceInfo) plugin.DeviceSupport {
	return c.score
}
