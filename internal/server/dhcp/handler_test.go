package dhcp_test

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
	"github.com/wazo-provd/provd/internal/device"
	"github.com/wazo-provd/provd/internal/pipeline"
	"github.com/wazo-provd/provd/internal/plugin"
	"github.com/wazo-provd/provd/internal/server/dhcp"
	"github.com/wazo-provd/provd/internal/storage"
	"github.com/wazo-provd/provd/internal/storage/memory"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type emptyPluginSource struct{}

func (emptyPluginSource) Loaded() map[string]plugin.Plugin { return nil }
func (emptyPluginSource) Get(id string) (plugin.Plugin, error) {
	return nil, assert.AnError
}

func newPipeline(t *testing.T) (*pipeline.Pipeline, *device.Store) {
	t.Helper()
	st := memory.New(discardLogger())
	engine := configengine.New(st, nil)
	lock := concurrency.New()
	store := device.New(st, engine, emptyPluginSource{}, lock, discardLogger(), device.Options{})
	engine.SetNotifier(store)
	return pipeline.New(engine, store, emptyPluginSource{}, discardLogger(), false, nil), store
}

func TestServeHTTPIgnoresNonCommitOp(t *testing.T) {
	p, _ := newPipeline(t)
	h := dhcp.NewHandler(dhcp.Config{Pipeline: p, DefaultTenant: "tenant1"})

	req := httptest.NewRequest("POST", "/dhcpinfo", bytes.NewBufferString(`{"ip":"10.0.0.1","mac":"aa:bb","op":"release"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 204, rec.Code)
}

func TestServeHTTPCommitCreatesDevice(t *testing.T) {
	p, store := newPipeline(t)
	h := dhcp.NewHandler(dhcp.Config{Pipeline: p, DefaultTenant: "tenant1"})

	req := httptest.NewRequest("POST", "/dhcpinfo", bytes.NewBufferString(`{"ip":"10.0.0.9","mac":"00:11:22:33:44:55","op":"commit"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 204, rec.Code)

	devs, err := store.Find(context.Background(), storage.Selector{"mac": "00:11:22:33:44:55"}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "10.0.0.9", devs[0].IP)
}
