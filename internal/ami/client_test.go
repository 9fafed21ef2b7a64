package ami_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/ami"
	"github.com/wazo-provd/provd/internal/core/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type capturedAction struct {
	path string
	body map[string]any
}

func newFakeAmid(t *testing.T, capture *[]capturedAction) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		*capture = append(*capture, capturedAction{path: r.URL.Path, body: body})
		w.WriteHeader(http.StatusOK)
	}))
}

func TestNotifySynchronizePrefersPeerOverIP(t *testing.T) {
	var captured []capturedAction
	srv := newFakeAmid(t, &captured)
	defer srv.Close()

	c := ami.New(ami.Config{BaseURL: srv.URL}, discardLogger())
	dev := &domain.Device{ID: "d1", IP: "10.0.0.5", RemoteStateSIPUsername: "abcdef01"}

	require.NoError(t, c.NotifySynchronize(t.Context(), dev))
	require.Len(t, captured, 1)
	assert.Equal(t, "/1.0/action/PJSIPNotify", captured[0].path)
	assert.Equal(t, "abcdef01", captured[0].body["Endpoint"])
	assert.Nil(t, captured[0].body["URI"])
}

func TestNotifySynchronizeGuardsAutoprovPlaceholder(t *testing.T) {
	var captured []capturedAction
	srv := newFakeAmid(t, &captured)
	defer srv.Close()

	c := ami.New(ami.Config{BaseURL: srv.URL}, discardLogger())
	dev := &domain.Device{ID: "d1", IP: "10.0.0.5", RemoteStateSIPUsername: "ap12345678"}

	require.NoError(t, c.NotifySynchronize(t.Context(), dev))
	require.Len(t, captured, 1)
	assert.Equal(t, "10.0.0.5", extractURIHost(t, captured[0].body["URI"].(string)))
	assert.Nil(t, captured[0].body["Endpoint"])
}

func TestNotifySynchronizeFallsBackToIPWithoutPeer(t *testing.T) {
	var captured []capturedAction
	srv := newFakeAmid(t, &captured)
	defer srv.Close()

	c := ami.New(ami.Config{BaseURL: srv.URL}, discardLogger())
	dev := &domain.Device{ID: "d1", IP: "10.0.0.5"}

	require.NoError(t, c.NotifySynchronize(t.Context(), dev))
	require.Len(t, captured, 1)
	assert.Equal(t, "sip:anonymous@10.0.0.5", captured[0].body["URI"])
}

func TestNotifySynchronizeErrorsWithoutPeerOrIP(t *testing.T) {
	var captured []capturedAction
	srv := newFakeAmid(t, &captured)
	defer srv.Close()

	c := ami.New(ami.Config{BaseURL: srv.URL}, discardLogger())
	dev := &domain.Device{ID: "d1"}

	assert.Error(t, c.NotifySynchronize(t.Context(), dev))
	assert.Empty(t, captured)
}

func extractURIHost(t *testing.T, uri string) string {
	t.Helper()
	const prefix = "sip:anonymous@"
	require.True(t, len(uri) > len(prefix) && uri[:len(prefix)] == prefix)
	return uri[len(prefix):]
}
