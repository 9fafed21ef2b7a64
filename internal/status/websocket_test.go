package status_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/status"
)

func TestHandlerStreamsBusEventsToClient(t *testing.T) {
	bus := status.NewBus(status.NewMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	defer func() {
		cancel()
		bus.Stop()
	}()

	handler := status.NewHandler(bus, nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The client's Dial can return slightly before the server side has
	// finished registering the subscriber, so publish on a short retry
	// loop until the client actually observes the event.
	deadline := time.Now().Add(2 * time.Second)
	var ev status.Event
	var readErr error
	for time.Now().Before(deadline) {
		bus.Publish(status.NewEvent(status.EventPluginLoaded, map[string]any{"plugin_id": "p1"}))
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		readErr = conn.ReadJSON(&ev)
		if readErr == nil {
			break
		}
	}
	require.NoError(t, readErr)
	require.Equal(t, status.EventPluginLoaded, ev.Type)
	require.Equal(t, "p1", ev.Data["plugin_id"])
}
