package status

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a *websocket.Conn to Subscriber, the same role the
// teacher's cmd/server/handlers/silence_ws.go's per-client goroutines play
// around a raw *websocket.Conn, generalized into a reusable type this
// package's Bus can fan out to independent of the transport.
type wsSubscriber struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func newWSSubscriber(id string, conn *websocket.Conn) *wsSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSubscriber{id: id, conn: conn, ctx: ctx, cancel: cancel}
}

func (s *wsSubscriber) ID() string                { return s.id }
func (s *wsSubscriber) Context() context.Context  { return s.ctx }

func (s *wsSubscriber) Send(ev Event) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(ev)
}

func (s *wsSubscriber) Close() error {
	s.cancel()
	return s.conn.Close()
}

// Handler serves the status websocket endpoint.
type Handler struct {
	bus    *Bus
	logger *slog.Logger
	nextID func() string
}

// NewHandler builds a Handler. Subscriber ids come from a per-handler
// counter.
func NewHandler(bus *Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	var n int64
	return &Handler{
		bus:    bus,
		logger: logger,
		nextID: func() string {
			n++
			return "ws-" + time.Now().Format("150405") + "-" + itoa(n)
		},
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ServeHTTP upgrades the connection and registers it with the Bus until
// the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("status: websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	sub := newWSSubscriber(h.nextID(), conn)
	h.bus.Subscribe(sub)
	go h.readPump(sub)
}

// readPump keeps the connection alive (ping/pong) and detects client
// disconnects, mirroring silence_ws.go's readPump.
func (h *Handler) readPump(sub *wsSubscriber) {
	defer h.bus.Unsubscribe(sub)

	sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := sub.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
