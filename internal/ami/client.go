// Package ami implements device.SyncNotifier against wazo-amid, the REST
// front-end to Asterisk's Manager Interface (spec §4.4/§6). The Python
// original never speaks AMI directly either — it goes through
// wazo_amid_client's HTTP action endpoint — so this client is a REST
// client, not a raw AMI socket.
package ami

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wazo-provd/provd/internal/core/domain"
)

// autoprovPeerLen is len("ap") + 8 hex chars: every autoprov device shares
// a peer of this exact shape, so synchronizing by peer would restart every
// autoprov phone at once instead of just the one that changed (spec §4.4:
// "guarding the ap+8-char autoprov placeholder"). Falls back to by-IP.
const autoprovPeerLen = 10

// Config configures a Client.
type Config struct {
	// BaseURL is wazo-amid's base URL, e.g. "https://localhost:9491".
	BaseURL string
	Timeout time.Duration

	// MaxRetries bounds retries of transient (network or 5xx) failures.
	MaxRetries int

	// RateLimitPerSecond caps the steady-state rate of action requests
	// sent to wazo-amid. A config change that fans out to many child
	// devices (spec §4.2's autocreate/inherit propagation) would otherwise
	// fire one check-sync per device back to back; amid and the Asterisk
	// it fronts see that as a SIP NOTIFY storm. Zero uses the default.
	RateLimitPerSecond float64
	// RateLimitBurst allows a short burst above the steady-state rate
	// before throttling kicks in. Zero uses the default.
	RateLimitBurst int
}

// Client notifies wazo-amid's PJSIPNotify action.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
}

// New builds a Client. logger may be nil.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RateLimitPerSecond == 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

// NotifySynchronize pushes a check-sync SIP notify for dev, by SIP peer
// when one is known and is not an autoprov placeholder, else by IP (spec
// §4.4). Returns an error only when neither destination is available or
// the request itself failed; a successfully-delivered notify to the wrong
// phone is not this method's concern.
func (c *Client) NotifySynchronize(ctx context.Context, dev *domain.Device) error {
	return c.notify(ctx, dev, "check-sync", nil)
}

// notify implements standard_sip_synchronize's destination fallback:
// by-peer first (guarding the autoprov placeholder), then by-IP.
func (c *Client) notify(ctx context.Context, dev *domain.Device, event string, extraVars []string) error {
	if peer := dev.RemoteStateSIPUsername; peer != "" && !isAutoprovPlaceholder(peer) {
		if err := c.sipNotifyByPeer(ctx, peer, event, extraVars); err != nil {
			return fmt.Errorf("ami: notify by peer: %w", err)
		}
		return nil
	}
	if dev.IP != "" {
		if err := c.sipNotifyByIP(ctx, dev.IP, event, extraVars); err != nil {
			return fmt.Errorf("ami: notify by ip: %w", err)
		}
		return nil
	}
	return fmt.Errorf("ami: not enough information to synchronize device %s", dev.ID)
}

func isAutoprovPlaceholder(peer string) bool {
	return len(peer) == autoprovPeerLen && strings.HasPrefix(peer, "ap")
}

// sipNotifyByPeer targets a specific SIP endpoint.
func (c *Client) sipNotifyByPeer(ctx context.Context, peer, event string, extraVars []string) error {
	return c.pjsipNotify(ctx, map[string]any{"Endpoint": peer}, event, extraVars)
}

// sipNotifyByIP targets an anonymous URI at the device's IP, used when no
// SIP peer is known.
func (c *Client) sipNotifyByIP(ctx context.Context, ip, event string, extraVars []string) error {
	return c.pjsipNotify(ctx, map[string]any{"URI": fmt.Sprintf("sip:anonymous@%s", ip)}, event, extraVars)
}

func (c *Client) pjsipNotify(ctx context.Context, destination map[string]any, event string, extraVars []string) error {
	variables := append([]string{"Event=" + event}, extraVars...)
	body := map[string]any{"Variable": variables}
	for k, v := range destination {
		body[k] = v
	}
	return c.doAction(ctx, "PJSIPNotify", body)
}

func (c *Client) doAction(ctx context.Context, action string, body any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ami: rate limit wait: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ami: marshal action body: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/1.0/action/" + action

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("ami: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("ami: action request failed", "action", action, "attempt", attempt+1, "error", err)
			continue
		}

		retryable := false
		func() {
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				lastErr = nil
				return
			}
			b, _ := io.ReadAll(resp.Body)
			lastErr = fmt.Errorf("ami: action %s returned %d: %s", action, resp.StatusCode, string(b))
			retryable = resp.StatusCode >= 500
		}()
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("ami: action failed", "action", action, "attempt", attempt+1, "error", lastErr)
		if !retryable {
			return lastErr
		}
	}
	return lastErr
}
