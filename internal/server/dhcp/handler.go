// Package dhcp implements the dhcpinfo push adapter (spec §4.6/§6): the
// DHCP server itself (e.g. dnsmasq/isc-dhcp) runs outside this process and
// pushes lease-commit events to us over the REST boundary's dhcpinfo
// endpoint; this package only runs the pipeline's extract/retrieve/update
// stages against that event, with no route step (the DHCP adapter is not
// a file server).
package dhcp

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/wazo-provd/provd/internal/pipeline"
	"github.com/wazo-provd/provd/internal/plugin"
)

// commitOp is the only dhcpinfo op value that drives the pipeline; every
// other value is accepted and ignored (spec §6: "other op values are
// accepted but ignored").
const commitOp = "commit"

// leasePush is the JSON body the dhcpinfo endpoint accepts: {ip, mac,
// options: {code -> raw-value}, op}. IP and MAC are only required to
// actually look like an IP/MAC when op=commit — a release or other op
// carries whatever the DHCP server happened to have on hand, and is
// ignored regardless.
type leasePush struct {
	IP      string            `json:"ip" validate:"omitempty,ip"`
	MAC     string            `json:"mac" validate:"omitempty,mac"`
	Options map[string]string `json:"options"`
	Op      string            `json:"op"`
}

var validate = validator.New()

// Config configures a Handler.
type Config struct {
	Pipeline      *pipeline.Pipeline
	Logger        *slog.Logger
	DefaultTenant string
}

// Handler is an http.Handler implementing the dhcpinfo push endpoint.
type Handler struct {
	cfg    Config
	logger *slog.Logger
}

// NewHandler builds the dhcpinfo push handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg, logger: cfg.Logger}
}

// ServeHTTP decodes the lease push and, on op=commit, runs it through the
// pipeline (extract/retrieve/update only). Any other op is a no-op 204.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var push leasePush
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		http.Error(w, "invalid dhcpinfo payload", http.StatusBadRequest)
		return
	}

	if push.Op != commitOp {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := validate.Struct(push); err != nil {
		http.Error(w, "invalid dhcpinfo payload", http.StatusBadRequest)
		return
	}

	req := plugin.Request{
		Protocol:  plugin.ProtocolDHCP,
		RemoteIP:  push.IP,
		RemoteMAC: push.MAC,
		Options:   push.Options,
	}

	if _, err := h.cfg.Pipeline.Process(r.Context(), req, h.cfg.DefaultTenant); err != nil {
		h.logger.Error("dhcpinfo pipeline processing failed", "error", err, "mac", push.MAC)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
