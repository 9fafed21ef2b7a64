// Package plugin implements the manufacturer plugin contract and the
// manager that installs, loads, and invokes plugins (spec §4.3/§4.5):
// plugins are not persisted — they are directory trees rebuilt from disk
// on startup, with a runtime in-memory id -> instance map for whichever
// ones are currently loaded.
package plugin

import (
	"context"

	"github.com/wazo-provd/provd/internal/core/domain"
)

// DeviceSupport is the ordered compatibility score an associator assigns a
// device to a plugin (spec §4.5).
type DeviceSupport int

const (
	SupportNone       DeviceSupport = 0
	SupportImprobable DeviceSupport = 100
	SupportUnknown    DeviceSupport = 200
	SupportProbable   DeviceSupport = 300
	SupportIncomplete DeviceSupport = 400
	SupportComplete   DeviceSupport = 500
	SupportExact      DeviceSupport = 600
)

// RequestProtocol names the transport a device info request arrived over.
type RequestProtocol string

const (
	ProtocolHTTP RequestProtocol = "http"
	ProtocolTFTP RequestProtocol = "tftp"
	ProtocolDHCP RequestProtocol = "dhcp"
)

// Request is the protocol-carrying envelope handed to a plugin's device
// info extractor (spec §4.6: "HTTP / TFTP / DHCP is an enum carried
// alongside the request"). internal/pipeline builds one per incoming
// request from the matching server adapter.
type Request struct {
	Protocol  RequestProtocol
	RemoteIP  string
	RemoteMAC string // populated for DHCP only
	Path      string // HTTP/TFTP request path
	Headers   map[string]string
	Options   map[string]string // DHCP options, decimal-string option code -> value
}

// DeviceInfo is the flattened key/value bag an extractor produces; keys
// are the same field names a Device carries (mac, ip, vendor, model,
// version, sn, uuid, options.*).
type DeviceInfo map[string]any

// DevInfoExtractor extracts DeviceInfo from a Request. Returning a nil map
// and a nil error means "nothing extracted" — distinct from an error,
// which the pipeline isolates without aborting the request (spec §4.6).
type DevInfoExtractor interface {
	Extract(ctx context.Context, req Request) (DeviceInfo, error)
}

// Associator scores how well a device matches this plugin's capabilities.
type Associator interface {
	Associate(ctx context.Context, info DeviceInfo) DeviceSupport
}

// Service is the Get/Set/Describe shape shared by the application-wide
// configure service (§6) and a plugin's own configure/install
// sub-services (§4.5).
type Service interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
	Describe(ctx context.Context) (map[string]any, error)
}

// TFTPResponse is the three-way outcome a TFTP read-request handler must
// choose (spec §4.6): Accept opens a per-transfer UDP socket over f,
// Reject sends an error packet, Ignore drops the request silently.
type TFTPResponse interface {
	Accept(f ReadSeekCloser) error
	Reject(code int, msg string) error
	Ignore()
}

// ReadSeekCloser is the file handle shape a tftp_service hands to Accept.
type ReadSeekCloser interface {
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// TFTPService answers a plugin's TFTP read requests.
type TFTPService interface {
	HandleReadRequest(ctx context.Context, dev *domain.Device, filename string, resp TFTPResponse) error
}

// HTTPService answers a plugin's HTTP file requests via child-resource
// resolution; PathPreprocess optionally rewrites the request path before
// lookup (e.g. stripping a provisioning-key prefix segment).
type HTTPService interface {
	PathPreprocess(path string) string
	Resolve(ctx context.Context, dev *domain.Device, path string) (File, error)
}

// File is the minimal handle an HTTP adapter needs to stream a resolved
// plugin resource back to the client.
type File interface {
	ReadSeekCloser
	ContentType() string
}

// Info is a plugin's static metadata, read from its plugin-info file.
type Info struct {
	Version             string
	Description         string
	DescriptionByLocale map[string]string
	Capabilities        map[string]map[string]any
	IfaceVersionMin     *[2]int
	IfaceVersionMax     *[2]int
}

// App is the narrow, stable surface a plugin constructor receives as its
// first argument (spec §4.3: "instantiate with (app, plugin_dir,
// general_cfg, specific_cfg)"). No type in this module implements it;
// the caller of Manager.Load supplies one.
type App interface {
	BaseRawConfig() map[string]any
}

// Plugin is the contract every installed, loaded plugin implements (spec
// §4.5). Every method beyond Info/Services is optional: a plugin that
// does not support a capability returns the zero value (nil extractor/
// service/associator, a no-op Configure, etc.) and the pipeline treats
// absence as "does not apply", never as an error.
type Plugin interface {
	ID() string
	SetID(id string)
	Info() Info

	Services() map[string]Service

	DHCPDevInfoExtractor() DevInfoExtractor
	HTTPDevInfoExtractor() DevInfoExtractor
	TFTPDevInfoExtractor() DevInfoExtractor

	HTTPService() HTTPService
	TFTPService() TFTPService

	PGAssociator() Associator

	ConfigureCommon(ctx context.Context, rawConfig map[string]any) error
	Configure(ctx context.Context, dev *domain.Device, rawConfig map[string]any) error
	Deconfigure(ctx context.Context, dev *domain.Device) error
	// Synchronize returns a channel that receives exactly one error (nil
	// on success) and is then closed, mirroring the contract's
	// deferred-returning synchronize (spec §4.4/§4.5).
	Synchronize(ctx context.Context, dev *domain.Device, rawConfig map[string]any) <-chan error

	// RemoteStateTriggerFilename names the file the device will next fetch
	// once it has applied its new configuration; ok is false when the
	// plugin has no such file (spec §4.6).
	RemoteStateTriggerFilename(dev *domain.Device) (name string, ok bool)

	IsSensitiveFilename(name string) bool

	// Close releases any resources the plugin holds. Called by Unload
	// after the plugin has left the loaded map, without the manager's
	// mutex held; must not panic — Unload recovers a panic defensively
	// but a well-behaved plugin should not rely on that.
	Close()
}
