package tftp

import (
	"context"
	"log/slog"
	"net"

	"github.com/wazo-provd/provd/internal/pipeline"
	"github.com/wazo-provd/provd/internal/plugin"
)

// PluginResolver is the narrow plugin-manager slice the TFTP handler
// needs.
type PluginResolver interface {
	Get(id string) (plugin.Plugin, error)
}

// Config configures a Server.
type Config struct {
	Addr          string
	Pipeline      *pipeline.Pipeline
	Plugins       PluginResolver
	Logger        *slog.Logger
	DefaultTenant string
}

// Server is the RRQ-only TFTP adapter (spec §6).
type Server struct {
	cfg    Config
	conn   *net.UDPConn
	logger *slog.Logger
}

// New builds a Server; it does not bind a socket until Run is called.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Run binds the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65507)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		dgram := append([]byte(nil), buf[:n]...)
		go s.handleDatagram(ctx, dgram, remote)
	}
}

func (s *Server) handleDatagram(ctx context.Context, dgram []byte, remote *net.UDPAddr) {
	pkt, err := parseDgram(dgram)
	if err != nil {
		s.logger.Info("received invalid TFTP datagram", "from", remote, "error", err)
		return
	}

	switch pkt.op {
	case opWRQ:
		s.logger.Info("TFTP write request not supported", "from", remote)
		s.writeErr(ErrUndefined, "WRQ not supported", remote)
	case opRRQ:
		s.handleRRQ(ctx, pkt.request, remote)
	default:
		s.logger.Info("ignoring non-request TFTP packet", "from", remote)
	}
}

// writeErr builds and sends an ERROR packet, logging instead of sending if
// the packet itself can't be built (e.g. msg containing a null byte, as
// err.Error() below could in principle carry).
func (s *Server) writeErr(code int, msg string, remote *net.UDPAddr) {
	dgram, err := buildErr(code, msg)
	if err != nil {
		s.logger.Error("tftp: could not build error packet", "error", err, "code", code)
		return
	}
	s.conn.WriteToUDP(dgram, remote)
}

func (s *Server) handleRRQ(ctx context.Context, req requestPacket, remote *net.UDPAddr) {
	if req.mode != "octet" {
		s.logger.Info("TFTP mode not supported", "mode", req.mode, "from", remote)
		s.writeErr(ErrUndefined, "mode not supported", remote)
		return
	}

	dev, err := s.cfg.Pipeline.Process(ctx, plugin.Request{
		Protocol:  plugin.ProtocolTFTP,
		RemoteIP:  remote.IP.String(),
		Path:      req.filename,
	}, s.cfg.DefaultTenant)
	if err != nil {
		s.logger.Error("tftp pipeline processing failed", "error", err, "from", remote)
		s.writeErr(ErrUndefined, "internal error", remote)
		return
	}
	if dev == nil || dev.Plugin == "" {
		s.writeErr(ErrFileNotFound, "device not found", remote)
		return
	}

	p, err := s.cfg.Plugins.Get(dev.Plugin)
	if err != nil {
		s.writeErr(ErrFileNotFound, "plugin not loaded", remote)
		return
	}
	svc := p.TFTPService()
	if svc == nil {
		s.writeErr(ErrUndefined, "service unavailable", remote)
		return
	}

	if p.IsSensitiveFilename(req.filename) {
		s.logger.Warn("security event: sensitive file requested over tftp", "device", dev.ID, "path", req.filename)
	}

	resp := &tftpResponse{server: s, remote: remote, req: req}
	if err := svc.HandleReadRequest(ctx, dev, req.filename, resp); err != nil {
		s.logger.Info("tftp read request rejected", "error", err, "from", remote)
		if !resp.answered {
			// err.Error() is arbitrary plugin-supplied text and could in
			// principle contain a null byte; writeErr falls back to a log
			// line rather than emitting a corrupt datagram.
			s.writeErr(ErrUndefined, err.Error(), remote)
		}
	}
}

// tftpResponse implements plugin.TFTPResponse, wiring Accept/Reject/Ignore
// back to the main listener socket and, on Accept, to a freshly spun up
// per-transfer connection.
type tftpResponse struct {
	server   *Server
	remote   *net.UDPAddr
	req      requestPacket
	answered bool
}

func (r *tftpResponse) Accept(f plugin.ReadSeekCloser) error {
	r.answered = true
	r.server.logger.Info("TFTP read request accepted", "from", r.remote, "file", r.req.filename)

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return err
	}

	blksize := defaultBlksize
	var oack []byte
	if r.req.blksize > 0 {
		blksize = r.req.blksize
		oack, err = buildOACK(blksize)
		if err != nil {
			sock.Close()
			return err
		}
	}

	conn := newConnection(sock, r.remote, f, blksize, oack, r.server.logger)
	go conn.run()
	return nil
}

func (r *tftpResponse) Reject(code int, msg string) error {
	r.answered = true
	r.server.logger.Info("TFTP read request rejected", "from", r.remote, "code", code, "msg", msg)
	dgram, err := buildErr(code, msg)
	if err != nil {
		return err
	}
	_, err = r.server.conn.WriteToUDP(dgram, r.remote)
	return err
}

func (r *tftpResponse) Ignore() {
	r.answered = true
}
