package tftp

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/wazo-provd/provd/internal/plugin"
)

const (
	defaultBlksize   = 512
	defaultTimeout   = 4 * time.Second
	defaultMaxRetry  = 4
)

var errNoMoreDatagram = errors.New("tftp: no more datagram")

// connection drives one RRQ transfer end to end over its own per-transfer
// UDP socket (spec §6: "per-transfer new UDP socket, OACK/ACK carries the
// new socket's port as server TID"). Grounded on
// original_source/provd/servers/tftp/connection.py's _AbstractConnection/
// RFC1350Connection/RFC2347Connection, adapted from twisted's reactor
// timer callbacks to a blocking read-with-deadline loop run on its own
// goroutine — the idiomatic Go equivalent of the same retry/timeout state
// machine.
type connection struct {
	sock       *net.UDPConn
	clientAddr *net.UDPAddr
	file       plugin.ReadSeekCloser
	logger     *slog.Logger

	blksize    int
	timeout    time.Duration
	maxRetries int

	oackDgram []byte // nil unless the client negotiated options (RFC 2347)
	blkNo     int    // -1 while the OACK itself has not been acked yet
	lastDgram []byte
	lastBlkNo int
	lastBufLen int
	dupAck    bool
	retryCnt  int
}

func newConnection(sock *net.UDPConn, clientAddr *net.UDPAddr, file plugin.ReadSeekCloser, blksize int, oackDgram []byte, logger *slog.Logger) *connection {
	c := &connection{
		sock:       sock,
		clientAddr: clientAddr,
		file:       file,
		logger:     logger,
		blksize:    blksize,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetry,
		lastBlkNo:  -1,
	}
	if oackDgram != nil {
		c.oackDgram = oackDgram
		c.blkNo = -1
	}
	return c
}

// run drives the transfer until completion, error, or retry exhaustion. It
// blocks the calling goroutine and closes both the file and the socket
// before returning.
func (c *connection) run() {
	defer c.closeResources()

	if !c.sendNext() {
		return
	}

	buf := make([]byte, 65507)
	for {
		c.sock.SetReadDeadline(time.Now().Add(c.timeout))
		n, addr, err := c.sock.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				c.retryCnt++
				if c.retryCnt >= c.maxRetries {
					c.logger.Info("tftp transfer timed out", "remote", c.clientAddr)
					return
				}
				c.sock.WriteToUDP(c.lastDgram, c.clientAddr)
				continue
			}
			return
		}

		if !sameAddr(addr, c.clientAddr) {
			c.logger.Info("tftp datagram with wrong TID", "from", addr, "expected", c.clientAddr)
			c.writeErr(ErrUnknownTID, "Unknown TID", addr)
			continue
		}

		pkt, err := parseDgram(buf[:n])
		if err != nil {
			c.writeErr(ErrUndefined, "Invalid datagram", c.clientAddr)
			return
		}

		switch pkt.op {
		case opERR:
			return
		case opACK:
			c.retryCnt = 0
			if !c.handleAck(pkt.ack) {
				return
			}
		default:
			c.writeErr(ErrIllegalOp, "Illegal TFTP operation", c.clientAddr)
			return
		}
	}
}

// writeErr builds and sends an ERROR packet, logging instead of sending if
// the packet itself can't be built (e.g. msg containing a null byte).
func (c *connection) writeErr(code int, msg string, addr *net.UDPAddr) {
	dgram, err := buildErr(code, msg)
	if err != nil {
		c.logger.Error("tftp: could not build error packet", "error", err, "code", code)
		return
	}
	c.sock.WriteToUDP(dgram, addr)
}

// handleAck applies one ACK and returns false when the transfer must stop.
func (c *connection) handleAck(ack ackPacket) bool {
	got := int(ack.blockNo)
	switch {
	case got == c.blkNo:
		c.lastBlkNo = c.blkNo
		c.dupAck = false
		return c.sendNext()
	case got == c.lastBlkNo:
		if !c.dupAck {
			c.dupAck = true
			c.sock.WriteToUDP(c.lastDgram, c.clientAddr)
		}
		return true
	default:
		c.writeErr(ErrIllegalOp, "Illegal block number", c.clientAddr)
		return false
	}
}

// sendNext builds and sends the next datagram, returning false once the
// transfer is complete.
func (c *connection) sendNext() bool {
	dgram, err := c.nextDgram()
	if errors.Is(err, errNoMoreDatagram) {
		return false
	}
	c.lastDgram = dgram
	c.sock.WriteToUDP(dgram, c.clientAddr)
	return true
}

// nextDgram mirrors RFC1350Connection/RFC2347Connection's _next_dgram: the
// OACK (if negotiated) goes out first as block 0, then one DATA packet per
// call; the transfer ends once a short (or empty, if the file length is an
// exact multiple of blksize) block has already been sent.
func (c *connection) nextDgram() ([]byte, error) {
	if c.blkNo == -1 && c.oackDgram != nil {
		c.blkNo = 0
		return c.oackDgram, nil
	}

	buf := make([]byte, c.blksize)
	n, err := c.file.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 && c.blkNo != 0 && c.lastBufLen != c.blksize {
		return nil, errNoMoreDatagram
	}

	c.lastBufLen = n
	c.blkNo = (c.blkNo + 1) % 65536
	return buildData(uint16(c.blkNo), buf[:n])
}

func (c *connection) closeResources() {
	c.file.Close()
	c.sock.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
