package tftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestOctetNoOptions(t *testing.T) {
	dgram := append([]byte{0, 1}, []byte("boot.cfg\x00octet\x00")...)
	pkt, err := parseDgram(dgram)
	require.NoError(t, err)
	assert.Equal(t, opRRQ, pkt.op)
	assert.Equal(t, "boot.cfg", pkt.request.filename)
	assert.Equal(t, "octet", pkt.request.mode)
	assert.Equal(t, 0, pkt.request.blksize)
}

func TestParseRequestWithBlksizeOption(t *testing.T) {
	dgram := append([]byte{0, 1}, []byte("boot.cfg\x00octet\x00blksize\x001024\x00")...)
	pkt, err := parseDgram(dgram)
	require.NoError(t, err)
	assert.Equal(t, 1024, pkt.request.blksize)
}

func TestParseRequestRejectsOutOfRangeBlksize(t *testing.T) {
	dgram := append([]byte{0, 1}, []byte("boot.cfg\x00octet\x00blksize\x004\x00")...)
	_, err := parseDgram(dgram)
	assert.ErrorIs(t, err, ErrPacket)
}

func TestParseAck(t *testing.T) {
	dgram := []byte{0, 4, 0, 7}
	pkt, err := parseDgram(dgram)
	require.NoError(t, err)
	assert.Equal(t, opACK, pkt.op)
	assert.Equal(t, uint16(7), pkt.ack.blockNo)
}

func TestBuildDataRoundTrips(t *testing.T) {
	dgram, err := buildData(3, []byte("hello"))
	require.NoError(t, err)
	pkt, err := parseDataForTest(dgram)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), pkt.blockNo)
	assert.Equal(t, []byte("hello"), pkt.data)

	dgPkt, err := parseDgram(dgram)
	require.NoError(t, err)
	assert.Equal(t, opDATA, dgPkt.op)
}

func TestBuildDataRejectsOversizedBlock(t *testing.T) {
	_, err := buildData(1, make([]byte, 65465))
	assert.ErrorIs(t, err, ErrPacket)
}

// parseDataForTest mirrors the original's _parse_data, kept test-local
// since the production path never needs to parse its own DATA packets.
type testDataPacket struct {
	blockNo uint16
	data    []byte
}

func parseDataForTest(dgram []byte) (testDataPacket, error) {
	body := dgram[2:]
	if len(body) < 2 {
		return testDataPacket{}, packetErr("too small")
	}
	return testDataPacket{
		blockNo: uint16(body[0])<<8 | uint16(body[1]),
		data:    body[2:],
	}, nil
}

func TestBuildOACKContainsBlksize(t *testing.T) {
	dgram, err := buildOACK(1024)
	require.NoError(t, err)
	assert.Contains(t, string(dgram), "blksize")
	assert.Contains(t, string(dgram), "1024")

	pkt, err := parseDgram(dgram)
	require.NoError(t, err)
	assert.Equal(t, opOACK, pkt.op)
}

func TestBuildOACKRejectsOutOfRangeBlksize(t *testing.T) {
	_, err := buildOACK(4)
	assert.ErrorIs(t, err, ErrPacket)

	_, err = buildOACK(65465)
	assert.ErrorIs(t, err, ErrPacket)
}

func TestBuildErrRoundTrips(t *testing.T) {
	dgram, err := buildErr(ErrFileNotFound, "no such file")
	require.NoError(t, err)

	pkt, err := parseDgram(dgram)
	require.NoError(t, err)
	assert.Equal(t, opERR, pkt.op)

	body := dgram[2:]
	errcode := uint16(body[0])<<8 | uint16(body[1])
	assert.Equal(t, uint16(ErrFileNotFound), errcode)
	assert.Equal(t, "no such file\x00", string(body[2:]))
}

func TestBuildErrRejectsNullByteInMessage(t *testing.T) {
	_, err := buildErr(ErrUndefined, "bad\x00message")
	assert.ErrorIs(t, err, ErrPacket)
}

func TestBuildErrRejectsOutOfRangeCode(t *testing.T) {
	_, err := buildErr(-1, "negative")
	assert.ErrorIs(t, err, ErrPacket)

	_, err = buildErr(0x10000, "too big")
	assert.ErrorIs(t, err, ErrPacket)
}
