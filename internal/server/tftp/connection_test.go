package tftp

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFile struct {
	*bytes.Reader
}

func (f fakeFile) Close() error { return nil }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestConnectionSendsDataThenClosesOnShortBlock(t *testing.T) {
	serverSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	clientSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer clientSock.Close()

	clientAddr := clientSock.LocalAddr().(*net.UDPAddr)
	content := []byte("hello tftp")

	c := newConnection(serverSock, clientAddr, fakeFile{bytes.NewReader(content)}, 512, nil, discardLogger())
	done := make(chan struct{})
	go func() {
		c.run()
		close(done)
	}()

	buf := make([]byte, 65507)
	clientSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, serverAddr, err := clientSock.ReadFromUDP(buf)
	require.NoError(t, err)

	pkt, err := parseDgram(buf[:n])
	require.NoError(t, err)
	require.Equal(t, opDATA, pkt.op)

	dataPkt, err := parseDataForTest(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint16(1), dataPkt.blockNo)
	require.Equal(t, content, dataPkt.data)

	ack := []byte{0, byte(opACK), 0, 1}
	_, err = clientSock.WriteToUDP(ack, serverAddr)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close after the final short block was acked")
	}
}
