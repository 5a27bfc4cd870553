package mesh

import (
	"bufio"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGateAcceptsAndDispatchesConnection(t *testing.T) {
	server := newTestHTTPServer(t)
	pool := NewWorkerPool(server, -1)
	ban := NewBanSet(time.Minute)
	gate := NewHTTPGate("127.0.0.1:0", pool, ban, false)

	require.NoError(t, gate.Open())
	go gate.Serve()
	defer gate.Shut()

	addr := gate.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /hello HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHTTPGateRejectsBannedIPWithTeapot(t *testing.T) {
	server := newTestHTTPServer(t)
	pool := NewWorkerPool(server, -1)
	ban := NewBanSet(time.Minute)
	gate := NewHTTPGate("127.0.0.1:0", pool, ban, false)

	require.NoError(t, gate.Open())
	go gate.Serve()
	defer gate.Shut()

	addr := gate.listener.Addr().String()

	// Ban loopback before connecting; the dialing client's address is
	// 127.0.0.1 regardless of the ephemeral source port.
	ban.Ban("127.0.0.1")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(teapotBody))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, string(teapotBody), string(buf[:n]))
}

func TestHTTPGateNoBanIPSkipsBanCheck(t *testing.T) {
	server := newTestHTTPServer(t)
	pool := NewWorkerPool(server, -1)
	ban := NewBanSet(time.Minute)
	ban.Ban("127.0.0.1")
	gate := NewHTTPGate("127.0.0.1:0", pool, ban, true)

	require.NoError(t, gate.Open())
	go gate.Serve()
	defer gate.Shut()

	addr := gate.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /hello HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode, "NoBanIP must bypass the ban check entirely")
}

func TestIsTimeoutDetectsNetTimeoutErrors(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	tcpL := l.(*net.TCPListener)
	tcpL.SetDeadline(time.Now().Add(-time.Second)) // already expired

	_, err = tcpL.Accept()
	require.Error(t, err)
	assert.True(t, isTimeout(err))
}
