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

func TestWorkerPoolSyncDispatchServesOnCallerGoroutine(t *testing.T) {
	server := newTestHTTPServer(t)
	pool := NewWorkerPool(server, -1)

	clientConn, serverConn := net.Pipe()
	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	// Dispatch serves the connection before it returns, and net.Pipe writes
	// block until read, so the client side reads the response concurrently.
	go func() {
		clientConn.Write([]byte("GET /hello HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
		clientConn.SetReadDeadline(time.Now().Add(time.Second))
		resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
		done <- result{resp, err}
	}()

	accepted := pool.Dispatch(serverConn)
	assert.True(t, accepted)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.resp.StatusCode)
}

func TestWorkerPoolPerConnDispatchSpawnsGoroutine(t *testing.T) {
	server := newTestHTTPServer(t)
	pool := NewWorkerPool(server, 0)

	clientConn, serverConn := net.Pipe()
	accepted := pool.Dispatch(serverConn)
	assert.True(t, accepted)

	clientConn.Write([]byte("GET /hello HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestWorkerPoolBoundedQueueRejectsWhenFull(t *testing.T) {
	server := newTestHTTPServer(t)
	pool := NewWorkerPool(server, 1)
	defer pool.Close()

	// A connection with no data pending occupies the single worker
	// goroutine for the duration of the test.
	busyClient, busyServer := net.Pipe()
	defer busyClient.Close()
	require.True(t, pool.Dispatch(busyServer))
	time.Sleep(50 * time.Millisecond) // let the worker pick it up

	_, queuedServer := net.Pipe()
	defer queuedServer.Close()
	require.True(t, pool.Dispatch(queuedServer), "queue has one free slot")

	_, overflowServer := net.Pipe()
	defer overflowServer.Close()
	assert.False(t, pool.Dispatch(overflowServer), "queue is full and the one worker is busy")
}

func TestWorkerPoolPromotesKeepAliveConnectionOffBoundedSlot(t *testing.T) {
	server := newTestHTTPServer(t)
	pool := NewWorkerPool(server, 1)
	defer pool.Close()

	keptAlive, keptAliveServer := net.Pipe()
	defer keptAlive.Close()
	require.True(t, pool.Dispatch(keptAliveServer))

	keptAlive.Write([]byte("GET /hello HTTP/1.1\r\nHost: x\r\n\r\n"))
	keptAlive.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(keptAlive), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// The connection above defaults to keep-alive (no "Connection: close")
	// and should have been promoted to the long-lived worker set, freeing
	// the single bounded slot back up for a second, unrelated connection.
	time.Sleep(50 * time.Millisecond)

	otherClient, otherServer := net.Pipe()
	defer otherClient.Close()
	require.True(t, pool.Dispatch(otherServer), "the promoted connection must have freed its bounded slot")
	otherClient.Write([]byte("GET /hello HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))

	otherClient.SetReadDeadline(time.Now().Add(time.Second))
	resp2, err := http.ReadResponse(bufio.NewReader(otherClient), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp2.StatusCode)
}

func TestWorkerPoolCloseStopsLoops(t *testing.T) {
	server := newTestHTTPServer(t)
	pool := NewWorkerPool(server, 2)
	pool.Close()
	// Closing twice would panic on a closed channel; this just confirms
	// Close does not itself panic and the pool can be discarded.
}
