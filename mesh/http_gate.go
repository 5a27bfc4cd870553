// Connection acceptor (C5): bind/listen loop, accept policy, IP ban
// filter, dispatch to the worker pool. Grounded on hexinfra-gorox's
// tcpsGate.Open/_openInet and serveTCP (net_tcps.go): a ListenConfig.Control
// callback sets socket options before accepting, and the accept loop
// tolerates transient Accept errors while honoring a shut-down flag.
// SO_REUSEPORT is wired through golang.org/x/sys/unix rather than gorox's
// hand-rolled syscall.SetsockoptInt.
package mesh

import (
	"context"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// HTTPGate binds a listening socket and feeds accepted connections to a
// WorkerPool, rotating ban sets and invoking an idle hook once per elapsed
// second of accept timeout.
type HTTPGate struct {
	Address string
	Pool    *WorkerPool
	Ban     *BanSet
	NoBanIP bool
	// OnIdle runs once per accept-timeout tick with no new connection, e.g.
	// to drive the peer cache's idle hook.
	OnIdle func()

	listener net.Listener
	shut     atomic.Bool
}

// NewHTTPGate constructs a gate; call Open then Serve.
func NewHTTPGate(address string, pool *WorkerPool, ban *BanSet, noBanIP bool) *HTTPGate {
	return &HTTPGate{Address: address, Pool: pool, Ban: ban, NoBanIP: noBanIP}
}

// Open binds the listening socket with SO_REUSEPORT set, so multiple gate
// instances (e.g. across a graceful restart) may share the port.
func (g *HTTPGate) Open() error {
	lc := net.ListenConfig{
		Control: func(network, address string, rawConn syscall.RawConn) error {
			var sockErr error
			ctrlErr := rawConn.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", g.Address)
	if err != nil {
		return err
	}
	g.listener = listener
	return nil
}

// Shut marks the gate shut and closes the listener, unblocking Serve's
// Accept loop.
func (g *HTTPGate) Shut() error {
	g.shut.Store(true)
	return g.listener.Close()
}

// Serve runs the accept loop until Shut is called. One-second accept
// timeouts drive ban-set rotation and the idle hook.
func (g *HTTPGate) Serve() {
	tcpListener, _ := g.listener.(*net.TCPListener)
	for {
		if tcpListener != nil {
			tcpListener.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := g.listener.Accept()
		if err != nil {
			if g.shut.Load() {
				return
			}
			if isTimeout(err) {
				g.Ban.Rotate()
				if g.OnIdle != nil {
					g.OnIdle()
				}
				continue
			}
			continue
		}
		g.handle(conn)
	}
}

func (g *HTTPGate) handle(conn net.Conn) {
	if !g.NoBanIP {
		ip := hostOf(conn.RemoteAddr().String())
		if g.Ban.Banned(ip) {
			conn.Write(teapotBody)
			conn.Close()
			return
		}
	}
	if !g.Pool.Dispatch(conn) {
		conn.Close()
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
