// Worker pool: a bounded set of goroutines that run short HTTP exchanges.
// Grounded on hexinfra-gorox's net_tcps.go gate/conn
// pooling idiom (IncSub/ReachLimit/justClose, sync.Pool-backed conn reuse),
// generalized into an explicit queue since gorox itself spawns one
// goroutine per connection rather than bounding them.
package mesh

import "net"

// WorkerPool runs accepted connections through an HTTPServer, either on a
// bounded queue of goroutines (PoolSize > 0), one goroutine per connection
// (PoolSize == 0), or synchronously on the caller's own goroutine
// (PoolSize < 0).
//
// A bounded-queue worker that finishes a connection's first exchange and
// finds it promoted (keep-alive active, or a body at/above
// Settings.PromoteBodyBytes — see ConnSession.Step) hands the connection
// off to a second, separately-bounded set of long-lived workers instead of
// holding its queue slot for the connection's remaining lifetime. Without
// this, a handful of keep-alive clients can permanently occupy every
// bounded slot and starve the pool for all other traffic.
type WorkerPool struct {
	server  *HTTPServer
	size    int
	queue   chan net.Conn
	longSem chan struct{}
	done    chan struct{}
}

// NewWorkerPool builds a pool around server. size follows the three-way
// dispatch-policy split documented on WorkerPool.
func NewWorkerPool(server *HTTPServer, size int) *WorkerPool {
	p := &WorkerPool{server: server, size: size, done: make(chan struct{})}
	if size > 0 {
		p.queue = make(chan net.Conn, size)
		longSize := server.Settings.LongPoolSize
		if longSize <= 0 {
			longSize = size * 4
		}
		p.longSem = make(chan struct{}, longSize)
		for i := 0; i < size; i++ {
			go p.loop()
		}
	}
	return p
}

func (p *WorkerPool) loop() {
	for {
		select {
		case conn, ok := <-p.queue:
			if !ok {
				return
			}
			p.serve(conn)
		case <-p.done:
			return
		}
	}
}

// serve drives conn through its first exchange on this bounded-pool
// goroutine, then either finishes it out here (connection closing, or no
// promotion needed) or hands it to the long-lived worker set so this
// goroutine returns to the queue immediately. If the long-lived set is
// already full, the connection is drained out here rather than dropped.
func (p *WorkerPool) serve(conn net.Conn) {
	cs, ok := p.server.BeginConn(conn)
	if !ok {
		return
	}
	persistent, promote, err := cs.Step()
	if err != nil || !persistent {
		cs.Close()
		return
	}
	if !promote {
		p.drain(cs)
		return
	}
	select {
	case p.longSem <- struct{}{}:
		go p.runLong(cs)
	default:
		p.drain(cs) // long pool saturated: finish it out here
	}
}

func (p *WorkerPool) runLong(cs *ConnSession) {
	defer func() { <-p.longSem }()
	p.drain(cs)
}

// drain runs cs to completion, closing it when the connection ends.
func (p *WorkerPool) drain(cs *ConnSession) {
	defer cs.Close()
	for {
		persistent, _, err := cs.Step()
		if err != nil || !persistent {
			return
		}
	}
}

// Dispatch hands conn to the pool per its configured size policy. It
// returns false if the connection was refused (queue full) and the caller
// must close it itself.
func (p *WorkerPool) Dispatch(conn net.Conn) (accepted bool) {
	switch {
	case p.size < 0:
		p.server.ServeConn(conn) // handled entirely on the accept thread
		return true
	case p.size == 0:
		go p.server.ServeConn(conn) // dedicated worker per connection
		return true
	default:
		select {
		case p.queue <- conn:
			return true
		default:
			return false // full queue: caller closes
		}
	}
}

// Close stops all pool goroutines. Connections already queued are
// abandoned; the caller is expected to have stopped accepting first.
func (p *WorkerPool) Close() {
	close(p.done)
	if p.queue != nil {
		close(p.queue)
	}
}
