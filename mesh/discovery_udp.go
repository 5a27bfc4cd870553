// UDP discovery server (C9): broadcast request/response exchange,
// response aggregation, and the UDP-level ban set. Grounded on
// hexinfra-gorox's net_tcps.go gate-accept-loop idiom (bind, single
// receive loop, shut-down flag), adapted from TCP accept to a single
// net.ListenUDP socket; response-priority ranking follows munonun-Web4's
// internal/peer candidate-sort shape.

package mesh

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PeerResponse is one inbound response to an outstanding broadcast,
// carrying enough to rank it against the other responses.
type PeerResponse struct {
	Kind        MessageKind
	SenderAddr  *net.UDPAddr
	SenderUUID  [16]byte
	Size        int64 // ResponseFull: full size; ResponsePartial: currently available
	Hardware    HardwareKind
	LinkSpeed   uint32
	ActiveConns uint16
	receivedAt  int64 // monotonic arrival order, for the final tie-break
}

// CacheLookup is what DiscoveryServer asks of the local cache coordinator
// to answer an inbound Request.
type CacheLookup interface {
	// Lookup reports the local availability of hash: full (size, true,
	// false), partial (size, false, true), or absent (0, false, false).
	Lookup(hash string) (size int64, full bool, partial bool)
	Overloaded() bool
}

// DiscoveryServer binds a UDP socket on the interface's broadcast address
// (POSIX) or its own IP (Windows), answers Ping/Request, and aggregates
// responses to its own outstanding broadcast.
type DiscoveryServer struct {
	Settings      Settings
	Crypt         *PeerCrypt
	Ban           *BanSet // UDP-level ban set, minutes-scale TTL
	Cache         CacheLookup
	Logger        Logger
	SelfUUID      [16]byte
	SelfIPv4      uint32
	BroadcastAddr uint32
	// Hardware and LinkSpeedMbps describe the interface this server answers
	// on; stamped onto every outgoing Pong/Response so peers can rank us
	// against other responders.
	Hardware      HardwareKind
	LinkSpeedMbps uint32

	conn *net.UDPConn
	shut atomic.Bool

	// Broadcast round state: strictly serialized by broadcastMu — at most
	// one broadcast round outstanding at a time.
	broadcastMu sync.Mutex
	roundSeq    uint32
	roundActive bool
	roundRespCh chan PeerResponse
	roundHash   string

	notAloneUntil atomic.Int64 // unix seconds; suppress broadcasts until then

	lastRotate atomic.Int64
}

// NewDiscoveryServer constructs a server; call Open then Serve.
func NewDiscoveryServer(settings Settings, crypt *PeerCrypt, cache CacheLookup, logger Logger) *DiscoveryServer {
	if logger == nil {
		logger = NoopLogger
	}
	return &DiscoveryServer{
		Settings: settings,
		Crypt:    crypt,
		Ban:      NewBanSet(time.Duration(settings.BanMinutes) * time.Minute),
		Cache:    cache,
		Logger:   logger,
		SelfUUID: settings.SelfUUID,
	}
}

// Open binds the UDP socket. bindAddr is the interface's broadcast address
// on POSIX, or the interface's own address on Windows — selection happens
// in the caller (main.go) via the interface filter from Settings.
func (d *DiscoveryServer) Open(bindAddr *net.UDPAddr) error {
	conn, err := net.ListenUDP("udp4", bindAddr)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

// Shut closes the socket, unblocking Serve's ReadFromUDP.
func (d *DiscoveryServer) Shut() error {
	d.shut.Store(true)
	return d.conn.Close()
}

// Serve runs the receive loop until Shut.
func (d *DiscoveryServer) Serve() {
	buf := make([]byte, 64*1024) // "single datagram socket with a 64 KiB frame buffer"
	for {
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if d.shut.Load() {
				return
			}
			if isTimeout(err) {
				d.rotateOncePerSecond()
				continue
			}
			continue
		}
		d.handleFrame(buf[:n], addr)
	}
}

func (d *DiscoveryServer) rotateOncePerSecond() {
	now := time.Now().Unix()
	if d.lastRotate.Swap(now) != now {
		d.Ban.Rotate()
	}
}

// handleFrame decodes an inbound datagram and routes it: drop self/banned
// senders, verify response addressing, then dispatch on message kind.
func (d *DiscoveryServer) handleFrame(raw []byte, addr *net.UDPAddr) {
	srcIP := addr.IP.String()
	if srcIP == d.selfIPString() || d.Ban.Banned(srcIP) {
		return // step 1: drop frames from self or the banned set
	}

	msg, err := d.Crypt.DecodeFrame(raw)
	if err != nil {
		d.Ban.Ban(srcIP) // step 2: decode failure increments the UDP ban score
		d.Logger.Logf("discovery: decode failed from %s: %v", srcIP, err)
		return
	}

	if isResponseKind(msg.Kind) {
		// step 3: a response not addressed to us is dropped (NAT/promiscuous guard)
		if msg.DestIPv4 != d.SelfIPv4 {
			Debugf(1, d.Logger, "discovery: dropping response not addressed to self, from %s", srcIP)
			return
		}
		d.deliverResponse(msg, addr)
		return
	}

	switch msg.Kind {
	case KindPing:
		d.replyPong(msg, addr) // step 4
	case KindRequest:
		d.replyToRequest(msg, addr) // step 5
	}
}

func (d *DiscoveryServer) selfIPString() string {
	var ipBytes [4]byte
	putIPv4(ipBytes[:], d.SelfIPv4)
	return net.IP(ipBytes[:]).String()
}

func putIPv4(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func (d *DiscoveryServer) replyPong(req *Message, addr *net.UDPAddr) {
	pong := &Message{
		Kind:          KindPong,
		Seq:           req.Seq,
		SenderUUID:    d.SelfUUID,
		DestIPv4:      req.SenderIPv4,
		Hardware:      d.Hardware,
		LinkSpeedMbps: d.LinkSpeedMbps,
	}
	d.send(pong, addr)
}

func (d *DiscoveryServer) replyToRequest(req *Message, addr *net.UDPAddr) {
	resp := &Message{
		Seq:           req.Seq,
		SenderUUID:    d.SelfUUID,
		DestIPv4:      req.SenderIPv4,
		Hash:          req.Hash,
		Hardware:      d.Hardware,
		LinkSpeedMbps: d.LinkSpeedMbps,
	}
	switch {
	case d.Cache.Overloaded():
		resp.Kind = KindResponseOverloaded
	default:
		size, full, partial := d.Cache.Lookup(hashKey(req.Hash))
		switch {
		case full:
			resp.Kind = KindResponseFull
			resp.FileSize = uint64(size)
		case partial:
			resp.Kind = KindResponsePartial
			resp.FileSize = uint64(size)
		default:
			resp.Kind = KindResponseNone
		}
	}
	d.send(resp, addr)
}

func (d *DiscoveryServer) send(msg *Message, addr *net.UDPAddr) {
	wire, err := d.Crypt.EncodeFrame(msg)
	if err != nil {
		d.Logger.Logf("discovery: encode failed: %v", err)
		return
	}
	// POSIX: reply to the broadcast address, since the requester listens
	// there; callers on Windows would instead target addr directly. This
	// build targets POSIX per the gate idiom above.
	dest := addr
	if d.BroadcastAddr != 0 {
		var ipBytes [4]byte
		putIPv4(ipBytes[:], d.BroadcastAddr)
		dest = &net.UDPAddr{IP: net.IP(ipBytes[:]), Port: addr.Port}
	}
	d.conn.WriteToUDP(wire, dest)
}

// deliverResponse appends an inbound response to the active broadcast
// round if its sequence matches.
func (d *DiscoveryServer) deliverResponse(msg *Message, addr *net.UDPAddr) {
	d.broadcastMu.Lock()
	active := d.roundActive
	wantSeq := d.roundSeq
	ch := d.roundRespCh
	d.broadcastMu.Unlock()

	if !active || msg.Seq != wantSeq {
		return // stale/late response, no outstanding round to deliver to
	}
	pr := PeerResponse{
		Kind:        msg.Kind,
		SenderAddr:  addr,
		SenderUUID:  msg.SenderUUID,
		Size:        int64(msg.FileSize),
		Hardware:    msg.Hardware,
		LinkSpeed:   msg.LinkSpeedMbps,
		ActiveConns: msg.CurrentConnections,
	}
	select {
	case ch <- pr:
	default: // full buffer: drop, matching BroadcastMaxResponses backpressure
	}
}

// Broadcast sends a Request for hash and waits for responses, applying
// the "not alone" suppression when a round has gone unanswered.
func (d *DiscoveryServer) Broadcast(hash string, hashRecord HashRecord) []PeerResponse {
	if until := d.notAloneUntil.Load(); until > 0 && time.Now().Unix() < until {
		return nil
	}

	d.broadcastMu.Lock()
	defer d.broadcastMu.Unlock()

	seq := d.Crypt.NextSeq()
	d.roundSeq = seq
	d.roundActive = true
	d.roundHash = hash
	respCh := make(chan PeerResponse, maxInt(d.Settings.BroadcastMaxResponses, 1))
	d.roundRespCh = respCh
	defer func() {
		d.roundActive = false
		d.roundRespCh = nil
	}()

	req := &Message{
		Kind:       KindRequest,
		Seq:        seq,
		SenderUUID: d.SelfUUID,
		SenderIPv4: d.SelfIPv4,
		Hash:       hashRecord,
	}
	wire, err := d.Crypt.EncodeFrame(req)
	if err != nil {
		d.Logger.Logf("discovery: broadcast encode failed: %v", err)
		return nil
	}
	var ipBytes [4]byte
	putIPv4(ipBytes[:], d.BroadcastAddr)
	broadcastAddr := &net.UDPAddr{IP: net.IP(ipBytes[:]), Port: d.Settings.UDPPort}
	if _, err := d.conn.WriteToUDP(wire, broadcastAddr); err != nil {
		d.Logger.Logf("discovery: broadcast send failed: %v", err)
		return nil
	}

	timeout := d.Settings.BroadcastTimeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	deadline := time.After(timeout)
	var responses []PeerResponse
	for {
		select {
		case pr := <-respCh:
			responses = append(responses, pr)
			if d.Settings.Options.FirstResponse {
				return d.rankResponses(responses)
			}
			if len(responses) >= maxInt(d.Settings.BroadcastMaxResponses, 1) {
				return d.rankResponses(responses)
			}
		case <-deadline:
			if len(responses) == 0 && d.Settings.Options.BroadcastNotAlone {
				d.notAloneUntil.Store(time.Now().Unix() + 1)
			}
			return d.rankResponses(responses)
		}
	}
}

// rankResponses sorts by priority: ResponseFull over ResponsePartial,
// then ethernet over wifi over others, then higher link speed, then
// fewer active connections, then receive order.
func (d *DiscoveryServer) rankResponses(responses []PeerResponse) []PeerResponse {
	for i := range responses {
		responses[i].receivedAt = int64(i)
	}
	sort.SliceStable(responses, func(i, j int) bool {
		a, b := responses[i], responses[j]
		if (a.Kind == KindResponseFull) != (b.Kind == KindResponseFull) {
			return a.Kind == KindResponseFull
		}
		if a.Hardware != b.Hardware {
			return a.Hardware < b.Hardware // Ethernet(0) < WiFi(1) < ...
		}
		if a.LinkSpeed != b.LinkSpeed {
			return a.LinkSpeed > b.LinkSpeed
		}
		if a.ActiveConns != b.ActiveConns {
			return a.ActiveConns < b.ActiveConns
		}
		return a.receivedAt < b.receivedAt
	})
	return responses
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func hashKey(h HashRecord) string {
	return string(append([]byte{byte(h.Algo)}, h.Digest...))
}
