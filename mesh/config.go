// Settings is a plain configuration record, not a component hierarchy: no
// inheritance, no DSL, just fields with documented defaults and a single
// Validate that catches inconsistent combinations at startup.

package mesh

import (
	"fmt"
	"time"
)

// InterfaceFilter narrows which local network interfaces the discovery
// server considers when picking its broadcast address.
type InterfaceFilter struct {
	EthernetOnly     bool // ignore wifi/ppp/tunnel interfaces
	LocalOnly        bool // ignore interfaces without a private address
	RequireBroadcast bool // ignore interfaces that don't support broadcast
	IgnoreGateway    bool // carried in settings; no interface selection code reads it
	IgnoreKind       []HardwareKind
	IgnoreSpeedBelow uint32 // Mbit/s; 0 disables the filter
}

// Options bundles the server's boolean feature toggles.
type Options struct {
	SubFolders        bool // shard cache directories by first hex nibble
	FirstResponse     bool // satisfy a broadcast as soon as one response arrives
	TryLastPeer       bool // attempt the last successful peer before broadcasting
	TryAllPeers       bool // not read: OnDownload always tries up to TryAllPeersCount ranked peers
	BroadcastNotAlone bool // suppress broadcasts for ~1s after a silent round
	NoServer          bool // don't answer peer requests, client-only mode
	NoBanIP           bool // disable the HTTP-level ban set; the UDP discovery ban set stays active
	SelfSignedHTTPS   bool // only checked by Validate; the peer HTTP server serves plain HTTP
	VerboseLog        bool
	HTTPDirect        bool // honor /http/.. and /https/.. direct-mode bearers
}

// Settings is the full knob set for an HTTP server + peer cache instance.
type Settings struct {
	UDPPort int
	TCPPort int

	Interfaces InterfaceFilter
	Options    Options

	MBPerSecond           int           // carried in settings; no transfer path reads it, so transfers are not rate limited
	MaxActiveConnections  int           // overload threshold for ResponseOverloaded
	BroadcastTimeout      time.Duration // default 10ms
	BroadcastMaxResponses int
	TryAllPeersCount      int
	HTTPRequestTimeout    time.Duration // default 5s; whole peer GET (connect included) and inbound read deadline
	HTTPConnectTimeout    time.Duration // default 500ms; not read, peer GETs use only HTTPRequestTimeout
	BanMinutes            int           // UDP-level ban TTL
	CacheTempMaxMB        int
	CacheTempMaxMinutes   int
	CacheTempMinBytes     int64
	CachePermMinBytes     int64

	TempPath string
	PermPath string

	SharedSecret []byte // peer crypt shared secret; required unless NoServer && no peer client use
	SelfUUID     [16]byte

	ProxyIPHeader  string // e.g. "X-Forwarded-For"
	ConnIDHeader   string // e.g. "X-Conn-Id"
	MaxHeaderBytes int
	MaxBodyBytes   int64
	SendBufferSize int

	PoolSize int // <0 disables pooling, 0 spawns a dedicated worker per conn, >0 bounded pool

	// LongPoolSize bounds the second worker set a bounded PoolSize promotes
	// keep-alive/large-body connections onto, so they stop occupying a
	// fixed pool slot for their full lifetime. 0 defaults to 4x PoolSize.
	LongPoolSize int
	// PromoteBodyBytes is the request body size, at or above which a
	// connection is promoted the same as an active keep-alive would be.
	// 0 disables the body-size trigger (keep-alive alone still promotes).
	PromoteBodyBytes int64

	ServerName string
	PoweredBy  string
	SendDate   bool
}

// DefaultSettings returns a Settings populated with reasonable defaults
// for a single-process deployment.
func DefaultSettings() Settings {
	return Settings{
		UDPPort:               8088,
		TCPPort:               8089,
		BroadcastTimeout:      10 * time.Millisecond,
		BroadcastMaxResponses: 4,
		TryAllPeersCount:      3,
		HTTPRequestTimeout:    5 * time.Second,
		HTTPConnectTimeout:    500 * time.Millisecond,
		BanMinutes:            4,
		CacheTempMaxMB:        1024,
		CacheTempMaxMinutes:   60,
		CacheTempMinBytes:     0,
		CachePermMinBytes:     0,
		MaxHeaderBytes:        16 * 1024,
		MaxBodyBytes:          1 << 30,
		SendBufferSize:        64 * 1024,
		PoolSize:              64,
		PromoteBodyBytes:      1 << 20,
		ServerName:            "meshcache",
		SendDate:              true,
	}
}

// Validate catches inconsistent knob combinations before the server starts.
func (s *Settings) Validate() error {
	if s.UDPPort <= 0 || s.UDPPort > 65535 {
		return fmt.Errorf("mesh: invalid UDPPort %d", s.UDPPort)
	}
	if s.TCPPort <= 0 || s.TCPPort > 65535 {
		return fmt.Errorf("mesh: invalid TCPPort %d", s.TCPPort)
	}
	if !s.Options.FirstResponse && s.BroadcastMaxResponses < 1 {
		return fmt.Errorf("mesh: BroadcastMaxResponses must be >= 1 when FirstResponse is false")
	}
	if s.TryAllPeersCount < 1 {
		return fmt.Errorf("mesh: TryAllPeersCount must be >= 1")
	}
	if s.CacheTempMinBytes < 0 || s.CachePermMinBytes < 0 {
		return fmt.Errorf("mesh: cache minimum byte thresholds must be >= 0")
	}
	if s.CacheTempMaxMB > 0 && s.CacheTempMinBytes > int64(s.CacheTempMaxMB)<<20 {
		return fmt.Errorf("mesh: CacheTempMinBytes exceeds CacheTempMaxMB cap")
	}
	if s.Options.SelfSignedHTTPS && s.Options.NoServer {
		return fmt.Errorf("mesh: SelfSignedHTTPS without a server makes no sense (NoServer is set)")
	}
	if !s.Options.NoServer && len(s.SharedSecret) == 0 {
		return fmt.Errorf("mesh: SharedSecret is required unless NoServer is set")
	}
	if s.TempPath == "" {
		return fmt.Errorf("mesh: TempPath is required")
	}
	if s.PermPath == "" {
		return fmt.Errorf("mesh: PermPath is required")
	}
	if s.MaxHeaderBytes <= 0 {
		return fmt.Errorf("mesh: MaxHeaderBytes must be > 0")
	}
	return nil
}
