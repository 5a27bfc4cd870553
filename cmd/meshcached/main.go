// meshcached is the server binary: parses flags, picks a broadcast
// interface, wires the router/HTTP server/peer cache together, and runs
// until a signal asks it to stop. Grounded on hexinfra-gorox's
// cmds/gorox/main.go flag-driven startup shape, simplified since this
// build has no leader/worker process split.

package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hivemesh/meshcache/mesh"
)

func main() {
	var (
		udpPort    = flag.Int("udp-port", 8088, "UDP discovery port")
		tcpPort    = flag.Int("tcp-port", 8089, "HTTP/peer TCP port")
		tempPath   = flag.String("temp", "./cache-temp", "temp cache directory")
		permPath   = flag.String("perm", "./cache-perm", "permanent cache directory")
		secretHex  = flag.String("secret", "", "hex-encoded shared secret for peer crypt (required unless -no-server)")
		noServer   = flag.Bool("no-server", false, "client-only: don't answer peer requests")
		poolSize   = flag.Int("pool-size", 64, "worker pool size (<0 sync, 0 per-conn, >0 bounded)")
		debugLevel = flag.Int("debug", 0, "debug log verbosity (0 disables)")
		ethOnly    = flag.Bool("eth-only", false, "only consider ethernet interfaces for broadcast")
	)
	flag.Parse()

	mesh.SetDebugLevel(int32(*debugLevel))
	logger := mesh.NewWriterLogger(os.Stderr)

	settings := mesh.DefaultSettings()
	settings.UDPPort = *udpPort
	settings.TCPPort = *tcpPort
	settings.TempPath = *tempPath
	settings.PermPath = *permPath
	settings.PoolSize = *poolSize
	settings.Options.NoServer = *noServer
	settings.Interfaces.EthernetOnly = *ethOnly

	if *secretHex != "" {
		secret, err := hex.DecodeString(*secretHex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshcached: invalid -secret: %v\n", err)
			os.Exit(1)
		}
		settings.SharedSecret = secret
	}

	var selfUUID [16]byte
	rand.Read(selfUUID[:])
	settings.SelfUUID = selfUUID

	if err := settings.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "meshcached: %v\n", err)
		os.Exit(1)
	}

	for _, dir := range []string{settings.TempPath, settings.PermPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "meshcached: creating %s: %v\n", dir, err)
			os.Exit(1)
		}
	}

	selfIPv4, broadcastAddr, ifaceKind, linkSpeed, err := pickBroadcastInterface(settings.Interfaces)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshcached: %v\n", err)
		os.Exit(1)
	}

	crypt, err := mesh.NewPeerCrypt(settings.SharedSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshcached: %v\n", err)
		os.Exit(1)
	}

	router := mesh.NewRouter()
	httpServer := mesh.NewHTTPServer(settings, router, logger)

	coordinator := mesh.NewCacheCoordinator(settings, logger)
	coordinator.Crypt = crypt
	coordinator.SelfUUID = selfUUID
	coordinator.SelfIPv4 = selfIPv4
	coordinator.ActiveConnections = httpServer.ActiveConnections
	coordinator.Partial = httpServer.Partial // share one partial registry across HTTP streaming and cache completion

	httpServer.OnBeforeBody = coordinator.OnBeforeBody
	httpServer.Handler = coordinator.OnRequest

	var discovery *mesh.DiscoveryServer
	if !settings.Options.NoServer {
		discovery = mesh.NewDiscoveryServer(settings, crypt, coordinator, logger)
		discovery.SelfIPv4 = selfIPv4
		discovery.BroadcastAddr = broadcastAddr
		discovery.Hardware = ifaceKind
		discovery.LinkSpeedMbps = linkSpeed
		bindAddr := &net.UDPAddr{IP: ipv4FromUint32(broadcastAddr), Port: settings.UDPPort}
		if err := discovery.Open(bindAddr); err != nil {
			fmt.Fprintf(os.Stderr, "meshcached: udp listen: %v\n", err)
			os.Exit(1)
		}
		coordinator.Discovery = discovery
		go discovery.Serve()
	}

	pool := mesh.NewWorkerPool(httpServer, settings.PoolSize)
	gate := mesh.NewHTTPGate(fmt.Sprintf(":%d", settings.TCPPort), pool, httpServer.Ban, settings.Options.NoBanIP)
	gate.OnIdle = coordinator.OnIdle
	if err := gate.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "meshcached: tcp listen: %v\n", err)
		os.Exit(1)
	}
	go gate.Serve()

	logger.Logf("meshcached: listening tcp=:%d udp=%d self=%s", settings.TCPPort, settings.UDPPort, ipv4FromUint32(selfIPv4))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Logf("meshcached: shutting down")
	gate.Shut()
	pool.Close()
	if discovery != nil {
		discovery.Shut()
	}
	time.Sleep(100 * time.Millisecond)
	logger.Close()
}

// pickBroadcastInterface scans local interfaces for the first IPv4,
// broadcast-capable, up, non-loopback interface matching filter, returning
// its address and broadcast address as big-endian uint32s, plus the
// interface's hardware kind and link speed for stamping onto outgoing
// discovery messages.
func pickBroadcastInterface(filter mesh.InterfaceFilter) (selfIPv4, broadcastAddr uint32, kind mesh.HardwareKind, linkSpeedMbps uint32, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if filter.RequireBroadcast && iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		ifaceKind := classifyInterface(iface)
		if filter.EthernetOnly && ifaceKind != mesh.HardwareEthernet {
			continue
		}
		if containsKind(filter.IgnoreKind, ifaceKind) {
			continue
		}
		speed := interfaceLinkSpeedMbps(iface.Name)
		if filter.IgnoreSpeedBelow > 0 && speed > 0 && speed < filter.IgnoreSpeedBelow {
			continue
		}
		addrs, aerr := iface.Addrs()
		if aerr != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			if filter.LocalOnly && !ip4.IsPrivate() {
				continue
			}
			ip := ipToUint32(ip4)
			mask := ipToUint32(net.IP(ipNet.Mask))
			broadcast := ip | ^mask
			return ip, broadcast, ifaceKind, speed, nil
		}
	}
	return 0, 0, 0, 0, fmt.Errorf("no suitable network interface found for broadcast")
}

// interfaceLinkSpeedMbps reads the kernel-reported link speed for name from
// /sys/class/net/<name>/speed (Linux only). Virtual interfaces and any read
// or parse failure report 0 (unknown), which rankResponses treats as the
// lowest-priority speed tier rather than an error.
func interfaceLinkSpeedMbps(name string) uint32 {
	data, err := os.ReadFile(filepath.Join("/sys/class/net", name, "speed"))
	if err != nil {
		return 0
	}
	speed, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || speed <= 0 {
		return 0
	}
	return uint32(speed)
}

func containsKind(kinds []mesh.HardwareKind, k mesh.HardwareKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// classifyInterface heuristically tags an interface by name, since the
// standard library doesn't expose a hardware-kind enum directly.
func classifyInterface(iface net.Interface) mesh.HardwareKind {
	name := strings.ToLower(iface.Name)
	switch {
	case strings.HasPrefix(name, "lo"):
		return mesh.HardwareLoopback
	case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "wifi"), strings.HasPrefix(name, "ath"):
		return mesh.HardwareWiFi
	case strings.HasPrefix(name, "eth"), strings.HasPrefix(name, "en"):
		return mesh.HardwareEthernet
	case strings.HasPrefix(name, "tun"), strings.HasPrefix(name, "tap"), strings.HasPrefix(name, "utun"), strings.HasPrefix(name, "wg"):
		return mesh.HardwareTunnel
	default:
		return mesh.HardwareOther
	}
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func ipv4FromUint32(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
