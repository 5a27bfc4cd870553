// Peer cache coordinator (C10): local file cache lookups, peer broadcast
// and download orchestration, and the HTTP server integration hooks.
// Grounded on hexinfra-gorox's hemi/web_static.go for the local file-
// serving half and munonun-Web4's internal/peer candidate-try loop for
// the ranked-peer retry shape.

package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Hasher constructs a hash.Hash for one HashAlgo.
type Hasher func() hash.Hash

// DefaultHashers is the built-in hash-algorithm registry a coordinator
// consults to check whether it knows how to verify a given hash.
func DefaultHashers() map[HashAlgo]Hasher {
	return map[HashAlgo]Hasher{
		HashSHA256: sha256.New,
	}
}

// DownloadRequest describes a file-by-hash fetch passed to OnDownload.
type DownloadRequest struct {
	Hash         HashRecord
	ExpectedSize int64 // 0 if unknown
	RangeStart   int64
	RangeEnd     int64 // inclusive, 0 means "to EOF"
	HasRange     bool
	Output       io.Writer
}

// DownloadResult is OnDownload's outcome. Status 0 means no local or peer
// copy was found; the caller should fall back to origin.
type DownloadResult struct {
	Status       int
	BytesWritten int64
}

// lastPeerState remembers the most recently successful peer connection,
// lock-protected to avoid concurrent reuse of a single TCP connection.
type lastPeerState struct {
	mu   sync.Mutex
	addr string
	uuid [16]byte
}

// CacheCoordinator ties together local cache lookups, peer broadcast
// download orchestration, cache maintenance, and the HTTP server's
// integration hooks.
type CacheCoordinator struct {
	Settings  Settings
	Partial   *PartialRegistry
	Crypt     *PeerCrypt
	Discovery *DiscoveryServer
	Hashers   map[HashAlgo]Hasher
	Logger    Logger
	SelfUUID  [16]byte
	SelfIPv4  uint32

	// ActiveConnections reports the HTTP server's current connection
	// count, used by the discovery server's overload check.
	ActiveConnections func() int64

	filesMu  sync.Mutex // "files" lock: serializes cache-file mutations
	lastPeer lastPeerState

	lastTempPurge atomic.Int64
}

// NewCacheCoordinator wires a coordinator around settings.
func NewCacheCoordinator(settings Settings, logger Logger) *CacheCoordinator {
	if logger == nil {
		logger = NoopLogger
	}
	return &CacheCoordinator{
		Settings: settings,
		Partial:  NewPartialRegistry(),
		Hashers:  DefaultHashers(),
		Logger:   logger,
		SelfUUID: settings.SelfUUID,
	}
}

// Overloaded implements CacheLookup for the discovery server.
func (cc *CacheCoordinator) Overloaded() bool {
	if cc.ActiveConnections == nil || cc.Settings.MaxActiveConnections <= 0 {
		return false
	}
	return cc.ActiveConnections() > int64(cc.Settings.MaxActiveConnections)
}

// Lookup implements CacheLookup: local availability of a hash key built
// by hashKey(HashRecord).
func (cc *CacheCoordinator) Lookup(key string) (size int64, full bool, partial bool) {
	if len(key) < 1 {
		return 0, false, false
	}
	algo := HashAlgo(key[0])
	digest := []byte(key[1:])
	filename := CacheFilename(algo, digest)
	if _, sz, ok := statCachedFile(cc.Settings.PermPath, cc.Settings.TempPath, filename, cc.Settings.Options.SubFolders); ok {
		return sz, true, false
	}
	hashStr := hex.EncodeToString(digest)
	if path, _, ok := cc.Partial.Find(hashStr); ok {
		if info, err := os.Stat(path); err == nil {
			return info.Size(), false, true
		}
	}
	return 0, false, false
}

// OnDownload resolves a download request: local cache, then last-peer
// shortcut, then a broadcast-ranked peer retry loop, falling back to
// origin if nothing local or peer-side has the file.
func (cc *CacheCoordinator) OnDownload(req DownloadRequest) (DownloadResult, error) {
	if req.Hash.Algo == HashNone || len(req.Hash.Digest) == 0 {
		return DownloadResult{}, ErrNoHash
	}
	if _, ok := cc.Hashers[req.Hash.Algo]; !ok {
		return DownloadResult{}, ErrUnknownHash
	}
	if req.Output == nil {
		return DownloadResult{}, ErrNoOutput
	}

	filename := CacheFilename(req.Hash.Algo, req.Hash.Digest)

	// Local hit: stream straight from disk.
	if path, size, ok := statCachedFile(cc.Settings.PermPath, cc.Settings.TempPath, filename, cc.Settings.Options.SubFolders); ok {
		n, status, err := cc.streamLocalFile(path, size, req)
		if err != nil {
			return DownloadResult{}, err
		}
		return DownloadResult{Status: status, BytesWritten: n}, nil
	}

	// Below the configured minimum size, caching it isn't worth the cost.
	if req.ExpectedSize > 0 && req.ExpectedSize < cc.Settings.CacheTempMinBytes {
		return DownloadResult{}, nil // caller falls back to origin
	}

	// Try the last peer that served us successfully before broadcasting.
	if cc.Settings.Options.TryLastPeer {
		if result, ok := cc.tryLastPeer(req); ok {
			return result, nil
		}
	}

	// Broadcast for the hash and retry down the ranked response list.
	if cc.Discovery != nil {
		hashStr := hex.EncodeToString(req.Hash.Digest)
		responses := cc.Discovery.Broadcast(hashStr, req.Hash)
		tries := cc.Settings.TryAllPeersCount
		if tries < 1 {
			tries = 1
		}
		for i, resp := range responses {
			if i >= tries {
				break
			}
			if resp.Kind == KindResponseNone || resp.Kind == KindResponseOverloaded {
				continue
			}
			result, err := cc.fetchFromPeer(resp.SenderAddr, resp.SenderUUID, req)
			if err == nil {
				cc.lastPeer.mu.Lock()
				cc.lastPeer.addr = resp.SenderAddr.String()
				cc.lastPeer.uuid = resp.SenderUUID
				cc.lastPeer.mu.Unlock()
				return result, nil
			}
		}
	}

	// Nothing local or peer-side has the file.
	return DownloadResult{}, nil
}

func (cc *CacheCoordinator) streamLocalFile(path string, size int64, req DownloadRequest) (int64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	touchModTime(path)

	if !req.HasRange {
		n, err := io.Copy(req.Output, f)
		if err != nil {
			return n, 0, err
		}
		return n, 200, nil
	}
	end := req.RangeEnd
	if end == 0 || end >= size {
		end = size - 1
	}
	if _, err := f.Seek(req.RangeStart, io.SeekStart); err != nil {
		return 0, 0, err
	}
	n, err := io.CopyN(req.Output, f, end-req.RangeStart+1)
	if err != nil && err != io.EOF {
		return n, 0, err
	}
	return n, 206, nil
}

func touchModTime(path string) {
	now := time.Now()
	os.Chtimes(path, now, now)
}

func (cc *CacheCoordinator) tryLastPeer(req DownloadRequest) (DownloadResult, bool) {
	cc.lastPeer.mu.Lock()
	addr := cc.lastPeer.addr
	uuid := cc.lastPeer.uuid
	cc.lastPeer.mu.Unlock()
	if addr == "" {
		return DownloadResult{}, false
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return DownloadResult{}, false
	}
	result, err := cc.fetchFromPeer(udpAddr, uuid, req)
	if err != nil {
		return DownloadResult{}, false
	}
	return result, true
}

// fetchFromPeer performs a single peer-to-peer HTTP GET, authenticated by
// a request-bearer frame, writing the response through to a local partial
// file as it streams so the download is registered with cc.Partial (and
// therefore visible to a third peer's own fetch) and stored into the temp
// cache store through OnDownloaded on completion.
func (cc *CacheCoordinator) fetchFromPeer(peerAddr *net.UDPAddr, peerUUID [16]byte, req DownloadRequest) (DownloadResult, error) {
	bearerMsg := &Message{
		Kind:       KindRequestBearer,
		Seq:        cc.Crypt.NextSeq(),
		SenderUUID: peerUUID,
		DestIPv4:   ip4ToUint32(peerAddr.IP),
		Hash:       req.Hash,
		FileSize:   uint64(req.ExpectedSize),
		RangeStart: uint64(req.RangeStart),
		RangeEnd:   uint64(req.RangeEnd),
	}
	token, err := cc.Crypt.EncodeBearer(bearerMsg)
	if err != nil {
		return DownloadResult{}, err
	}

	url := fmt.Sprintf("http://%s:%d/peer/fetch", peerAddr.IP.String(), cc.Settings.TCPPort)
	httpReq, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return DownloadResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.HasRange {
		if req.RangeEnd > 0 {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.RangeStart, req.RangeEnd))
		} else {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.RangeStart))
		}
	}

	hashStr := hex.EncodeToString(req.Hash.Digest)
	partialPath := filepath.Join(cc.Settings.TempPath, hashStr+".part")
	partialFile, err := os.Create(partialPath)
	if err != nil {
		return DownloadResult{}, err
	}
	partialID := cc.Partial.Add(partialPath, req.ExpectedSize, hashStr)
	abort := func() {
		partialFile.Close()
		cc.Partial.Remove(partialID)
		os.Remove(partialPath)
	}

	client := &http.Client{Timeout: cc.Settings.HTTPRequestTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		abort()
		return DownloadResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 && resp.StatusCode != 206 {
		abort()
		return DownloadResult{}, fmt.Errorf("mesh: peer responded with status %d", resp.StatusCode)
	}

	n, err := io.Copy(io.MultiWriter(req.Output, partialFile), resp.Body)
	if err != nil {
		abort()
		return DownloadResult{}, err
	}
	if err := partialFile.Close(); err != nil {
		cc.Partial.Remove(partialID)
		os.Remove(partialPath)
		return DownloadResult{}, err
	}

	if derr := cc.OnDownloaded(partialPath, n, req.Hash, partialID); derr != nil {
		cc.Logger.Logf("cache: failed to promote peer download for %s: %v", hashStr, derr)
	}

	return DownloadResult{Status: resp.StatusCode, BytesWritten: n}, nil
}

func ip4ToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

// OnDownloaded promotes a finished partial download into its final cache
// location, applying the minimum-size and size-cap checks along the way.
func (cc *CacheCoordinator) OnDownloaded(partialPath string, expectedSize int64, h HashRecord, partialID int64) error {
	cc.filesMu.Lock()
	defer cc.filesMu.Unlock()

	minBytes := cc.Settings.CacheTempMinBytes
	if expectedSize > 0 && expectedSize < minBytes {
		return ErrBelowMinSize
	}

	filename := CacheFilename(h.Algo, h.Digest)
	finalPath := cachePath(cc.Settings.TempPath, filename, cc.Settings.Options.SubFolders)

	if info, err := os.Stat(finalPath); err == nil {
		if info.Size() == expectedSize || expectedSize == 0 {
			return nil // already present with matching size: skip
		}
		cc.Logger.Logf("cache: size mismatch for %s, keeping existing file", filename)
		return ErrSizeMismatch
	}

	if cc.Settings.CacheTempMaxMB > 0 {
		capBytes := int64(cc.Settings.CacheTempMaxMB) << 20
		info, err := os.Stat(partialPath)
		if err == nil {
			if info.Size() > capBytes {
				os.Remove(partialPath)
				return nil // alone exceeds the cap: drop
			}
			purgeOldestUntilUnderCap(cc.Settings.TempPath, capBytes, info.Size())
		}
	}

	if err := ensureDir(finalPath); err != nil {
		return err
	}
	if err := copyFile(partialPath, finalPath); err != nil {
		return err
	}
	touchModTime(finalPath)

	if partialID != 0 {
		cc.Partial.ChangeFile(partialID, finalPath)
		cc.Partial.Remove(partialID)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// OnDownloadFailed deletes the (possibly corrupted) local file.
func (cc *CacheCoordinator) OnDownloadFailed(localPath string) error {
	cc.filesMu.Lock()
	defer cc.filesMu.Unlock()
	return os.Remove(localPath)
}

// OnIdle runs periodic housekeeping: UDP ban rotation every tick, and a
// temp-directory TTL sweep once per configured window.
func (cc *CacheCoordinator) OnIdle() {
	if cc.Discovery != nil {
		cc.Discovery.Ban.Rotate()
	}
	if cc.Settings.CacheTempMaxMinutes <= 0 {
		return
	}
	now := time.Now().Unix()
	windowSeconds := int64(cc.Settings.CacheTempMaxMinutes) * 60
	last := cc.lastTempPurge.Load()
	if now-last < windowSeconds {
		return
	}
	cc.lastTempPurge.Store(now)
	cc.purgeExpiredTemp(windowSeconds)
}

func (cc *CacheCoordinator) purgeExpiredTemp(ttlSeconds int64) {
	cc.filesMu.Lock()
	defer cc.filesMu.Unlock()
	cutoff := time.Now().Unix() - ttlSeconds
	filepath.WalkDir(cc.Settings.TempPath, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		if info.ModTime().Unix() < cutoff {
			os.Remove(path)
		}
		return nil
	})
}

// OnBeforeBody validates an inbound peer/direct request before its body
// is read.
func (cc *CacheCoordinator) OnBeforeBody(ctx *Context) int {
	if ctx.Method != "GET" {
		return 405
	}
	if ctx.URL() == "" {
		return 400
	}
	bearer := bearerToken(ctx)
	if bearer == "" {
		return 401
	}
	path := ctx.urlPath()
	if strings.HasPrefix(path, "/http/") || strings.HasPrefix(path, "/https/") {
		if !cc.Settings.Options.HTTPDirect {
			return 404
		}
		if ctx.RemoteIP != "127.0.0.1" && ctx.RemoteIP != "::1" {
			return 403
		}
		msg, err := cc.Crypt.DecodeDirectBearer(bearer, ctx.URL())
		if err != nil {
			return 403
		}
		if msg.Opaque != Crc63c(ctx.URL()) {
			return 403
		}
		ctx.opaque = msg
		return 0
	}
	msg, err := cc.Crypt.DecodeBearer(bearer, KindRequestBearer)
	if err != nil {
		return 403
	}
	if msg.DestIPv4 != 0 && msg.DestIPv4 != cc.SelfIPv4 {
		return 403
	}
	if msg.SenderUUID != [16]byte{} && msg.SenderUUID != cc.SelfUUID {
		return 403
	}
	ctx.opaque = msg
	return 0
}

func bearerToken(ctx *Context) string {
	const prefix = "Bearer "
	h := ctx.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return h[len(prefix):]
}

// OnRequest answers a validated peer/direct request.
func (cc *CacheCoordinator) OnRequest(ctx *Context) {
	msg, ok := ctx.opaque.(*Message)
	if !ok {
		ctx.Status = 400
		return
	}
	filename := CacheFilename(msg.Hash.Algo, msg.Hash.Digest)
	if path, _, ok := statCachedFile(cc.Settings.PermPath, cc.Settings.TempPath, filename, cc.Settings.Options.SubFolders); ok {
		ctx.Status = 200
		ctx.RespSource = BodySource{Kind: BodyStaticFile, FilePath: path}
		return
	}
	hashStr := hex.EncodeToString(msg.Hash.Digest)
	if path, id, ok := cc.Partial.Find(hashStr); ok {
		expected, _ := cc.Partial.ExpectedSize(id)
		ctx.Status = 200
		ctx.RespSource = BodySource{
			Kind:             BodyProgressiveFile,
			FilePath:         path,
			ExpectedFullSize: expected,
			PartialID:        id,
		}
		return
	}
	ctx.Status = 204 // peer has no local or partial copy of this hash
}
