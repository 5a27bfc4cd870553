// HTTP/1.1 connection state machine: read headers, body, dispatch, compose
// and stream the response. Grounded on hemi/web_http1_server.go's
// server1Conn/server1Stream pooling and RFC 7230 §6.6 half-close sequence.

package mesh

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/http/httpguts"
)

// ConnState names the stages of the connection state machine. The
// HTTP/1 implementation below drives these transitions with ordinary
// sequential Go control flow (as gorox's server1Conn.serve does); ConnState
// exists for logging/diagnostics and to drive the explicit Send/Wait/Done/
// Abort sub-states a progressive-file response needs.
type ConnState uint8

const (
	StateReadingHeaders ConnState = iota
	StateAuthChallenge
	StateReadingBody
	StateDispatching
	StateSendingHeaders
	StateSendingBody
	StateDone
)

// SendState is SendingBody's sub-state machine for progressive files.
type SendState uint8

const (
	SendActive SendState = iota
	SendWait
	SendDone
	SendAbort
)

// Decompressor maps a Content-Encoding token to a body transform.
type Decompressor func([]byte) ([]byte, error)

func defaultDecompressors() map[string]Decompressor {
	return map[string]Decompressor{
		"gzip": func(b []byte) ([]byte, error) {
			r, err := gzip.NewReader(bytes.NewReader(b))
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return io.ReadAll(r)
		},
		"deflate": func(b []byte) ([]byte, error) {
			r := flate.NewReader(bytes.NewReader(b))
			defer r.Close()
			return io.ReadAll(r)
		},
	}
}

// noBodyMethods is the set of methods that never carry a body to read
// from the wire.
var noBodyMethods = map[string]bool{
	"GET": true, "HEAD": true, "OPTIONS": true, "DELETE": true, "TRACE": true,
}

// HTTPServer is the socket-based HTTP/1.1 server: admission checks, router
// dispatch, response streaming.
type HTTPServer struct {
	Settings Settings
	Router   *Router
	Ban      *BanSet // HTTP-level 4xx-flood ban set
	Auth     *AuthEngine
	Partial  *PartialRegistry
	Logger   Logger

	// OnHeaderParsed may intercept the exchange right after headers are
	// parsed; ok=true means the exchange ends here with the returned status.
	OnHeaderParsed func(ctx *Context) (status int, ok bool)
	// OnBeforeBody may reject the request before its body is read. A
	// returned status of 0 means continue normally, 202 means accept the
	// body but defer full handling to Handler, any other non-zero status
	// ends the exchange immediately.
	OnBeforeBody func(ctx *Context) int
	// Handler is the fallback/main request handler, invoked when the
	// router found no match for ctx's method+URL.
	Handler func(ctx *Context)

	decompressors map[string]Decompressor

	activeConns atomic.Int64
	connSeq     atomic.Int64
}

// NewHTTPServer wires a server around router using settings.
func NewHTTPServer(settings Settings, router *Router, logger Logger) *HTTPServer {
	if logger == nil {
		logger = NoopLogger
	}
	return &HTTPServer{
		Settings:      settings,
		Router:        router,
		Ban:           NewBanSet(4 * time.Second),
		Logger:        logger,
		decompressors: defaultDecompressors(),
		Partial:       NewPartialRegistry(),
	}
}

// ActiveConnections returns the current count of connections being served,
// used for the peer cache's overload check.
func (s *HTTPServer) ActiveConnections() int64 { return s.activeConns.Load() }

// teapotBody is the fixed "teapot and close" response sent to already-
// banned peers.
var teapotBody = []byte("HTTP/1.1 418 I'm a teapot\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")

// ConnSession drives one accepted connection's exchanges one at a time, so
// a caller (WorkerPool) can inspect each exchange's outcome before deciding
// whether to keep driving the connection itself or hand it to another
// worker, instead of being committed to the connection's full lifetime as
// soon as it picks the connection up.
type ConnSession struct {
	s         *HTTPServer
	raw       net.Conn
	br        *bufio.Reader
	bw        *bufio.Writer
	ctx       *Context
	id        int64
	remoteIP  string
	closeSafe bool
}

// BeginConn runs the ban check and per-connection bookkeeping for raw,
// returning a session to drive with Step. ok is false if raw was refused
// (and already closed) by the ban check.
func (s *HTTPServer) BeginConn(raw net.Conn) (cs *ConnSession, ok bool) {
	remoteIP := hostOf(raw.RemoteAddr().String())
	if !s.Settings.Options.NoBanIP && s.Ban.Banned(remoteIP) {
		raw.Write(teapotBody)
		raw.Close()
		return nil, false
	}
	s.activeConns.Add(1)
	return &ConnSession{
		s:         s,
		raw:       raw,
		br:        bufio.NewReader(raw),
		bw:        bufio.NewWriter(raw),
		ctx:       NewContext(),
		id:        s.connSeq.Add(1),
		remoteIP:  remoteIP,
		closeSafe: true,
	}, true
}

// Step runs one request/response exchange. persistent reports whether
// another exchange should follow. promote reports whether this exchange
// left the connection in a state — keep-alive active, or a request body at
// or above Settings.PromoteBodyBytes — that a bounded worker pool should
// not keep occupying a fixed slot for; see WorkerPool.serve.
func (cs *ConnSession) Step() (persistent, promote bool, err error) {
	persistent, safe, err := cs.s.serveOne(cs.raw, cs.br, cs.bw, cs.ctx, cs.id, cs.remoteIP)
	cs.closeSafe = safe
	promote = persistent
	if threshold := cs.s.Settings.PromoteBodyBytes; threshold > 0 && int64(len(cs.ctx.Body)) >= threshold {
		promote = true
	}
	cs.ctx.Reset()
	return persistent, promote, err
}

// Close finalizes the session: RFC 7230 §6.6's half-close-then-pause for an
// unsafe close, then the socket itself, and decrements the active count.
func (cs *ConnSession) Close() {
	cs.s.activeConns.Add(-1)
	if !cs.closeSafe {
		if tc, ok := cs.raw.(*net.TCPConn); ok {
			tc.CloseWrite()
			time.Sleep(time.Second)
		}
	}
	cs.raw.Close()
}

// ServeConn handles one accepted connection end to end: keep-alive loop,
// ban check, parse/dispatch/respond per exchange, and RFC 7230 §6.6 closing.
// It always drives the connection to completion on the calling goroutine;
// WorkerPool uses BeginConn/Step directly instead, so a bounded pool slot
// isn't held for a keep-alive connection's full lifetime.
func (s *HTTPServer) ServeConn(raw net.Conn) {
	cs, ok := s.BeginConn(raw)
	if !ok {
		return
	}
	defer cs.Close()
	for {
		persistent, _, err := cs.Step()
		if err != nil || !persistent {
			return
		}
	}
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// serveOne runs a single request/response exchange on an already-open
// connection. It returns whether the connection should be kept open for
// another exchange and whether it's safe to close immediately (RFC 7230
// §6.6: false means the caller should half-close and pause first).
func (s *HTTPServer) serveOne(raw net.Conn, br *bufio.Reader, bw *bufio.Writer, ctx *Context, connID int64, remoteIP string) (persistent bool, closeSafe bool, err error) {
	if d := s.Settings.HTTPRequestTimeout; d > 0 {
		raw.SetReadDeadline(time.Now().Add(d))
	}

	method, url, httpVersion, lineErr := readRequestLine(br)
	if lineErr != nil {
		if lineErr == io.EOF {
			return false, true, lineErr
		}
		s.respondSimple(bw, "HTTP/1.1", 400, nil)
		s.noteBan(remoteIP, 400)
		return false, true, lineErr
	}
	ctx.Method = method
	ctx.SetURL(url)
	ctx.RemoteIP = remoteIP
	ctx.ConnID = connID
	ctx.HTTP10 = httpVersion == "HTTP/1.0"

	if headerErr := readHeaders(br, ctx.Header, s.Settings.MaxHeaderBytes); headerErr != nil {
		s.respondSimple(bw, "HTTP/1.1", 400, nil)
		s.noteBan(remoteIP, 400)
		return false, true, headerErr
	}

	if realIP := s.realIP(ctx); realIP != "" {
		ctx.RemoteIP = realIP
	}
	if connIDHeader := s.Settings.ConnIDHeader; connIDHeader != "" {
		if v := ctx.Header.Get(connIDHeader); v != "" {
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				ctx.ConnID = n
			}
		}
	}

	httpVer := "HTTP/1.1"
	if ctx.HTTP10 {
		httpVer = "HTTP/1.0"
	}

	// Admission check 2: Content-Length too large.
	contentLength, hasBody, lenErr := requestContentLength(ctx.Header)
	if lenErr != nil {
		s.respondSimple(bw, httpVer, 400, nil)
		s.noteBan(remoteIP, 400)
		return false, true, lenErr
	}
	if contentLength > s.Settings.MaxBodyBytes {
		s.writeStatusOnly(bw, httpVer, 413)
		s.noteBan(remoteIP, 413)
		return false, true, nil
	}
	if te := ctx.Header.Get("Transfer-Encoding"); te != "" {
		s.writeStatusOnly(bw, httpVer, 400)
		s.noteBan(remoteIP, 400)
		return false, true, nil
	}

	// Admission check 3: OnHeaderParsed hook.
	if s.OnHeaderParsed != nil {
		if status, ok := s.OnHeaderParsed(ctx); ok {
			return s.finish(bw, ctx, httpVer, status, remoteIP)
		}
	}

	// Admission check 4: authentication.
	if s.Auth != nil && s.Auth.Mode != AuthNone {
		res := s.Auth.CheckRequest(ctx, connID, method, url)
		if !res.Authorized {
			ctx.Status = res.Status
			return s.finishAuthFailure(bw, ctx, httpVer, res, remoteIP)
		}
		ctx.Authorized = true
		ctx.AuthenticatedUser = res.User
	}

	// Admission check 5: OnBeforeBody hook.
	deferredBody := false
	if s.OnBeforeBody != nil {
		status := s.OnBeforeBody(ctx)
		if status == 202 {
			deferredBody = true
		} else if status != 0 {
			return s.finish(bw, ctx, httpVer, status, remoteIP)
		}
	}

	// Admission check 6: Expect: 100-continue.
	if strings.EqualFold(ctx.Header.Get("Expect"), "100-continue") {
		bw.WriteString(httpVer + " 100 Continue\r\n\r\n")
		bw.Flush()
	}

	_ = deferredBody
	if hasBody && !noBodyMethods[method] {
		body := make([]byte, contentLength)
		if _, rerr := io.ReadFull(br, body); rerr != nil {
			return false, true, rerr
		}
		if enc := ctx.Header.Get("Content-Encoding"); enc != "" {
			if dec, ok := s.decompressors[strings.ToLower(enc)]; ok {
				if decoded, derr := dec(body); derr == nil {
					body = decoded
				}
			}
		}
		ctx.Body = body
	}

	// A panic in a router callback or in Handler is logged and answered with
	// a 500 HTML page, and the connection closes.
	defer func() {
		if rec := recover(); rec != nil {
			s.Logger.Logf("http: handler panic on %s %s: %v\n%s", method, url, rec, debug.Stack())
			ctx.RespSource, ctx.RespContentType, ctx.RespHeaderLines = BodySource{}, "text/html", ctx.RespHeaderLines[:0]
			ctx.RespBody = []byte("<html><body><h1>500 Internal Server Error</h1></body></html>")
			ctx.Header.Set("Connection", "close") // decideKeepAlive reads the request's Connection header
			persistent, closeSafe, err = s.finish(bw, ctx, httpVer, 500, remoteIP)
		}
	}()

	// Dispatch (possibly looping through rewrites).
	status := 0
	for i := 0; i < 32; i++ { // bounded to avoid a pathological rewrite cycle
		ctx.rewritten = false
		status = s.Router.Process(ctx)
		if status != 0 || !ctx.rewritten {
			break
		}
	}
	if status == 0 {
		if s.Handler != nil {
			s.Handler(ctx)
		}
		if ctx.Status == 0 {
			ctx.Status = 404
		}
	} else {
		ctx.Status = status
	}

	return s.finish(bw, ctx, httpVer, ctx.Status, remoteIP)
}

func (s *HTTPServer) finishAuthFailure(bw *bufio.Writer, ctx *Context, httpVer string, res AuthResult, remoteIP string) (bool, bool, error) {
	line := statusLine(httpVer, res.Status)
	bw.WriteString(line)
	if res.Status == 401 && res.Challenge != "" {
		bw.WriteString("WWW-Authenticate: " + res.Challenge + "\r\n")
	}
	s.writeStandardHeaders(bw)
	bw.WriteString("Content-Length: 0\r\n\r\n")
	bw.Flush()
	persistent := res.Status == 401 && !ctx.HTTP10
	if res.Status == 403 {
		persistent = false
	}
	return persistent, true, nil
}

// finish composes and streams the response for ctx and returns whether the
// connection stays open for another exchange.
func (s *HTTPServer) finish(bw *bufio.Writer, ctx *Context, httpVer string, status int, remoteIP string) (bool, bool, error) {
	ctx.Status = status
	keepAlive := s.decideKeepAlive(ctx)
	err := s.writeResponse(bw, ctx, httpVer, keepAlive)
	if err != nil {
		return false, true, err
	}
	s.noteBan(remoteIP, status)
	if status >= 400 && status < 500 && status != 401 && status != 403 {
		keepAlive = false // a 4xx (excluding 401/403) ends the exchange defensively
	}
	return keepAlive, true, nil
}

func (s *HTTPServer) decideKeepAlive(ctx *Context) bool {
	conn := strings.ToLower(ctx.Header.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if ctx.HTTP10 {
		return strings.Contains(conn, "keep-alive")
	}
	return true
}

func (s *HTTPServer) writeStandardHeaders(bw *bufio.Writer) {
	name := s.Settings.ServerName
	if name == "" {
		name = "meshcache"
	}
	bw.WriteString("Server: " + name + "\r\n")
	if s.Settings.PoweredBy != "" {
		bw.WriteString("X-Powered-By: " + s.Settings.PoweredBy + "\r\n")
	}
	if s.Settings.SendDate {
		bw.WriteString("Date: " + time.Now().UTC().Format(http.TimeFormat) + "\r\n")
	}
}

func (s *HTTPServer) respondSimple(bw *bufio.Writer, httpVer string, status int, body []byte) {
	bw.WriteString(statusLine(httpVer, status))
	s.writeStandardHeaders(bw)
	bw.WriteString("Connection: close\r\n")
	bw.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	if len(body) > 0 {
		bw.Write(body)
	}
	bw.Flush()
}

func (s *HTTPServer) writeStatusOnly(bw *bufio.Writer, httpVer string, status int) {
	s.respondSimple(bw, httpVer, status, nil)
}

func (s *HTTPServer) noteBan(remoteIP string, status int) {
	if s.Settings.Options.NoBanIP {
		return
	}
	if status >= 400 && status < 500 && status != 401 && status != 403 {
		s.Ban.Ban(remoteIP)
	}
}

// realIP extracts the client IP from a configurable proxy header, falling
// back to the socket peer address (already set on ctx.RemoteIP).
func (s *HTTPServer) realIP(ctx *Context) string {
	header := s.Settings.ProxyIPHeader
	if header == "" {
		return ""
	}
	v := ctx.Header.Get(header)
	if v == "" {
		return ""
	}
	if idx := strings.IndexByte(v, ','); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSpace(v)
}

// readRequestLine reads and validates "METHOD SP URI SP HTTP/M.m", rejecting
// non-ASCII, control characters, and a missing "HTTP/".
func readRequestLine(br *bufio.Reader) (method, url, version string, err error) {
	line, err := readLine(br)
	if err != nil {
		return "", "", "", err
	}
	if !isASCIIPrintableLine(line) {
		return "", "", "", ErrBadRequestLine
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", ErrBadRequestLine
	}
	method, url, version = parts[0], parts[1], parts[2]
	if !strings.HasPrefix(version, "HTTP/") {
		return "", "", "", ErrBadRequestLine
	}
	dot := strings.IndexByte(version, '.')
	if dot < 0 || dot <= len("HTTP/") {
		return "", "", "", ErrBadRequestLine
	}
	return method, url, version, nil
}

func isASCIIPrintableLine(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// readHeaders reads header lines until a blank line, enforcing a byte cap
// and validating field names/values via golang.org/x/net/http/httpguts.
func readHeaders(br *bufio.Reader, into http.Header, maxBytes int) error {
	total := 0
	for {
		line, err := readLine(br)
		if err != nil {
			return err
		}
		total += len(line) + 2
		if maxBytes > 0 && total > maxBytes {
			return ErrHeaderTooLarge
		}
		if line == "" {
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return ErrBadHeaderLine
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return ErrBadHeaderLine
		}
		into.Add(name, value)
	}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func requestContentLength(h http.Header) (int64, bool, error) {
	v := h.Get("Content-Length")
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("mesh: invalid Content-Length")
	}
	return n, true, nil
}
