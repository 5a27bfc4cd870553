// Context is per-request mutable state: inputs, outputs, route captures,
// and auth state. It is pooled and must be Reset between uses.

package mesh

import (
	"net/http"
	"strconv"
	"strings"
)

// Context carries one request/response exchange through the router and the
// HTTP connection state machine.
type Context struct {
	// Inputs
	Method   string
	Header   http.Header
	Body     []byte
	RemoteIP string
	ConnID   int64
	HTTP10   bool
	TLS      bool
	Upgrade  bool

	// Auth state
	Authorized        bool
	AuthenticatedUser string
	BearerToken       string

	// Outputs
	Status          int
	RespBody        []byte
	RespSource      BodySource
	RespContentType string
	RespHeaderLines []string // raw "Name: value" lines, written to the response as given
	ErrMessage      string

	url         string
	pathLen     int
	hasQuery    bool
	queryString string

	captures    []capture
	matchedNode *node
	opaque      any
	rewritten   bool
}

// NewContext returns a zeroed, ready-to-use Context.
func NewContext() *Context {
	ctx := &Context{Header: make(http.Header, 8)}
	return ctx
}

// Reset clears ctx for reuse, amortizing the allocation of its backing
// slices/maps the way gorox recycles server1Stream/Request/Response.
func (ctx *Context) Reset() {
	ctx.Method = ""
	for k := range ctx.Header {
		delete(ctx.Header, k)
	}
	ctx.Body = nil
	ctx.RemoteIP = ""
	ctx.ConnID = 0
	ctx.HTTP10 = false
	ctx.TLS = false
	ctx.Upgrade = false

	ctx.Authorized = false
	ctx.AuthenticatedUser = ""
	ctx.BearerToken = ""

	ctx.Status = 0
	ctx.RespBody = nil
	ctx.RespSource = BodySource{}
	ctx.RespContentType = ""
	ctx.RespHeaderLines = ctx.RespHeaderLines[:0]
	ctx.ErrMessage = ""

	ctx.url = ""
	ctx.pathLen = 0
	ctx.hasQuery = false
	ctx.queryString = ""

	ctx.captures = ctx.captures[:0]
	ctx.matchedNode = nil
	ctx.opaque = nil
	ctx.rewritten = false
}

// SetURL installs the raw request-target (path possibly followed by
// "?query") and splits out the query string; routing itself only ever
// sees the path.
func (ctx *Context) SetURL(raw string) {
	ctx.url = raw
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		ctx.hasQuery = true
		ctx.pathLen = idx
		ctx.queryString = raw[idx+1:]
	} else {
		ctx.hasQuery = false
		ctx.pathLen = len(raw)
		ctx.queryString = ""
	}
}

// URL returns the full raw request-target, including any query string.
func (ctx *Context) URL() string { return ctx.url }

// urlPath returns only the path portion, which is all the router ever sees.
func (ctx *Context) urlPath() string { return ctx.url[:ctx.pathLen] }

// HasQuery reports whether the URL carried a '?'.
func (ctx *Context) HasQuery() bool { return ctx.hasQuery }

// QueryString returns the raw text after '?', empty if there was none.
func (ctx *Context) QueryString() string { return ctx.queryString }

// Opaque returns the opaque pointer stashed at Router.Run registration time.
func (ctx *Context) Opaque() any { return ctx.opaque }

// Param returns the captured value for name, ok=false if no such capture.
func (ctx *Context) Param(name string) (string, bool) {
	for _, c := range ctx.captures {
		if c.name == name {
			return ctx.url[c.offset : c.offset+c.length], true
		}
	}
	return "", false
}

// ParamInt parses a captured value as a base-10 integer. It is meant for
// <int:name> captures, which are guaranteed all-digit by the tree matcher.
func (ctx *Context) ParamInt(name string) (int64, bool) {
	v, ok := ctx.Param(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

// ParamNames returns the names of every capture made during the last
// successful Process call, in match order.
func (ctx *Context) ParamNames() []string {
	names := make([]string, len(ctx.captures))
	for i, c := range ctx.captures {
		names[i] = c.name
	}
	return names
}

// applyRewrite applies a matched rewrite rule: a literal-status rule
// answers immediately with that status; otherwise the destination
// template is expanded against the just-matched captures and installed as
// ctx's new method/URL, and Process returns 0 so dispatch restarts.
func (ctx *Context) applyRewrite(rule *rewriteRule) int {
	if rule.status != 0 {
		return rule.status
	}
	total := rule.staticLen
	for _, part := range rule.parts {
		if part.captureIndex >= 0 {
			total += ctx.captures[part.captureIndex].length
		}
	}
	buf := make([]byte, 0, total)
	for _, part := range rule.parts {
		if part.captureIndex >= 0 {
			c := ctx.captures[part.captureIndex]
			buf = append(buf, ctx.url[c.offset:c.offset+c.length]...)
		} else {
			buf = append(buf, rule.template[part.litOffset:part.litOffset+part.litLen]...)
		}
	}
	ctx.SetURL(string(buf))
	if rule.method != "" {
		ctx.Method = rule.method
	}
	ctx.rewritten = true
	return 0
}
