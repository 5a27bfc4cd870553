// Router owns one radix tree per HTTP method and performs lookup, rewrite,
// or callback dispatch.

package mesh

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler is a router callback. It returns the HTTP status to report; the
// context carries request/response state and the opaque pointer supplied at
// registration time.
type Handler func(ctx *Context) int

type ruleKind uint8

const (
	ruleNone ruleKind = iota
	ruleRewrite
	ruleCallback
)

// rewritePart is one (literal-offset, literal-length, capture-index)
// triple. captureIndex is -1 when the part is pure literal text.
type rewritePart struct {
	litOffset, litLen int
	captureIndex      int
}

type rewriteRule struct {
	template  string
	parts     []rewritePart
	staticLen int
	method    string // "" means unchanged
	status    int    // 0 means "rewrite"; 200-599 means "return this status verbatim"
}

type callbackRule struct {
	handler Handler
	opaque  any
}

type routeRule struct {
	kind       ruleKind
	rewrite    *rewriteRule
	callback   *callbackRule
	paramNames []string
	pattern    string // for conflict diagnostics and Routes()
}

// Method enumerates the HTTP methods the router indexes.
type Method uint8

const (
	MethodGET Method = iota
	MethodPOST
	MethodPUT
	MethodDELETE
	MethodOPTIONS
	MethodHEAD
	MethodPATCH
	methodCount
)

func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodPOST:
		return "POST"
	case MethodPUT:
		return "PUT"
	case MethodDELETE:
		return "DELETE"
	case MethodOPTIONS:
		return "OPTIONS"
	case MethodHEAD:
		return "HEAD"
	case MethodPATCH:
		return "PATCH"
	default:
		return ""
	}
}

// ParseMethod maps a wire method token to a Method, ok=false if unrecognized.
func ParseMethod(s string) (Method, bool) {
	switch s {
	case "GET":
		return MethodGET, true
	case "POST":
		return MethodPOST, true
	case "PUT":
		return MethodPUT, true
	case "DELETE":
		return MethodDELETE, true
	case "OPTIONS":
		return MethodOPTIONS, true
	case "HEAD":
		return MethodHEAD, true
	case "PATCH":
		return MethodPATCH, true
	default:
		return 0, false
	}
}

// Router holds one tree per method plus a per-method counter field, which
// registration does not update.
// Lookups take the read lock; registration takes the write lock, grounded on
// gorox's single-writer/multi-reader component pattern.
type Router struct {
	mu      sync.RWMutex
	trees   [methodCount]*node
	counter [methodCount]atomic.Int64
}

// NewRouter builds an empty Router with one tree per method.
func NewRouter() *Router {
	r := &Router{}
	for i := range r.trees {
		r.trees[i] = newRoot()
	}
	return r
}

// Destination status literal: a 3-digit numeric destination means "return
// this status, do not rewrite".
func parseLiteralStatus(dest string) (int, bool) {
	if len(dest) != 3 {
		return 0, false
	}
	n, err := strconv.Atoi(dest)
	if err != nil || n < 200 || n > 599 {
		return 0, false
	}
	return n, true
}

// compileRewrite parses a destination template against the capture names
// discovered in the source pattern, producing the ordered literal/capture
// parts used to expand it at request time.
func compileRewrite(dest string, method string, paramNames []string) (*rewriteRule, error) {
	if status, ok := parseLiteralStatus(dest); ok {
		return &rewriteRule{template: dest, status: status, method: method}, nil
	}
	index := make(map[string]int, len(paramNames))
	for i, name := range paramNames {
		index[name] = i
	}
	rr := &rewriteRule{template: dest, method: method}
	rest := dest
	offset := 0
	for rest != "" {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			rr.parts = append(rr.parts, rewritePart{litOffset: offset, litLen: len(rest), captureIndex: -1})
			rr.staticLen += len(rest)
			break
		}
		if start > 0 {
			rr.parts = append(rr.parts, rewritePart{litOffset: offset, litLen: start, captureIndex: -1})
			rr.staticLen += start
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			return nil, ErrBadPattern
		}
		end += start
		name := rest[start+1 : end]
		ci, ok := index[name]
		if !ok {
			return nil, ErrUnknownCapture
		}
		rr.parts = append(rr.parts, rewritePart{litOffset: 0, litLen: 0, captureIndex: ci})
		consumed := end + 1
		offset += consumed
		rest = rest[consumed:]
	}
	return rr, nil
}

// sameRule reports whether two rules describe the identical action, for
// the idempotent-registration check.
func sameRule(a, b *routeRule) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case ruleRewrite:
		return a.rewrite.template == b.rewrite.template && a.rewrite.method == b.rewrite.method
	case ruleCallback:
		return a.callback.handler == nil && b.callback.handler == nil || samePointer(a.callback, b.callback)
	default:
		return true
	}
}

func samePointer(a, b *callbackRule) bool {
	// Handler funcs aren't comparable; treat distinct callback registrations
	// for the same pattern as a conflict unless it's literally the same
	// *callbackRule (re-registration of an already-registered route).
	return a == b
}

// Register installs a rewrite rule: requests matching pattern under method
// are rewritten to dest (or, if dest is a bare 3-digit status, answered with
// that status verbatim).
func (r *Router) Register(method Method, pattern, dest string) error {
	root := r.trees[method]
	r.mu.Lock()
	defer r.mu.Unlock()
	term, names, err := insertPattern(root, pattern)
	if err != nil {
		return err
	}
	rr, err := compileRewrite(dest, "", names)
	if err != nil {
		return err
	}
	rule := &routeRule{kind: ruleRewrite, rewrite: rr, paramNames: names, pattern: pattern}
	return attachRule(term, rule)
}

// RegisterRewriteMethod is like Register but also rewrites the method.
func (r *Router) RegisterRewriteMethod(method Method, pattern, dest string, newMethod Method) error {
	root := r.trees[method]
	r.mu.Lock()
	defer r.mu.Unlock()
	term, names, err := insertPattern(root, pattern)
	if err != nil {
		return err
	}
	rr, err := compileRewrite(dest, newMethod.String(), names)
	if err != nil {
		return err
	}
	rule := &routeRule{kind: ruleRewrite, rewrite: rr, paramNames: names, pattern: pattern}
	return attachRule(term, rule)
}

// Run registers a callback for pattern under method, surfacing opaque back
// to the handler via the Context.
func (r *Router) Run(method Method, pattern string, handler Handler, opaque any) error {
	root := r.trees[method]
	r.mu.Lock()
	defer r.mu.Unlock()
	term, names, err := insertPattern(root, pattern)
	if err != nil {
		return err
	}
	rule := &routeRule{
		kind:       ruleCallback,
		callback:   &callbackRule{handler: handler, opaque: opaque},
		paramNames: names,
		pattern:    pattern,
	}
	return attachRule(term, rule)
}

func attachRule(term *node, rule *routeRule) error {
	if term.rule == nil {
		term.rule = rule
		return nil
	}
	if sameRule(term.rule, rule) {
		return nil // idempotent
	}
	return ErrRouteConflict
}

// Process looks up ctx's method+URL path against the matching tree.
//
//   - 0 means no route matched; the caller should fall through to its
//     default handler.
//   - 0 < status < 1000 means a callback ran, or a rewrite produced a
//     literal status; report that status.
//   - After a rewrite that changes method/url, Process mutates ctx and
//     returns 0 so the caller re-enters dispatch with the new values.
func (r *Router) Process(ctx *Context) int {
	method, ok := ParseMethod(ctx.Method)
	if !ok {
		return 0
	}
	root := r.trees[method]
	r.mu.RLock()
	ctx.captures = ctx.captures[:0]
	match := root.lookup(ctx.urlPath(), 0, &ctx.captures)
	r.mu.RUnlock()
	if match == nil || match.rule == nil {
		return 0
	}
	ctx.matchedNode = match
	rule := match.rule
	switch rule.kind {
	case ruleCallback:
		ctx.opaque = rule.callback.opaque
		return rule.callback.handler(ctx)
	case ruleRewrite:
		return ctx.applyRewrite(rule.rewrite)
	default:
		return 0
	}
}

// Routes returns every registered pattern for method, for debugging/tests.
// Grounded on gorox's DebugLevel()-gated introspection idiom.
func (r *Router) Routes(method Method) []string {
	root := r.trees[method]
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	collectRoutes(root, "", &out)
	return out
}

func collectRoutes(n *node, prefix string, out *[]string) {
	path := prefix
	if n.kind == nodeParam {
		path = prefix + "<" + n.param.String() + ":" + n.name + ">"
	} else {
		path = prefix + n.prefix
	}
	if n.rule != nil {
		*out = append(*out, path)
	}
	for _, c := range n.children {
		collectRoutes(c, path, out)
	}
	if n.pString != nil {
		collectRoutes(n.pString, path, out)
	}
	if n.pInt != nil {
		collectRoutes(n.pInt, path, out)
	}
	if n.pPath != nil {
		collectRoutes(n.pPath, path, out)
	}
}
