// Radix URI tree: one tree per HTTP method, prefix-compressed at the byte
// level with typed parameter children hanging off any node.

package mesh

import "strings"

// ParamKind tags how a path placeholder is matched.
type ParamKind uint8

const (
	ParamString ParamKind = iota // default: matches up to the next '/'
	ParamInt                     // matches up to the next '/', all digits
	ParamPath                    // matches the remainder of the URL, slashes included
)

func (k ParamKind) String() string {
	switch k {
	case ParamInt:
		return "int"
	case ParamPath:
		return "path"
	default:
		return "string"
	}
}

type nodeKind uint8

const (
	nodeLiteral nodeKind = iota
	nodeParam
)

// node is one radix-tree node. A node is never both a rewrite and a callback
// rule; the zero value (rule == nil) is a pure pass-through.
type node struct {
	kind   nodeKind
	prefix string // edge label from the parent; only meaningful when kind == nodeLiteral
	name   string // capture name; only meaningful when kind == nodeParam
	param  ParamKind

	children []*node // static children, reached by matching a literal prefix
	pString  *node   // parameter child of kind ParamString
	pInt     *node   // parameter child of kind ParamInt
	pPath    *node   // parameter child of kind ParamPath

	rule *routeRule
}

// capture is one matched placeholder: a byte range into the request URL.
type capture struct {
	name   string
	offset int
	length int
}

func newRoot() *node { return &node{kind: nodeLiteral} }

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// insertLiteral walks/splits n's static children to make room for lit,
// returning the node that now terminates exactly at the end of lit.
func (n *node) insertLiteral(lit string) *node {
	if lit == "" {
		return n
	}
	for _, child := range n.children {
		if child.prefix[0] != lit[0] {
			continue
		}
		cp := commonPrefixLen(child.prefix, lit)
		if cp == len(child.prefix) {
			return child.insertLiteral(lit[cp:])
		}
		// Split child at cp: the existing suffix becomes a grandchild.
		tail := &node{
			kind:     nodeLiteral,
			prefix:   child.prefix[cp:],
			children: child.children,
			pString:  child.pString,
			pInt:     child.pInt,
			pPath:    child.pPath,
			rule:     child.rule,
		}
		child.prefix = child.prefix[:cp]
		child.children = []*node{tail}
		child.pString, child.pInt, child.pPath = nil, nil, nil
		child.rule = nil
		if cp == len(lit) {
			return child
		}
		next := &node{kind: nodeLiteral, prefix: lit[cp:]}
		child.children = append(child.children, next)
		return next
	}
	next := &node{kind: nodeLiteral, prefix: lit}
	n.children = append(n.children, next)
	return next
}

// placeholder describes one `<name>` or `<type:name>` token parsed out of a
// registration pattern.
type placeholder struct {
	kind ParamKind
	name string
}

// parsePlaceholder parses the token starting at s[0]=='<' and returns the
// placeholder plus the number of bytes consumed (including the brackets).
func parsePlaceholder(s string) (placeholder, int, error) {
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return placeholder{}, 0, ErrBadPattern
	}
	inner := s[1:end]
	kind := ParamString
	name := inner
	if idx := strings.IndexByte(inner, ':'); idx >= 0 {
		typeName, rest := inner[:idx], inner[idx+1:]
		switch typeName {
		case "string":
			kind = ParamString
		case "int":
			kind = ParamInt
		case "path":
			kind = ParamPath
		default:
			return placeholder{}, 0, ErrBadPattern
		}
		name = rest
	}
	if name == "" {
		return placeholder{}, 0, ErrBadPattern
	}
	return placeholder{kind: kind, name: name}, end + 1, nil
}

// paramChild returns (creating if necessary) n's parameter child of kind k
// named name, erroring if that kind's slot is already occupied under a
// different name.
func (n *node) paramChild(k ParamKind, name string) (*node, error) {
	slot := n.slotFor(k)
	if *slot == nil {
		*slot = &node{kind: nodeParam, name: name, param: k}
	} else if (*slot).name != name {
		return nil, ErrBadPattern
	}
	return *slot, nil
}

func (n *node) slotFor(k ParamKind) **node {
	switch k {
	case ParamInt:
		return &n.pInt
	case ParamPath:
		return &n.pPath
	default:
		return &n.pString
	}
}

// insertPattern normalizes "*" to "<path:path>" and walks pattern, creating
// nodes as needed. It returns the terminal node and the ordered list of
// capture names encountered along the way.
func insertPattern(root *node, pattern string) (*node, []string, error) {
	if pattern == "*" {
		pattern = "<path:path>"
	}
	cur := root
	var names []string
	seen := make(map[string]bool)
	rest := pattern
	for rest != "" {
		if rest[0] == '<' {
			ph, n, err := parsePlaceholder(rest)
			if err != nil {
				return nil, nil, err
			}
			if seen[ph.name] {
				return nil, nil, ErrDuplicateCapture
			}
			seen[ph.name] = true
			child, err := cur.paramChild(ph.kind, ph.name)
			if err != nil {
				return nil, nil, err
			}
			cur = child
			names = append(names, ph.name)
			rest = rest[n:]
			if ph.kind == ParamPath && rest != "" {
				return nil, nil, ErrBadPattern // path capture must be the final segment
			}
			continue
		}
		end := strings.IndexByte(rest, '<')
		var lit string
		if end < 0 {
			lit, rest = rest, ""
		} else {
			lit, rest = rest[:end], rest[end:]
		}
		cur = cur.insertLiteral(lit)
	}
	return cur, names, nil
}

// lookup performs recursive-descent matching of path against the subtree
// rooted at n, appending captures as parameter children are taken. Static
// children are tried before any parameter child (static always wins); among
// parameters, string is tried before int before path, and only when both
// would otherwise match.
func (n *node) lookup(path string, baseOffset int, caps *[]capture) *node {
	if path == "" {
		if n.rule != nil {
			return n
		}
		return nil
	}
	for _, child := range n.children {
		p := child.prefix
		if len(path) >= len(p) && path[:len(p)] == p {
			if found := child.lookup(path[len(p):], baseOffset+len(p), caps); found != nil {
				return found
			}
		}
	}
	// Parameter children: string, then int, then path.
	if n.pString != nil {
		seg, remainder := splitSegment(path)
		if seg != "" {
			*caps = append(*caps, capture{name: n.pString.name, offset: baseOffset, length: len(seg)})
			idx := len(*caps) - 1
			if found := n.pString.lookup(remainder, baseOffset+len(seg), caps); found != nil {
				return found
			}
			*caps = (*caps)[:idx]
		}
	}
	if n.pInt != nil {
		seg, remainder := splitSegment(path)
		if seg != "" && isAllDigits(seg) {
			*caps = append(*caps, capture{name: n.pInt.name, offset: baseOffset, length: len(seg)})
			idx := len(*caps) - 1
			if found := n.pInt.lookup(remainder, baseOffset+len(seg), caps); found != nil {
				return found
			}
			*caps = (*caps)[:idx]
		}
	}
	if n.pPath != nil && path != "" {
		*caps = append(*caps, capture{name: n.pPath.name, offset: baseOffset, length: len(path)})
		if n.pPath.rule != nil {
			return n.pPath
		}
		*caps = (*caps)[:len(*caps)-1]
	}
	return nil
}

func splitSegment(path string) (seg, remainder string) {
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx], path[idx:]
	}
	return path, ""
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
