// Response composition: body sources, range handling, and status-line
// selection. Grounded on hemi/web_static.go's range/precondition handling
// and hemi/web_http1_server.go's status-line fast paths.

package mesh

import (
	"fmt"
	"strconv"
	"strings"
)

// BodySourceKind discriminates the four response body shapes a handler
// can answer with. Using an explicit tag is the idiomatic-Go equivalent
// of a sentinel-content-type trick.
type BodySourceKind uint8

const (
	BodyNone            BodySourceKind = iota // empty body
	BodyBytes                                 // in-memory bytes, sent directly
	BodyStaticFile                            // body is a path on disk
	BodyProgressiveFile                       // path on disk, still being written elsewhere
)

// BodySource is the handler-facing description of what to stream back. For
// BodyBytes, the bytes themselves live in Context.RespBody; BodySource only
// carries the kind tag plus file-specific metadata.
type BodySource struct {
	Kind             BodySourceKind
	FilePath         string
	ExpectedFullSize int64 // only meaningful for BodyProgressiveFile
	PartialID        int64 // registry handle, used to detect Abort
}

// Range is a parsed, clamped byte range: [Start, End] inclusive.
type Range struct {
	Start, End int64
}

// errRangeHeader is a malformed (as opposed to unsatisfiable) Range header;
// it is simply ignored, the request served as a normal 200.
var errRangeHeader = fmt.Errorf("mesh: malformed range header")

// ParseRange parses a "bytes=start-[end]" header value against a file of
// size total. Only a single range is supported.
func ParseRange(header string, total int64) (Range, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return Range{}, errRangeHeader
	}
	spec := header[len(prefix):]
	if idx := strings.IndexByte(spec, ','); idx >= 0 {
		spec = spec[:idx] // only the first range is honored
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return Range{}, errRangeHeader
	}
	startStr, endStr := spec[:dash], spec[dash+1:]
	var start, end int64
	var err error
	if startStr == "" {
		// Suffix range "bytes=-N": last N bytes.
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n <= 0 {
			return Range{}, errRangeHeader
		}
		start = total - n
		if start < 0 {
			start = 0
		}
		end = total - 1
		return Range{Start: start, End: end}, nil
	}
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return Range{}, errRangeHeader
	}
	if endStr == "" {
		end = total - 1
	} else {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return Range{}, errRangeHeader
		}
		if end > total-1 {
			end = total - 1
		}
	}
	if start >= total {
		return Range{}, ErrRangeUnsatisfied
	}
	return Range{Start: start, End: end}, nil
}

// StatusText returns the RFC reason phrase for status, "Unknown" if unknown.
func StatusText(status int) string {
	if text, ok := statusTexts[status]; ok {
		return text
	}
	return "Unknown"
}

var statusTexts = map[int]string{
	100: "Continue",
	200: "OK",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Payload Too Large",
	416: "Range Not Satisfiable",
	417: "Expectation Failed",
	418: "I'm a teapot",
	500: "Internal Server Error",
}

// statusLine composes the status line, using dedicated fast literals for
// the common 200/206 cases, the generic form otherwise.
func statusLine(httpVersion string, status int) string {
	switch status {
	case 200:
		return httpVersion + " 200 OK\r\n"
	case 206:
		return httpVersion + " 206 Partial Content\r\n"
	default:
		return httpVersion + " " + strconv.Itoa(status) + " " + StatusText(status) + "\r\n"
	}
}

// normalizeHeaderLines splits a block of caller-supplied custom header text
// into individual "Name: value" lines with normalized CRLF endings. A bare
// "Content-Encoding:" line, if present, is reported via hasContentEncoding
// so the caller can skip any post-compression step.
func normalizeHeaderLines(block string) (lines []string, hasContentEncoding bool) {
	for _, raw := range strings.Split(block, "\n") {
		line := strings.TrimRight(raw, "\r")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(line) >= 17 && strings.EqualFold(line[:17], "Content-Encoding:") {
			hasContentEncoding = true
		}
	}
	return lines, hasContentEncoding
}
