package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRangeSimple(t *testing.T) {
	r, err := ParseRange("bytes=2-5", 10)
	assert.NoError(t, err)
	assert.Equal(t, Range{Start: 2, End: 5}, r)
}

func TestParseRangeOpenEnded(t *testing.T) {
	r, err := ParseRange("bytes=5-", 10)
	assert.NoError(t, err)
	assert.Equal(t, Range{Start: 5, End: 9}, r)
}

func TestParseRangeSuffix(t *testing.T) {
	r, err := ParseRange("bytes=-3", 10)
	assert.NoError(t, err)
	assert.Equal(t, Range{Start: 7, End: 9}, r)
}

func TestParseRangeSuffixLargerThanTotal(t *testing.T) {
	r, err := ParseRange("bytes=-100", 10)
	assert.NoError(t, err)
	assert.Equal(t, Range{Start: 0, End: 9}, r)
}

func TestParseRangeClampsEndToTotal(t *testing.T) {
	r, err := ParseRange("bytes=2-1000", 10)
	assert.NoError(t, err)
	assert.Equal(t, Range{Start: 2, End: 9}, r)
}

func TestParseRangeUnsatisfiableWhenStartBeyondTotal(t *testing.T) {
	_, err := ParseRange("bytes=20-30", 10)
	assert.ErrorIs(t, err, ErrRangeUnsatisfied)
}

func TestParseRangeOnlyFirstOfMultipleHonored(t *testing.T) {
	r, err := ParseRange("bytes=1-2,4-5", 10)
	assert.NoError(t, err)
	assert.Equal(t, Range{Start: 1, End: 2}, r)
}

func TestParseRangeRejectsMissingPrefix(t *testing.T) {
	_, err := ParseRange("2-5", 10)
	assert.Error(t, err)
}

func TestParseRangeRejectsEndBeforeStart(t *testing.T) {
	_, err := ParseRange("bytes=5-2", 10)
	assert.Error(t, err)
}

func TestParseRangeRejectsMalformedSuffix(t *testing.T) {
	_, err := ParseRange("bytes=-0", 10)
	assert.Error(t, err)
}

func TestStatusTextKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "OK", StatusText(200))
	assert.Equal(t, "Not Found", StatusText(404))
	assert.Equal(t, "Unknown", StatusText(599))
}

func TestStatusLineFastPaths(t *testing.T) {
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", statusLine("HTTP/1.1", 200))
	assert.Equal(t, "HTTP/1.1 206 Partial Content\r\n", statusLine("HTTP/1.1", 206))
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\n", statusLine("HTTP/1.1", 404))
}

func TestNormalizeHeaderLinesSplitsAndTrims(t *testing.T) {
	lines, hasCE := normalizeHeaderLines("X-One: a\r\nX-Two: b\n\nX-Three: c")
	assert.Equal(t, []string{"X-One: a", "X-Two: b", "X-Three: c"}, lines)
	assert.False(t, hasCE)
}

func TestNormalizeHeaderLinesDetectsContentEncoding(t *testing.T) {
	_, hasCE := normalizeHeaderLines("Content-Encoding: gzip\r\nX-Other: v")
	assert.True(t, hasCE)
}
