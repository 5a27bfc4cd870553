package mesh

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerWritesTimestampedLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf)
	logger.Logf("hello %s", "world")
	assert.Contains(t, buf.String(), "hello world")
}

func TestWriterLoggerCloseIsNoopWithoutCloser(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf)
	assert.NoError(t, logger.Close())
}

func TestNewFileLoggerAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	logger.Logf("first line")
	require.NoError(t, logger.Close())

	logger2, err := NewFileLogger(path)
	require.NoError(t, err)
	logger2.Logf("second line")
	require.NoError(t, logger2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "first line"))
	assert.True(t, strings.Contains(string(data), "second line"))
}

func TestNoopLoggerDiscardsSilently(t *testing.T) {
	NoopLogger.Logf("anything %d", 1)
	assert.NoError(t, NoopLogger.Close())
}

func TestDebugfOnlyLogsAtOrAboveLevel(t *testing.T) {
	defer SetDebugLevel(0)
	SetDebugLevel(2)
	assert.Equal(t, int32(2), DebugLevel())

	var buf bytes.Buffer
	logger := NewWriterLogger(&buf)
	Debugf(3, logger, "too verbose")
	assert.Empty(t, buf.String())

	Debugf(1, logger, "within level")
	assert.Contains(t, buf.String(), "within level")
}
