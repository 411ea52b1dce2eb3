package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, false)

	l.Debug("hidden")
	l.Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	l.Infof("visible %d", 2)
	assert.Contains(t, buf.String(), "visible 2")
}

func TestWithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelDebug, true).With("token", "abc")

	l.Debug("submitted", "opcode", "hash")
	out := buf.String()
	assert.Contains(t, out, `"token":"abc"`)
	assert.Contains(t, out, `"opcode":"hash"`)
}

func TestMaybeError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, false)

	l.MaybeError(nil)
	assert.Empty(t, buf.String())

	l.MaybeError(errors.New("engine fault"))
	assert.Contains(t, buf.String(), "engine fault")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsm.log")
	l := NewFileLogger(FileConfig{Path: path, Level: "info", MaxSize: 1, MaxBackups: 1, MaxAge: 1})
	l.Info("written to file", "asset", "0x00005000")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
