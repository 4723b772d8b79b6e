package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/model"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"level=debug", "empty=", "url=http://x?a=b"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"level": "debug", "empty": "", "url": "http://x?a=b"}, opts)

	opts, err = parseOptions(nil)
	require.NoError(t, err)
	require.Nil(t, opts)

	_, err = parseOptions([]string{"=x"})
	require.Error(t, err)
	_, err = parseOptions([]string{"flag"})
	require.Error(t, err)
}

func TestLogDestination(t *testing.T) {
	str := func(s string) *string { return &s }

	w, c, err := logDestination(nil)
	require.NoError(t, err)
	require.Equal(t, os.Stderr, w)
	require.Nil(t, c)

	w, _, err = logDestination(str(model.LogDiscard))
	require.NoError(t, err)
	require.Equal(t, io.Discard, w)

	path := filepath.Join(t.TempDir(), "herald.log")
	w, c, err = logDestination(str(path))
	require.NoError(t, err)
	_, err = io.WriteString(w, "line\n")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.True(t, exists(path))

	_, _, err = logDestination(str(filepath.Join(t.TempDir(), "missing", "herald.log")))
	require.Error(t, err)
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald", "herald.yaml")
	require.False(t, exists(path))

	cfg := model.DefaultConfig(t.Context())
	require.NoError(t, writeConfig(path, cfg))
	require.True(t, exists(path))
	require.False(t, exists(filepath.Dir(path)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	loaded, err := model.LoadConfig(f)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}
