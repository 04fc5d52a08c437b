package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/voiceloop/internal/config"
	"github.com/latoulicious/voiceloop/internal/keeper"
)

func writeConfig(t *testing.T, volume string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{"token": "abc", "guild_id": "G1", "channel_id": "C1", "volume": ` + volume + `}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestReloadVolume_LogsClampNote(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "0.5"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	k := keeper.New(cfg, nil, keeper.WithLogger(log.New(io.Discard)))
	go k.Run(ctx)

	var buf bytes.Buffer
	logger := log.New(&buf)

	reloadVolume(ctx, k, writeConfig(t, "1.7"), logger)

	assert.Contains(t, buf.String(), "clamped")
	assert.Contains(t, buf.String(), "volume reloaded")

	sctx, scancel := context.WithTimeout(ctx, time.Second)
	defer scancel()
	snap, err := k.Snapshot(sctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.Volume)
}

func TestReloadVolume_InvalidConfigKeepsVolume(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "0.5"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	k := keeper.New(cfg, nil, keeper.WithLogger(log.New(io.Discard)))
	go k.Run(ctx)

	var buf bytes.Buffer
	reloadVolume(ctx, k, filepath.Join(t.TempDir(), "missing.json"), log.New(&buf))

	assert.Contains(t, buf.String(), "reload failed")

	sctx, scancel := context.WithTimeout(ctx, time.Second)
	defer scancel()
	snap, err := k.Snapshot(sctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, snap.Volume)
}
