package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	handler := NewAsyncHandler(dir, slog.LevelInfo)
	log := slog.New(handler).With("client", "sensor-1").WithGroup("session")

	log.Debug("hidden message")
	log.Info("publish acknowledged", "packet_id", 7)
	require.NoError(t, handler.Close())
	require.NoError(t, handler.Close(), "closing twice is harmless")

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "publish acknowledged")
	assert.Contains(t, content, "client=sensor-1")
	assert.Contains(t, content, "session.packet_id=7")
	assert.NotContains(t, content, "hidden message")
}

func TestAsyncHandlerEnabled(t *testing.T) {
	handler := NewAsyncHandler(t.TempDir(), slog.LevelWarn)
	defer handler.Close()

	assert.False(t, handler.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, handler.Enabled(context.Background(), slog.LevelError))
	assert.True(t, handler.Enabled(context.Background(), LevelFatal))
}
