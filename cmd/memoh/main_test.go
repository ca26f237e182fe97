package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/alexma233/Memoh/pkg/config"
	"github.com/alexma233/Memoh/pkg/synchronizer"
)

func TestParseZerologLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseZerologLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, parseZerologLevel("warning"))
	require.Equal(t, zerolog.InfoLevel, parseZerologLevel("nonsense"))
}

func TestInitLoggerFormats(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	var buf bytes.Buffer
	require.NoError(t, initLogger(&buf, "info", "json", false))
	require.NoError(t, initLogger(&buf, "info", "console", true))
	require.Error(t, initLogger(&buf, "info", "xml", false))
}

func TestBuildAppServesTurnsAndFeed(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("MEMOH_MEMORY_DB", filepath.Join(dir, "memory.db"))
	t.Setenv("MEMOH_CHAT_DB", filepath.Join(dir, "chat.db"))
	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := buildApp(ctx, cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(a.router.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.close()
	})

	hc, err := synchronizer.NewHTTPClient(srv.URL, srv.Client())
	require.NoError(t, err)

	// A feed on the web channel sees only the telegram side of the log.
	feed, err := synchronizer.NewSession(synchronizer.Config{BotID: "bot-1", Source: hc, History: hc})
	require.NoError(t, err)
	require.NoError(t, feed.Start(ctx))
	t.Cleanup(feed.Stop)

	tg, err := synchronizer.NewSession(synchronizer.Config{BotID: "bot-1", Source: hc, ExcludedChannel: "telegram"})
	require.NoError(t, err)
	tc, err := synchronizer.NewTurnClient(hc, tg, "web", "telegram")
	require.NoError(t, err)

	var text string
	final, err := tc.Stream(ctx, "hello from telegram", synchronizer.TurnCallbacks{
		OnDelta: func(d string) { text += d },
	})
	require.NoError(t, err)
	require.Contains(t, text, "hello from telegram")
	require.Len(t, final, 2)
	require.Len(t, tg.Messages(), 2)

	require.Eventually(t, func() bool { return len(feed.Messages()) == 2 }, 5*time.Second, 10*time.Millisecond)

	added, _, err := feed.LoadOlder(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, added)
}
