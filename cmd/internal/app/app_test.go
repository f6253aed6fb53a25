package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatsync/cmd/internal/backendsim"
	"chatsync/cmd/internal/holder"
	"chatsync/cmd/internal/message"
	"chatsync/cmd/security/token"
	v1 "chatsync/shared/contracts/delta/v1"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"account: acme",
		"location: mobile",
		"poll_interval: 15s",
		"history_backend: memory",
		"keystore_backend: memory",
		"log_format: pretty",
	}, "\n")), 0o600))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("CHATSYNC_LOCATION", "web")
	t.Setenv("CHATSYNC_STALL_WARN_THRESHOLD", "9")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "acme", cfg.Account)
	require.Equal(t, "web", cfg.Location)
	require.Equal(t, 15*time.Second, cfg.PollInterval)
	require.Equal(t, 9, cfg.StallWarnThreshold)
	require.Equal(t, "memory", cfg.HistoryBackend)
	require.Equal(t, "pretty", cfg.LogFormat)
	require.Equal(t, "anonymous", cfg.Visitor)
}

func TestLoadConfig_InvalidEnvKeepsDefault(t *testing.T) {
	t.Setenv("CHATSYNC_POLL_INTERVAL", "soon")
	t.Setenv("CHATSYNC_REDIS_DB", "-1")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, defaultConfig().PollInterval, cfg.PollInterval)
	require.Equal(t, 0, cfg.RedisDB)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown history", mutate: func(c *Config) { c.HistoryBackend = "mongo" }, wantErr: "unknown history backend"},
		{name: "postgres without url", mutate: func(c *Config) { c.HistoryBackend = "postgres" }, wantErr: "CHATSYNC_DATABASE_URL"},
		{name: "redis without addr", mutate: func(c *Config) { c.KeystoreBackend = "redis" }, wantErr: "CHATSYNC_REDIS_ADDR"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log format"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := defaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestSimTokenKey(t *testing.T) {
	t.Setenv(token.HMACEnvKey, "")
	key, err := simTokenKey(Config{})
	require.NoError(t, err)
	require.Nil(t, key)

	_, err = simTokenKey(Config{SimRequireTokenHMAC: true})
	require.ErrorContains(t, err, "missing")

	t.Setenv(token.HMACEnvKey, "short")
	_, err = simTokenKey(Config{})
	require.ErrorContains(t, err, "too short")

	t.Setenv(token.HMACEnvKey, "0123456789abcdef0123456789abcdef")
	key, err = simTokenKey(Config{SimRequireTokenHMAC: true})
	require.NoError(t, err)
	require.Len(t, key, 32)
}

func TestFormatRecord(t *testing.T) {
	t.Parallel()

	rec := message.Record{
		ServerSideID:    "m1",
		Sender:          message.SenderOperator,
		Text:            "hello",
		TimestampMicros: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMicro(),
	}
	require.Equal(t, "+ 2026-01-02T03:04:05Z [m1] operator: hello", formatRecord("+ ", rec))

	rec.ServerSideID = ""
	rec.ClientSideID = "c1"
	rec.Sender = message.SenderVisitor
	rec.SendStatus = message.StatusSending
	require.Equal(t, "2026-01-02T03:04:05Z [c1] visitor: hello (sending)", formatRecord("", rec))

	rec.Deleted = true
	rec.SendStatus = message.StatusSent
	require.Equal(t, "2026-01-02T03:04:05Z [c1] visitor: (deleted)", formatRecord("", rec))
}

func TestLinePrinter_DropsAfterClose(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := newLinePrinter(&buf)
	p.Listener().MessageAdded(message.Record{ServerSideID: "m1", Sender: message.SenderBot, Text: "hi"})
	p.Close()
	p.Listener().MessageRemoved(message.Record{ServerSideID: "m1"})
	p.Close()

	require.Equal(t, 1, strings.Count(buf.String(), "\n"))
	require.Contains(t, buf.String(), "+ ")
	require.Contains(t, buf.String(), "[m1] bot: hi")
}

func TestApp_SyncsAgainstSimulatedBackend(t *testing.T) {
	sim := backendsim.New()
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	sim.AddMessage(v1.MessageItem{Text: "welcome"})

	cfg := defaultConfig()
	cfg.Account = "acme"
	cfg.Location = "mobile"
	cfg.BaseURL = srv.URL
	cfg.HistoryBackend = "memory"
	cfg.KeystoreBackend = "memory"
	cfg.PollInterval = time.Hour

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	s, err := a.OpenSession(ctx, nil)
	require.NoError(t, err)

	added := make(chan message.Record, 8)
	sub, err := s.Subscribe(ctx, holder.ListenerFuncs{Added: func(rec message.Record) { added <- rec }})
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, s.Resume(ctx))

	select {
	case rec := <-added:
		require.Equal(t, "welcome", rec.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("initial sync did not deliver the message")
	}

	again, err := a.OpenSession(ctx, nil)
	require.NoError(t, err)
	require.Same(t, s, again)

	mux := http.NewServeMux()
	registerHTTP(mux, log, s, a.Identity().String(), nil)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var st statusView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Equal(t, "acme/mobile#", st.Identity)
	require.Equal(t, "resumed", st.State)
	require.False(t, st.Stalled)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, s.Destroy(ctx))

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
