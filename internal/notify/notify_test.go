package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoad_MissingFileDisablesNotifications(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "notifications.json"))
	require.NoError(t, err)
	require.False(t, cfg.Enabled)
}

func TestLoad_ParsesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.json")
	doc := `{
		"enabled": true,
		"method": "discord",
		"discord": {"webhook_url": "https://discord.test/hook"},
		"events": {"task_completion": false, "daemon_start": true}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Enabled)
	require.Equal(t, MethodDiscord, cfg.Method)
	require.False(t, cfg.Events["task_completion"])
}

func TestNotify_DisabledShortCircuits(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := Config{Method: MethodDiscord}
	cfg.Discord.WebhookURL = srv.URL
	n := New(cfg, zap.NewNop())

	n.Notify(context.Background(), "daemon_start", "started", "", LevelInfo)
	require.Zero(t, hits.Load())
}

func TestNotify_EventSwitchedOff(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := Config{Enabled: true, Method: MethodDiscord, Events: map[string]bool{"task_completion": false}}
	cfg.Discord.WebhookURL = srv.URL
	n := New(cfg, zap.NewNop())

	n.Notify(context.Background(), "task_completion", "report", "", LevelInfo)
	require.Zero(t, hits.Load())

	// An event absent from the map is delivered.
	n.Notify(context.Background(), "retry_exhausted", "failed", "", LevelError)
	require.EqualValues(t, 1, hits.Load())
}

func TestNotify_DiscordPostsWebhook(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	cfg := Config{Enabled: true, Method: MethodDiscord}
	cfg.Discord.WebhookURL = srv.URL
	n := New(cfg, zap.NewNop())

	n.Notify(context.Background(), "daemon_start", "started", "pid 123", LevelInfo)
	require.Equal(t, "application/json", gotContentType)
}

func TestNotify_DeliveryFailureDoesNotPanic(t *testing.T) {
	cfg := Config{Enabled: true, Method: MethodDiscord}
	cfg.Discord.WebhookURL = "http://127.0.0.1:1/unreachable"
	n := New(cfg, zap.NewNop())

	// Must swallow the connection error.
	n.Notify(context.Background(), "daemon_stop", "stopped", "", LevelWarning)
}

func TestNotify_EmailBuildsMessage(t *testing.T) {
	cfg := Config{Enabled: true, Method: MethodEmail}
	cfg.Email.Host = "smtp.test"
	cfg.Email.Port = 587
	cfg.Email.From = "daemon@test"
	cfg.Email.To = []string{"ops@test"}
	n := New(cfg, zap.NewNop())

	var gotAddr, gotMsg string
	n.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = string(msg)
		return nil
	}

	n.Notify(context.Background(), "retry_exhausted", "sync failed", "3 attempts", LevelError)
	require.Equal(t, "smtp.test:587", gotAddr)
	require.Contains(t, gotMsg, "Subject: sync failed")
	require.Contains(t, gotMsg, "3 attempts")
}
