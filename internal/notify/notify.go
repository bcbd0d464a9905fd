// Package notify routes operational events (daemon start/stop, retry
// exhaustion, quota alarms) to the operator's configured channel. Delivery
// failures are logged and swallowed: notification trouble must never take
// down a sync cycle.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Level is the severity attached to an event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Methods accepted in the config file.
const (
	MethodSlack    = "slack"
	MethodDiscord  = "discord"
	MethodChatwork = "chatwork"
	MethodEmail    = "email"
	MethodEventlog = "eventlog"
)

// Config is the notifications.json document. Events maps event names to an
// on/off switch; an event absent from the map is delivered.
type Config struct {
	Enabled bool   `json:"enabled"`
	Method  string `json:"method"`

	Slack struct {
		Token   string `json:"token"`
		Channel string `json:"channel"`
	} `json:"slack"`
	Discord struct {
		WebhookURL string `json:"webhook_url"`
	} `json:"discord"`
	Chatwork struct {
		APIToken string `json:"api_token"`
		RoomID   string `json:"room_id"`
	} `json:"chatwork"`
	Email struct {
		Host     string   `json:"host"`
		Port     int      `json:"port"`
		Username string   `json:"username"`
		Password string   `json:"password"`
		From     string   `json:"from"`
		To       []string `json:"to"`
	} `json:"email"`

	Events map[string]bool `json:"events"`
}

// Load reads notifications.json. A missing file yields a disabled notifier.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("load notifications: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse notifications: %w", err)
	}
	return cfg, nil
}

// Notifier delivers events through one configured method.
type Notifier struct {
	cfg   Config
	http  *http.Client
	slack *slack.Client
	log   *zap.Logger

	// sendMail is swapped in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New builds a notifier. A disabled config still returns a usable notifier
// whose Notify is a cheap no-op.
func New(cfg Config, log *zap.Logger) *Notifier {
	n := &Notifier{
		cfg:      cfg,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
		sendMail: smtp.SendMail,
	}
	if cfg.Method == MethodSlack && cfg.Slack.Token != "" {
		n.slack = slack.New(cfg.Slack.Token)
	}
	return n
}

// Notify delivers one event. Short-circuits when disabled or when the event
// is switched off; never returns an error.
func (n *Notifier) Notify(ctx context.Context, event, title, body string, level Level) {
	if !n.cfg.Enabled {
		return
	}
	if enabled, ok := n.cfg.Events[event]; ok && !enabled {
		return
	}

	var err error
	switch n.cfg.Method {
	case MethodSlack:
		err = n.viaSlack(ctx, title, body, level)
	case MethodDiscord:
		err = n.viaDiscord(ctx, title, body, level)
	case MethodChatwork:
		err = n.viaChatwork(ctx, title, body)
	case MethodEmail:
		err = n.viaEmail(title, body)
	case MethodEventlog, "":
		n.log.Info("event", zap.String("event", event),
			zap.String("title", title), zap.String("body", body), zap.String("level", string(level)))
	default:
		err = fmt.Errorf("unknown method %q", n.cfg.Method)
	}
	if err != nil {
		n.log.Warn("notification delivery failed",
			zap.String("event", event), zap.String("method", n.cfg.Method), zap.Error(err))
	}
}

func levelEmoji(level Level) string {
	switch level {
	case LevelError:
		return "🚨"
	case LevelWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func (n *Notifier) viaSlack(ctx context.Context, title, body string, level Level) error {
	if n.slack == nil {
		return fmt.Errorf("slack token not configured")
	}
	text := fmt.Sprintf("%s *%s*\n%s", levelEmoji(level), title, body)
	_, _, err := n.slack.PostMessageContext(ctx, n.cfg.Slack.Channel,
		slack.MsgOptionText(text, false))
	return err
}

func (n *Notifier) viaDiscord(ctx context.Context, title, body string, level Level) error {
	if n.cfg.Discord.WebhookURL == "" {
		return fmt.Errorf("discord webhook not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"content": fmt.Sprintf("%s **%s**\n%s", levelEmoji(level), title, body),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Discord.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return n.post(req)
}

func (n *Notifier) viaChatwork(ctx context.Context, title, body string) error {
	if n.cfg.Chatwork.APIToken == "" || n.cfg.Chatwork.RoomID == "" {
		return fmt.Errorf("chatwork not configured")
	}
	endpoint := "https://api.chatwork.com/v2/rooms/" + n.cfg.Chatwork.RoomID + "/messages"
	form := url.Values{"body": {fmt.Sprintf("[info][title]%s[/title]%s[/info]", title, body)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("X-ChatWorkToken", n.cfg.Chatwork.APIToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return n.post(req)
}

func (n *Notifier) post(req *http.Request) error {
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) viaEmail(title, body string) error {
	e := n.cfg.Email
	if e.Host == "" || len(e.To) == 0 {
		return fmt.Errorf("email not configured")
	}
	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		e.From, strings.Join(e.To, ", "), title, body)
	return n.sendMail(addr, auth, e.From, e.To, []byte(msg))
}
