package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Debouncer suppresses repeated keys within a window. State is in memory
// and resets on restart.
type Debouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether key may fire now and, if so, records it.
func (d *Debouncer) Allow(key string) bool {
	if d == nil || d.window <= 0 {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.last[key]; ok && now.Sub(last) < d.window {
		return false
	}

	for k, t := range d.last {
		if now.Sub(t) >= d.window {
			delete(d.last, k)
		}
	}
	d.last[key] = now
	return true
}

// TelegramConfig configures the operator chat alerts.
type TelegramConfig struct {
	BotToken   string
	ChatID     string
	APIBaseURL string
	Brand      string
}

// Telegram posts operator alerts through the Bot API. Failure alerts are
// debounced per user.
type Telegram struct {
	cfg       TelegramConfig
	client    *http.Client
	debouncer *Debouncer
	location  *time.Location
}

// NewTelegram creates the chat channel. client may be nil.
func NewTelegram(cfg TelegramConfig, client *http.Client, debouncer *Debouncer) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.telegram.org"
	}
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.UTC
	}
	return &Telegram{cfg: cfg, client: client, debouncer: debouncer, location: loc}
}

func (c *Telegram) Name() string { return "telegram" }

func (c *Telegram) Deliver(ctx context.Context, ev Event) error {
	var text string
	switch ev.Kind {
	case KindCompleted:
		// Success alerts identify the customer, so they need a profile.
		if ev.Profile == nil {
			return nil
		}
		text = c.completedText(ev)
	case KindFailed:
		if !c.debouncer.Allow("failed:" + ev.Meta.UserID) {
			return nil
		}
		text = c.failedText(ev)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return c.send(ctx, text)
}

func (c *Telegram) completedText(ev Event) string {
	at := ev.OccurredAt.In(c.location)

	var b strings.Builder
	fmt.Fprintf(&b, "✅ *%s*\n👤 %s\n✅ Job completed\n━━━━━━━━━━━━━━━\n", c.cfg.Brand, ev.Profile.Email)
	fmt.Fprintf(&b, "🔧 *Service:* %s", ServiceLabel(ev.Meta.Service))
	if ev.Meta.RoomType != "" {
		fmt.Fprintf(&b, "\n🚪 *Room:* %s", ev.Meta.RoomType)
	}
	if ev.Meta.Style != "" {
		fmt.Fprintf(&b, "\n🎨 *Style:* %s", ev.Meta.Style)
	}
	fmt.Fprintf(&b, "\n💳 *Credits used:* %d", ev.Meta.CreditsUsed)
	fmt.Fprintf(&b, "\n💰 *Balance:* %d", ev.Profile.Credits)
	fmt.Fprintf(&b, "\n📅 *Date:* %s", at.Format("02/01/2006 15:04"))
	return b.String()
}

func (c *Telegram) failedText(ev Event) string {
	reason := ev.Reason
	if reason == "" {
		reason = "unknown"
	}
	return fmt.Sprintf("🔴 *%s*\nPermanent failure!\nService: *%s*\nJob: `%s`\nError: %s",
		c.cfg.Brand, ev.Meta.Service, shortID(ev.Meta.JobID), clipRunes(reason, 200))
}

// clipRunes cuts s to at most n characters without splitting a rune.
func clipRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (c *Telegram) send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: c.cfg.ChatID, Text: text, ParseMode: "Markdown"})
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}

	url := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/bot" + c.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return fmt.Errorf("telegram: request failed: %w", redactToken(err, c.cfg.BotToken))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redactToken(err error, token string) error {
	if token == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<redacted>"), err: err}
}
