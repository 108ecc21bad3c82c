package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type telegramServer struct {
	*httptest.Server
	mu       sync.Mutex
	paths    []string
	messages []sendMessageRequest
	status   int
}

func newTelegramServer(t *testing.T) *telegramServer {
	ts := &telegramServer{status: http.StatusOK}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg sendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&msg)
		ts.mu.Lock()
		ts.paths = append(ts.paths, r.URL.Path)
		ts.messages = append(ts.messages, msg)
		status := ts.status
		ts.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestDebouncer(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d := NewDebouncer(5 * time.Minute)
	d.now = clock.now

	assert.True(t, d.Allow("failed:u1"))
	assert.False(t, d.Allow("failed:u1"))
	assert.True(t, d.Allow("failed:u2"), "keys are independent")

	clock.advance(4*time.Minute + 59*time.Second)
	assert.False(t, d.Allow("failed:u1"))

	clock.advance(time.Second)
	assert.True(t, d.Allow("failed:u1"))
	assert.Len(t, d.last, 1, "expired keys are pruned")
}

func TestDebouncer_Disabled(t *testing.T) {
	var nilDebouncer *Debouncer
	assert.True(t, nilDebouncer.Allow("k"))
	assert.True(t, nilDebouncer.Allow("k"))

	d := NewDebouncer(0)
	assert.True(t, d.Allow("k"))
	assert.True(t, d.Allow("k"))
}

func TestTelegram_Completed(t *testing.T) {
	srv := newTelegramServer(t)
	tg := NewTelegram(TelegramConfig{BotToken: "123:abc", ChatID: "42", APIBaseURL: srv.URL, Brand: "Acme"}, srv.Client(), nil)

	ev := Event{
		Kind: KindCompleted,
		Meta: sampleMeta,
		Profile: &Profile{
			Email:   "ana@example.com",
			Credits: 17,
		},
		OccurredAt: time.Date(2025, 3, 1, 15, 30, 0, 0, time.UTC),
	}
	ev.Meta.RoomType = "bedroom"
	ev.Meta.CreditsUsed = 2

	require.NoError(t, tg.Deliver(context.Background(), ev))

	require.Len(t, srv.messages, 1)
	assert.Equal(t, "/bot123:abc/sendMessage", srv.paths[0])
	msg := srv.messages[0]
	assert.Equal(t, "42", msg.ChatID)
	assert.Equal(t, "Markdown", msg.ParseMode)
	assert.Contains(t, msg.Text, "*Acme*")
	assert.Contains(t, msg.Text, "ana@example.com")
	assert.Contains(t, msg.Text, "*Room:* bedroom")
	assert.NotContains(t, msg.Text, "*Style:*")
	assert.Contains(t, msg.Text, "*Credits used:* 2")
	assert.Contains(t, msg.Text, "*Balance:* 17")
}

func TestTelegram_CompletedWithoutProfileIsSkipped(t *testing.T) {
	srv := newTelegramServer(t)
	tg := NewTelegram(TelegramConfig{BotToken: "t", ChatID: "1", APIBaseURL: srv.URL}, srv.Client(), nil)

	require.NoError(t, tg.Deliver(context.Background(), Event{Kind: KindCompleted, Meta: sampleMeta}))
	assert.Empty(t, srv.messages)
}

func TestTelegram_FailureDebouncedPerUser(t *testing.T) {
	srv := newTelegramServer(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	debouncer := NewDebouncer(5 * time.Minute)
	debouncer.now = clock.now
	tg := NewTelegram(TelegramConfig{BotToken: "t", ChatID: "1", APIBaseURL: srv.URL, Brand: "Acme"}, srv.Client(), debouncer)

	long := strings.Repeat("x", 300)
	ev := Event{Kind: KindFailed, Meta: sampleMeta, Reason: long}

	require.NoError(t, tg.Deliver(context.Background(), ev))
	require.NoError(t, tg.Deliver(context.Background(), ev))

	other := ev
	other.Meta.UserID = "user-2"
	require.NoError(t, tg.Deliver(context.Background(), other))

	clock.advance(5 * time.Minute)
	require.NoError(t, tg.Deliver(context.Background(), ev))

	require.Len(t, srv.messages, 3)
	text := srv.messages[0].Text
	assert.Contains(t, text, "Job: `01234567`")
	assert.Contains(t, text, "Service: *virtual-staging*")
	assert.Contains(t, text, long[:200])
	assert.NotContains(t, text, long[:201])
}

func TestClipRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"exact", "abc", 3, "abc"},
		{"ascii", "abcdef", 4, "abcd"},
		{"multibyte", "não há imagem", 3, "não"},
		{"empty", "", 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clipRunes(tt.in, tt.n))
		})
	}
}

func TestTelegram_FailedTextKeepsRunesWhole(t *testing.T) {
	tg := NewTelegram(TelegramConfig{BotToken: "t", ChatID: "1", Brand: "Acme"}, nil, nil)
	reason := strings.Repeat("ã", 300)

	text := tg.failedText(Event{Kind: KindFailed, Meta: sampleMeta, Reason: reason})

	assert.True(t, utf8.ValidString(text))
	assert.NotContains(t, text, "\uFFFD")
	assert.True(t, strings.HasSuffix(text, "Error: "+strings.Repeat("ã", 200)))
}

func TestTelegram_HTTPErrorIsReturned(t *testing.T) {
	srv := newTelegramServer(t)
	srv.status = http.StatusBadRequest
	tg := NewTelegram(TelegramConfig{BotToken: "t", ChatID: "1", APIBaseURL: srv.URL}, srv.Client(), nil)

	err := tg.Deliver(context.Background(), Event{Kind: KindFailed, Meta: sampleMeta})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegram_TransportErrorRedactsToken(t *testing.T) {
	tg := NewTelegram(TelegramConfig{BotToken: "secret-token", ChatID: "1", APIBaseURL: "http://127.0.0.1:1"}, nil, nil)

	err := tg.Deliver(context.Background(), Event{Kind: KindFailed, Meta: sampleMeta})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}
