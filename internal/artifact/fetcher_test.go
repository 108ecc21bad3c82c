package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func localFetcher(maxBytes int64) *Fetcher {
	return NewFetcher(FetcherConfig{Timeout: 5 * time.Second, MaxBytes: maxBytes, AllowPrivateNetworks: true})
}

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/photo.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg-bytes"))
		case "/sniff":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(pngHeader)
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/empty":
			w.WriteHeader(http.StatusOK)
		case "/unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := localFetcher(32)
	ctx := context.Background()

	t.Run("declared image type", func(t *testing.T) {
		a, err := f.Fetch(ctx, srv.URL+"/photo.jpg")
		require.NoError(t, err)
		assert.Equal(t, []byte("jpeg-bytes"), a.Data)
		assert.Equal(t, "image/jpeg", a.MIMEType)
		assert.Equal(t, srv.URL+"/photo.jpg", a.URL)
	})

	t.Run("sniffed type", func(t *testing.T) {
		a, err := f.Fetch(ctx, srv.URL+"/sniff")
		require.NoError(t, err)
		assert.Equal(t, "image/png", a.MIMEType)
	})

	t.Run("status errors carry the code", func(t *testing.T) {
		_, err := f.Fetch(ctx, srv.URL+"/missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 404")

		_, err = f.Fetch(ctx, srv.URL+"/unavailable")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 503")
	})

	t.Run("size cap", func(t *testing.T) {
		_, err := f.Fetch(ctx, srv.URL+"/big")
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := f.Fetch(ctx, srv.URL+"/empty")
		assert.Error(t, err)
	})

	t.Run("empty url", func(t *testing.T) {
		_, err := f.Fetch(ctx, "")
		assert.Error(t, err)
	})
}

func TestFetcher_DataURI(t *testing.T) {
	f := localFetcher(16)

	a, err := f.Fetch(context.Background(), "data:image/webp;base64,YWJjZA==")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), a.Data)
	assert.Equal(t, "image/webp", a.MIMEType)

	_, err = f.Fetch(context.Background(), "data:text/plain,hello")
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), "data:image/png;base64,!!!")
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), "data:image/png;base64,"+strings.Repeat("QUFB", 8))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetcher_SafeClientRejectsLoopback(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("secret"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{Timeout: 2 * time.Second, MaxBytes: 1024})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Zero(t, hits)
}
