// Package artifact moves image bytes in and out of the worker: input
// downloads and output uploads to object storage.
package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/cuongbtq/image-job-worker/internal/worker/domain"
)

// ErrTooLarge is returned when a download exceeds the configured size cap.
var ErrTooLarge = errors.New("image exceeds size limit")

// FetcherConfig configures input downloads.
type FetcherConfig struct {
	Timeout              time.Duration
	MaxBytes             int64
	AllowPrivateNetworks bool
}

// Fetcher downloads images over HTTP(S) and decodes data URIs.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher builds a fetcher. Unless private networks are allowed the client
// refuses loopback, private and link-local destinations and does not follow
// redirects.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.AllowPrivateNetworks {
		return NewFetcherWithClient(&http.Client{Timeout: cfg.Timeout}, cfg.MaxBytes)
	}

	safeCfg := safeurl.GetConfigBuilder().
		SetTimeout(cfg.Timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return NewFetcherWithClient(safeurl.Client(safeCfg).Client, cfg.MaxBytes)
}

// NewFetcherWithClient wraps an existing client.
func NewFetcherWithClient(client *http.Client, maxBytes int64) *Fetcher {
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch returns the image at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*domain.Artifact, error) {
	if url == "" {
		return nil, errors.New("fetch image: empty url")
	}
	if strings.HasPrefix(url, "data:") {
		return decodeDataURI(url, f.maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch image: HTTP %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("fetch image: read body: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("fetch image: %w (%d bytes)", ErrTooLarge, f.maxBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("fetch image: empty body")
	}

	return &domain.Artifact{
		Data:     data,
		MIMEType: detectMIME(resp.Header.Get("Content-Type"), data),
		URL:      url,
	}, nil
}

func decodeDataURI(uri string, maxBytes int64) (*domain.Artifact, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, errors.New("fetch image: unsupported data uri")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("fetch image: decode data uri: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("fetch image: %w (%d bytes)", ErrTooLarge, maxBytes)
	}

	return &domain.Artifact{
		Data:     data,
		MIMEType: detectMIME(strings.TrimSuffix(header, ";base64"), data),
	}, nil
}

func detectMIME(declared string, data []byte) string {
	declared = strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	return http.DetectContentType(data)
}
