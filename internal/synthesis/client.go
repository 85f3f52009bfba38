// Package synthesis talks to an OpenAI-compatible API for breed detection,
// masked image edits and text-to-image generation. Calls are never retried.
package synthesis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"shaggydog/internal/config"
)

// Client is safe for concurrent use.
type Client struct {
	cfg        config.SynthesisConfig
	httpClient *http.Client
	download   *http.Client
	api        openai.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a client. A missing API key is not an error here; each call
// checks it so the failure lands on the job that needed it.
func New(cfg config.SynthesisConfig, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ImageSize == "" {
		cfg.ImageSize = "1024x1024"
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	if cfg.MaxImageBytes == 0 {
		cfg.MaxImageBytes = 25 * 1024 * 1024
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		download:   &http.Client{Timeout: cfg.DownloadTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(apiBase(cfg.BaseURL)),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.RequestTimeout),
	)
	return c
}

// apiBase accepts both a bare host and one that already names /v1.
func apiBase(base string) string {
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/"
}

func (c *Client) checkConfig() error {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return ErrConfiguration
	}
	return nil
}

// apiError maps an SDK failure onto *Error. Non-2xx replies keep the
// remote message; anything else is a transport failure.
func apiError(op string, err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return &Error{Op: op, Err: err}
	}
	var msg string
	if apiErr.Response != nil && apiErr.Response.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(apiErr.Response.Body, 64*1024))
		msg = apiErrorMessage(body)
	}
	if msg == "" {
		msg = strings.TrimSpace(apiErr.Message)
	}
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}
	return &Error{Op: op, StatusCode: apiErr.StatusCode, Message: msg}
}

// resolve turns an ImageResult into bytes, fetching references over HTTP.
func (c *Client) resolve(ctx context.Context, op string, res ImageResult) ([]byte, error) {
	switch r := res.(type) {
	case Inline:
		if len(r.Data) == 0 {
			return nil, &Error{Op: op, Message: "empty inline image"}
		}
		return r.Data, nil
	case ByReference:
		return c.fetch(ctx, op, r.URL)
	default:
		return nil, &Error{Op: op, Message: "result has neither url nor inline data"}
	}
}

func (c *Client) fetch(ctx context.Context, op, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Op: op, Message: "build download request", Err: err}
	}
	// Signed blob URLs reject unrelated Authorization headers.
	if sameHost(c.cfg.BaseURL, rawURL) {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Message: "download image", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: "download image"}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxImageBytes+1))
	if err != nil {
		return nil, &Error{Op: op, Message: "read image", Err: err}
	}
	if int64(len(body)) > c.cfg.MaxImageBytes {
		return nil, &Error{Op: op, Message: fmt.Sprintf("image too large (>%d bytes)", c.cfg.MaxImageBytes)}
	}
	if len(body) == 0 {
		return nil, &Error{Op: op, Message: "downloaded image is empty"}
	}
	return body, nil
}

func sameHost(baseURL, rawURL string) bool {
	b, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return b.Host != "" && strings.EqualFold(b.Host, u.Host)
}

func dataURL(image []byte) string {
	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}
