package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	// HeaderIdempotencyKey carries the submission ID so the endpoint can drop duplicate deliveries.
	HeaderIdempotencyKey = "Idempotency-Key"

	maxErrorBodyBytes = 64 << 10
	contentTypeJSON   = "application/json"
)

// TransportConfig controls the HTTP transport.
type TransportConfig struct {
	Client    *http.Client
	Header    http.Header
	UserAgent string
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*TransportConfig)

// WithHTTPClient sets the HTTP client used for delivery.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(c *TransportConfig) {
		c.Client = client
	}
}

// WithHeader adds a static header sent with every delivery.
func WithHeader(key, value string) TransportOption {
	return func(c *TransportConfig) {
		if c.Header == nil {
			c.Header = make(http.Header)
		}
		c.Header.Add(key, value)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) TransportOption {
	return func(c *TransportConfig) {
		c.UserAgent = ua
	}
}

// HTTPTransport delivers submissions as JSON POST requests.
type HTTPTransport struct {
	cfg TransportConfig
}

var _ Deliverer = (*HTTPTransport)(nil)

// NewHTTPTransport constructs a transport, defaulting to http.DefaultClient.
func NewHTTPTransport(opts ...TransportOption) *HTTPTransport {
	var cfg TransportConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}

	return &HTTPTransport{cfg: cfg}
}

// Deliver posts the submission body to its URL.
func (t *HTTPTransport) Deliver(ctx context.Context, sub Submission) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(sub.Body))
	if err != nil {
		return fmt.Errorf("outbox: build request: %w", err)
	}
	for key, values := range t.cfg.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	if t.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", t.cfg.UserAgent)
	}
	if !sub.ID.IsZero() {
		req.Header.Set(HeaderIdempotencyKey, sub.ID.String())
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrTransientNetwork, err)
	}

	return &ServerRejectedError{Status: resp.StatusCode, Message: rejectionMessage(resp.StatusCode, raw)}
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func rejectionMessage(status int, raw []byte) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if msg := strings.TrimSpace(body.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(body.Error); msg != "" {
			return msg
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}

	return fmt.Sprintf("status %d", status)
}
