package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is used when neither a flag nor EnvBaseURL names an origin.
	DefaultBaseURL = "https://daily-earn-backend-production.up.railway.app"
	EnvBaseURL     = "DAILY_EARN_API_URL"

	defaultMaxResponseBytes int64 = 1 << 20
)

var (
	ErrInvalidClientConfig = errors.New("apiclient: invalid client config")
	ErrResponseTooLarge    = errors.New("apiclient: response too large")
)

// StatusError is returned for non-2xx responses. Message holds the backend's
// {"error": "..."} value when one was sent.
type StatusError struct {
	StatusCode int
	Status     string
	Message    string
	Body       []byte
}

func (e *StatusError) Error() string {
	if e == nil {
		return "apiclient: nil status error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = e.Status
	}
	return fmt.Sprintf("apiclient: status %d: %s", e.StatusCode, msg)
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithBearerToken attaches an Authorization header to every request.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) error {
		c.authToken = strings.TrimSpace(token)
		return nil
	}
}

// WithSessionCookie attaches a session cookie to every request, matching a
// browser request made with credentials included.
func WithSessionCookie(name, value string) ClientOption {
	return func(c *Client) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("%w: empty cookie name", ErrInvalidClientConfig)
		}
		c.cookie = &http.Cookie{Name: name, Value: strings.TrimSpace(value)}
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	authToken    string
	cookie       *http.Cookie
	hc           *http.Client
	maxRespBytes int64
}

// NormalizeBaseURL trims whitespace and trailing slashes so endpoint paths can
// be appended without producing duplicate separators.
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// ResolveBaseURL picks the explicit value, then EnvBaseURL, then DefaultBaseURL.
func ResolveBaseURL(explicit string) string {
	if v := NormalizeBaseURL(explicit); v != "" {
		return v
	}
	if v := NormalizeBaseURL(os.Getenv(EnvBaseURL)); v != "" {
		return v
	}
	return DefaultBaseURL
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = NormalizeBaseURL(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		hc:           &http.Client{Timeout: 2 * time.Minute},
		maxRespBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Endpoint returns the absolute URL for an API path.
func (c *Client) Endpoint(p string) string {
	u := *c.baseURL
	u.Path = joinPath(u.Path, p)
	return u.String()
}

// DoJSON sends in (when non-nil) as a JSON body and decodes a 2xx response
// into out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, method, p string, in any, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("apiclient: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, method, c.Endpoint(p), body)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	return c.do(r, out)
}

// PostMultipart uploads data as a single file part named field.
func (c *Client) PostMultipart(ctx context.Context, p string, field string, filename string, contentType string, data []byte, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("apiclient: create multipart part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("apiclient: write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("apiclient: close multipart body: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(p), &buf)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(r, out)
}

func (c *Client) do(r *http.Request, out any) error {
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.cookie != nil {
		r.AddCookie(c.cookie)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("apiclient: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       body,
		}
		var er struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &er) == nil {
			se.Message = strings.TrimSpace(er.Error)
			if se.Message == "" {
				se.Message = strings.TrimSpace(er.Message)
			}
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("apiclient: unmarshal response: %w", err)
	}
	return nil
}

// ErrorMessage extracts the backend-supplied message from err, if any.
func ErrorMessage(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return strings.TrimSpace(se.Message)
	}
	return ""
}

func joinPath(basePath string, suffix string) string {
	// path.Join cleans up redundant slashes, but preserves a leading slash.
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("apiclient: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
