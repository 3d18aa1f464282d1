// Package remote is the HTTP client for the portal's REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

// MaxResponseBytes bounds how much of a response body is read.
const MaxResponseBytes = 1 << 20

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Config holds the remote API connection settings.
type Config struct {
	BaseURL string
	// Timeout bounds each request, including reading the response.
	Timeout time.Duration
	Tokens  TokenSource
	// UserAgent is sent with every request when set.
	UserAgent string
}

// Client issues requests against the remote API.
type Client struct {
	base       *url.URL
	config     Config
	httpClient *http.Client
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPError reports a non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// NewClient creates a Client. A nil httpClient gets a pooled default transport.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errs.Newf(errs.ErrInvalid, "invalid remote base url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}
	return &Client{base: base, config: cfg, httpClient: httpClient}, nil
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// PostJSON POSTs v as JSON to path.
func (c *Client) PostJSON(ctx context.Context, path string, v interface{}) (*Response, error) {
	return c.doJSON(ctx, http.MethodPost, path, v)
}

// PutJSON PUTs v as JSON to path.
func (c *Client) PutJSON(ctx context.Context, path string, v interface{}) (*Response, error) {
	return c.doJSON(ctx, http.MethodPut, path, v)
}

// Delete issues a DELETE for path.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, "")
}

// Upload describes a multipart file upload.
type Upload struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     []byte
	Fields      map[string]string
}

// PostMultipart POSTs a multipart/form-data body built from u.
func (c *Client) PostMultipart(ctx context.Context, path string, u Upload) (*Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range u.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	field := u.FieldName
	if field == "" {
		field = "file"
	}
	name := u.FileName
	if name == "" {
		name = "upload"
	}
	var part io.Writer
	var err error
	if u.ContentType == "" {
		part, err = w.CreateFormFile(field, name)
	} else {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		h.Set("Content-Type", u.ContentType)
		part, err = w.CreatePart(h)
	}
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(u.Content); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}
	return c.Do(ctx, http.MethodPost, path, &buf, w.FormDataContentType())
}

func (c *Client) doJSON(ctx context.Context, method, path string, v interface{}) (*Response, error) {
	var body io.Reader
	switch b := v.(type) {
	case nil:
	case json.RawMessage:
		body = bytes.NewReader(b)
	case []byte:
		body = bytes.NewReader(b)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errs.Wrap(errs.ErrInvalid, "failed to encode request body", err)
		}
		body = bytes.NewReader(data)
	}
	return c.Do(ctx, method, path, body, "application/json")
}

// Do sends a request and reads the response. Non-2xx responses return the
// Response together with an *HTTPError.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader, contentType string) (*Response, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := c.createRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response body: %w", method, path, err)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       data,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	return out, nil
}

// createRequest builds an authenticated request for path relative to the base URL.
func (c *Client) createRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := c.base.String() + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalid, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.Tokens != nil {
		token, err := c.config.Tokens.Token(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrSyncAuthFailed, "failed to obtain bearer token", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// ParseRetryAfter interprets a Retry-After header as seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// StatusCode extracts the HTTP status from err, or 0 if err is not an *HTTPError.
func StatusCode(err error) int {
	if he, ok := AsHTTPError(err); ok {
		return he.StatusCode
	}
	return 0
}
