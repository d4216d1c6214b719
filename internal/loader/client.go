package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptrace"
	"time"
)

const (
	defaultMaxBodySize = 10 << 20
	maxRedirects       = 10
)

// ErrTooManyRedirects is returned when a fetch exceeds the redirect limit
var ErrTooManyRedirects = errors.New("too many redirects")

// Response is a fetched document
type Response struct {
	StatusCode   int
	Header       http.Header
	ContentType  string
	Body         []byte
	FinalURL     string // After following redirects
	TTFB         time.Duration
	DownloadTime time.Duration
}

// IsHTML reports whether the response carries an HTML document
func (r *Response) IsHTML() bool {
	mediaType, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// HTTPClient fetches pages for the loader
type HTTPClient struct {
	client      *http.Client
	userAgent   string
	headers     map[string]string
	maxBodySize int64
}

// NewHTTPClient creates a client that identifies as userAgent
func NewHTTPClient(userAgent string, timeout time.Duration) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}

	return &HTTPClient{
		client:      client,
		userAgent:   userAgent,
		headers:     make(map[string]string),
		maxBodySize: defaultMaxBodySize,
	}
}

// StdClient exposes the underlying client so robots fetches share the
// connection pool
func (h *HTTPClient) StdClient() *http.Client {
	return h.client
}

// SetHeader adds a header sent with every request
func (h *HTTPClient) SetHeader(name, value string) {
	h.headers[name] = value
}

// SetMaxBodySize bounds how much of a response body is read
func (h *HTTPClient) SetMaxBodySize(n int64) {
	if n > 0 {
		h.maxBodySize = n
	}
}

// Get fetches rawURL. A non-2xx status is not an error.
func (h *HTTPClient) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	for name, value := range h.headers {
		req.Header.Set(name, value)
	}

	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = time.Now()
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	out := &Response{
		StatusCode:   resp.StatusCode,
		Header:       resp.Header,
		ContentType:  resp.Header.Get("Content-Type"),
		Body:         body,
		FinalURL:     resp.Request.URL.String(),
		DownloadTime: time.Since(start),
	}
	if !firstByte.IsZero() {
		out.TTFB = firstByte.Sub(start)
	}
	return out, nil
}

// Close releases idle connections
func (h *HTTPClient) Close() {
	h.client.CloseIdleConnections()
}
