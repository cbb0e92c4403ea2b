package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
)

// defaultFetchMaxBytes caps http_fetch bodies when config leaves the limit
// unset (1 MiB).
const defaultFetchMaxBytes = 1 << 20

type httpFetchArgs struct {
	URL      string `json:"url" jsonschema:"description=Absolute http or https URL to fetch"`
	MaxBytes int64  `json:"maxBytes,omitempty" jsonschema:"description=Response size cap in bytes,minimum=1"`
}

// HTTPFetch retrieves a URL with GET and returns the size-capped body.
// Private and loopback addresses are refused so a prompt cannot probe the
// gateway's own network.
type HTTPFetch struct {
	client       *http.Client
	maxBytes     int64
	allowPrivate bool
	schema       json.RawMessage
}

// HTTPFetchOption customizes HTTPFetch construction.
type HTTPFetchOption func(*HTTPFetch)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) HTTPFetchOption {
	return func(t *HTTPFetch) {
		if client != nil {
			t.client = client
		}
	}
}

// AllowPrivateHosts disables the private-address guard (useful for tests,
// which fetch from loopback listeners).
func AllowPrivateHosts() HTTPFetchOption {
	return func(t *HTTPFetch) { t.allowPrivate = true }
}

// NewHTTPFetch creates the http_fetch tool with the given body cap.
func NewHTTPFetch(maxBytes int64, opts ...HTTPFetchOption) *HTTPFetch {
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}
	t := &HTTPFetch{
		client:   http.DefaultClient,
		maxBytes: maxBytes,
		schema:   reflectSchema(&httpFetchArgs{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPFetch) Name() string { return "http_fetch" }

func (t *HTTPFetch) Description() string {
	return "Fetch a public http(s) URL with GET and return the response body, truncated to a size cap."
}

func (t *HTTPFetch) Schema() json.RawMessage { return t.schema }

func (t *HTTPFetch) Invoke(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args httpFetchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	parsed, err := url.Parse(args.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	if !t.allowPrivate && isPrivateHost(parsed.Hostname()) {
		return nil, fmt.Errorf("refusing to fetch a private address")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "parley-http-fetch/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	limit := t.maxBytes
	if args.MaxBytes > 0 && args.MaxBytes < limit {
		limit = args.MaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}

	payload := map[string]any{
		"url":         args.URL,
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
		"body":        string(body),
	}
	if truncated {
		payload["truncated"] = true
	}
	return json.Marshal(payload)
}

// isPrivateHost reports whether the host is a literal address inside
// loopback, RFC 1918, link-local, or unspecified ranges, or a localhost
// name. Names that resolve privately are the operator's responsibility.
func isPrivateHost(host string) bool {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}
	lower := strings.ToLower(host)
	return lower == "localhost" || strings.HasSuffix(lower, ".localhost")
}
