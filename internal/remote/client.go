package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to the remote store.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
	intn    func(n int) int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithIntn overrides the random index source used for gift picks.
func WithIntn(intn func(n int) int) Option { return func(c *Client) { c.intn = intn } }

// New returns a client for the store at baseURL authenticated with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http:    http.DefaultClient,
		logger:  slog.Default(),
		intn:    rand.IntN,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether both base URL and key are set. A nil client
// is not configured.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	prefer string
}

type storeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
}

// do performs one call and decodes a 2xx body into out when out is set.
func (c *Client) do(ctx context.Context, r request, out any) error {
	if !c.Configured() {
		return &Error{Op: r.op, Code: CodeNotConfigured, Message: "remote store not configured"}
	}
	u := c.baseURL + "/rest/v1/" + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return &Error{Op: r.op, Code: CodeDecode, Message: "encode body", Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return &Error{Op: r.op, Code: CodeNetwork, Err: err}
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: r.op, Code: CodeNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var se storeError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = json.Unmarshal(raw, &se)
		if se.Message == "" {
			se.Message = strings.TrimSpace(string(raw))
		}
		return &Error{Op: r.op, Status: resp.StatusCode, Code: se.Code, Message: se.Message}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Op: r.op, Status: resp.StatusCode, Code: CodeDecode, Err: err}
	}
	return nil
}

func eq(v string) string { return "eq." + v }
