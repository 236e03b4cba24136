// Package completion is a client for the remote chat completion endpoint.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const chatPath = "/v1/chat/"

// Message is one prior turn sent as context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the completion call payload.
type Request struct {
	UserMessage    string    `json:"user_message"`
	CollectionName string    `json:"collection_name"`
	UserID         string    `json:"user_id"`
	PastMessages   []Message `json:"past_messages"`
}

// Document is a retrieved source document.
type Document struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// SourceDocument is a document the backend used to answer, with its
// retrieval distance when reported.
type SourceDocument struct {
	Document Document `json:"document"`
	Distance *float64 `json:"distance,omitempty"`
}

// Response is the completion call result.
type Response struct {
	AIResponse      string           `json:"ai_response"`
	MessageID       string           `json:"message_id"`
	SourceDocuments []SourceDocument `json:"source_documents,omitempty"`
}

// Client posts chat requests to the backend with a bearer credential.
type Client struct {
	baseURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithRateLimit caps outgoing calls at r per second with the given burst.
// A zero r leaves calls unlimited.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// NewClient creates a Client for baseURL. tokens supplies the bearer
// credential for each call.
func NewClient(baseURL string, tokens oauth2.TokenSource, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("completion: base URL must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("completion: token source must not be nil")
	}
	c := &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chat sends one completion request. Every failure after the credential
// check is a *RemoteCallFault.
func (c *Client) Chat(ctx context.Context, in Request) (*Response, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("completion: credential: %w", err)
	}
	if in.PastMessages == nil {
		in.PastMessages = []Message{}
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("completion: marshal request: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &RemoteCallFault{Message: err.Error(), Err: err}
		}
	}

	url := c.baseURL + chatPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("completion: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(req)

	raw, err := c.doJSONRequest(req)
	if err != nil {
		return nil, err
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &RemoteCallFault{Message: GenericFailure, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

func (c *Client) doJSONRequest(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteCallFault{Message: transportMessage(err), Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		msg := errorDetail(buf)
		if msg == "" {
			msg = fmt.Sprintf("Request failed with status code %d", res.StatusCode)
		}
		return nil, &RemoteCallFault{
			StatusCode: res.StatusCode,
			Message:    msg,
			Err:        fmt.Errorf("POST %s: %s", req.URL.Redacted(), http.StatusText(res.StatusCode)),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, &RemoteCallFault{Message: transportMessage(err), Err: fmt.Errorf("read response body: %w", err)}
	}
	return buf, nil
}

// errorDetail extracts the backend's "detail" field from an error body.
// Structured details are returned as compact JSON.
func errorDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil {
		return strings.TrimSpace(s)
	}
	if string(payload.Detail) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload.Detail); err != nil {
		return ""
	}
	return buf.String()
}

func transportMessage(err error) string {
	if err == nil {
		return GenericFailure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The request timed out."
	}
	return err.Error()
}
