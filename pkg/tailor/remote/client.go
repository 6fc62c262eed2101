// Package remote implements the tailor backends over the HTTP API served
// by the tailor server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/tailor/internal/types"
	"github.com/hyperengineering/tailor/pkg/tailor"
)

const defaultRequestTimeout = 30 * time.Second

// Client talks to a tailor server. It implements both tailor.AuthService
// and tailor.DocumentStore; the ID token of the last session it obtained
// authorizes document calls.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithStreamClient sets the client used for listen streams. It must not
// have an overall timeout.
func WithStreamClient(hc *http.Client) Option {
	return func(c *Client) { c.stream = hc }
}

// WithToken presets the ID token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultRequestTimeout},
		stream:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ tailor.AuthService   = (*Client)(nil)
	_ tailor.DocumentStore = (*Client)(nil)
)

// Token returns the current ID token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SignInAnonymously implements tailor.AuthService.
func (c *Client) SignInAnonymously(ctx context.Context) (tailor.Session, error) {
	return c.authenticate(ctx, "/api/v1/auth/anonymous", types.AnonymousSignInRequest{})
}

// SignInWithCustomToken implements tailor.AuthService.
func (c *Client) SignInWithCustomToken(ctx context.Context, token string) (tailor.Session, error) {
	return c.authenticate(ctx, "/api/v1/auth/custom", types.CustomTokenRequest{Token: token})
}

// Refresh implements tailor.AuthService.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (tailor.Session, error) {
	return c.authenticate(ctx, "/api/v1/auth/refresh", types.RefreshRequest{RefreshToken: refreshToken})
}

func (c *Client) authenticate(ctx context.Context, endpoint string, body any) (tailor.Session, error) {
	var resp types.AuthResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, false, body, http.StatusOK, &resp); err != nil {
		return tailor.Session{}, err
	}
	c.setToken(resp.IDToken)
	return tailor.Session{
		UID:          tailor.Identity(resp.UID),
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
	}, nil
}

// CreateDocument implements tailor.DocumentStore. Fields holding
// tailor.ServerTimestamp are sent as server timestamp requests.
func (c *Client) CreateDocument(ctx context.Context, path string, fields map[string]any) (string, error) {
	req := types.CreateDocumentRequest{Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		if tailor.IsServerTimestamp(v) {
			req.ServerTimestamps = append(req.ServerTimestamps, k)
			continue
		}
		req.Fields[k] = v
	}
	sort.Strings(req.ServerTimestamps)

	var resp types.CreateDocumentResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/documents/"+escapePath(path), true, req, http.StatusCreated, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ListDocuments fetches one ordered snapshot of path.
func (c *Client) ListDocuments(ctx context.Context, path string, order tailor.OrderBy) ([]tailor.Document, error) {
	var resp types.SnapshotMessage
	endpoint := "/api/v1/documents/" + escapePath(path) + "?" + orderQuery(order).Encode()
	if err := c.doJSON(ctx, http.MethodGet, endpoint, true, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return toDocuments(resp.Documents), nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, authorized bool, body any, want int, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func orderQuery(order tailor.OrderBy) url.Values {
	q := url.Values{}
	if order.Field != "" {
		q.Set("order_by", order.Field)
	}
	if order.Direction != "" {
		q.Set("direction", string(order.Direction))
	}
	return q
}

func toDocuments(docs []types.Document) []tailor.Document {
	out := make([]tailor.Document, len(docs))
	for i, d := range docs {
		out[i] = tailor.Document{ID: d.ID, Fields: d.Fields}
	}
	return out
}

func logger() *slog.Logger {
	return slog.With("component", "remote")
}
