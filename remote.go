package socialflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:8090"
	DefaultTimeout = 30 * time.Second
)

// APIError is the error object of a response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// apiResult is the response envelope of every REST call.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (r *apiResult) decode(v any) error {
	if len(r.Data) == 0 || v == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.Data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ============================================================================
// RemoteBackend
// ============================================================================

// RemoteBackend talks to a hosted service over HTTP, with change streams
// carried by a RealtimeClient.
type RemoteBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	rtConfig   RealtimeConfig

	mu       sync.RWMutex
	identity *Identity
	rt       *RealtimeClient
}

// RemoteOption configures a RemoteBackend.
type RemoteOption func(*RemoteBackend)

func WithBaseURL(u string) RemoteOption {
	return func(r *RemoteBackend) { r.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) RemoteOption {
	return func(r *RemoteBackend) { r.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *RemoteBackend) { r.httpClient = client }
}

func WithRemoteLogger(l *zap.Logger) RemoteOption {
	return func(r *RemoteBackend) { r.logger = l }
}

// WithRealtimeConfig overrides the change-stream settings. The token is
// always taken from the backend.
func WithRealtimeConfig(cfg RealtimeConfig) RemoteOption {
	return func(r *RemoteBackend) { r.rtConfig = cfg }
}

// NewRemoteBackend creates a backend authenticating with token.
func NewRemoteBackend(token string, opts ...RemoteOption) *RemoteBackend {
	r := &RemoteBackend{
		baseURL:  DefaultBaseURL,
		token:    token,
		logger:   zap.NewNop(),
		rtConfig: RealtimeConfig{AutoReconnect: true},
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Backend = (*RemoteBackend)(nil)

// Connect resolves the current identity. Call it before handing the backend
// to a Session.
func (r *RemoteBackend) Connect(ctx context.Context) (*Identity, error) {
	var ident Identity
	if err := r.call(ctx, "current identity", http.MethodGet, "/api/auth/me", nil, &ident); err != nil {
		return nil, err
	}
	if ident.ID == "" {
		return nil, NewError("current identity", ErrUnauthenticated, nil)
	}
	r.mu.Lock()
	r.identity = &ident
	r.mu.Unlock()
	return &ident, nil
}

// CurrentIdentity returns the identity resolved by Connect.
func (r *RemoteBackend) CurrentIdentity() *Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity == nil {
		return nil
	}
	id := *r.identity
	return &id
}

// Realtime returns the change-stream client, creating it on first use.
func (r *RemoteBackend) Realtime() *RealtimeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rt == nil {
		cfg := r.rtConfig
		cfg.Token = r.token
		if cfg.Logger == nil {
			cfg.Logger = r.logger
		}
		r.rt = NewRealtimeClient(r.baseURL, &cfg)
	}
	return r.rt
}

// Close disconnects the change stream.
func (r *RemoteBackend) Close() error {
	r.mu.Lock()
	rt := r.rt
	r.mu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Disconnect()
}

type queryRequest struct {
	Filter Filter `json:"filter,omitempty"`
	Order  *Order `json:"order,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (r *RemoteBackend) Query(ctx context.Context, resource string, filter Filter, order Order, limit int) ([]Record, error) {
	req := queryRequest{Filter: filter, Limit: limit}
	if order.Field != "" {
		req.Order = &order
	}
	var rows []Record
	if err := r.call(ctx, "query "+resource, http.MethodPost, recordsPath(resource, "query"), req, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *RemoteBackend) Count(ctx context.Context, resource string, filter Filter) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := r.call(ctx, "count "+resource, http.MethodPost, recordsPath(resource, "count"), queryRequest{Filter: filter}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (r *RemoteBackend) Insert(ctx context.Context, resource string, rec Record) (Record, error) {
	var row Record
	if err := r.call(ctx, "insert "+resource, http.MethodPost, recordsPath(resource), rec, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *RemoteBackend) Update(ctx context.Context, resource, id string, patch Record) (Record, error) {
	var row Record
	if err := r.call(ctx, "update "+resource, http.MethodPatch, recordsPath(resource, id), patch, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *RemoteBackend) Delete(ctx context.Context, resource, id string) error {
	return r.call(ctx, "delete "+resource, http.MethodDelete, recordsPath(resource, id), nil, nil)
}

// Subscribe opens the change stream if needed and registers onEvent.
func (r *RemoteBackend) Subscribe(ctx context.Context, resource string, filter Filter, onEvent func(ChangeEvent)) (Disposer, error) {
	rt := r.Realtime()
	if err := rt.Connect(ctx); err != nil {
		return nil, classify("subscribe "+resource, err)
	}
	return rt.Subscribe(ctx, resource, filter, onEvent)
}

func recordsPath(resource string, parts ...string) string {
	p := "/api/records/" + url.PathEscape(resource)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// ============================================================================
// Internal request helper
// ============================================================================

func (r *RemoteBackend) doRequest(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (r *RemoteBackend) call(ctx context.Context, op, method, path string, body, out any) error {
	data, status, err := r.doRequest(ctx, method, path, body)
	if err != nil {
		return NewError(op, ErrTransport, err)
	}
	var res apiResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			if status >= 400 {
				return NewError(op, statusKind(status), fmt.Errorf("HTTP %d", status))
			}
			return NewError(op, ErrTransport, fmt.Errorf("failed to unmarshal response: %w", err))
		}
	}
	if status >= 400 || !res.OK {
		var cause error = fmt.Errorf("HTTP %d", status)
		if res.Error != nil {
			cause = res.Error
		}
		if status == http.StatusUnauthorized {
			cause = fmt.Errorf("%w: %w", ErrUnauthenticated, cause)
		}
		kind := statusKind(status)
		if status < 400 {
			kind = ErrValidation
		}
		r.logger.Debug("request rejected", zap.String("op", op), zap.Int("status", status), zap.Error(cause))
		return NewError(op, kind, cause)
	}
	if err := res.decode(out); err != nil {
		return NewError(op, ErrTransport, fmt.Errorf("failed to decode data: %w", err))
	}
	return nil
}

// statusKind maps an HTTP status to an error kind.
func statusKind(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrPermission
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity, status == http.StatusConflict:
		return ErrValidation
	default:
		return ErrTransport
	}
}

// IsPermission reports whether err is a rejected write or missing session.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission) || errors.Is(err, ErrUnauthenticated)
}
