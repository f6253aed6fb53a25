package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "chatsync/shared/contracts/delta/v1"

	"github.com/coder/websocket"
)

// Service paths.
const (
	PathInit    = "/l/v/m/init"
	PathDelta   = "/l/v/m/delta"
	PathHistory = "/l/v/m/history"
	PathAction  = "/l/v/m/action"
	PathLive    = "/l/v/m/live"
)

const (
	maxResponseBytes = 4 << 20 // 4MiB
	maxLiveReadBytes = 1 << 20 // 1MiB
	defaultTimeout   = 30 * time.Second
)

// HTTPClient implements Poller, HistoryFetcher, Actions, Authenticator and LiveEvents
// against the chat service.
type HTTPClient struct {
	base *url.URL
	hc   *http.Client
	log  *slog.Logger

	mu    sync.RWMutex
	creds Credentials
}

var (
	_ Poller         = (*HTTPClient)(nil)
	_ HistoryFetcher = (*HTTPClient)(nil)
	_ Actions        = (*HTTPClient)(nil)
	_ Authenticator  = (*HTTPClient)(nil)
	_ LiveEvents     = (*HTTPClient)(nil)
)

// HTTPOption configures HTTPClient behavior.
type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithCredentials presets the credentials (e.g. restored from the keystore).
func WithCredentials(creds Credentials) HTTPOption {
	return func(c *HTTPClient) { c.creds = creds }
}

// NewHTTPClient constructs a client for the service at baseURL.
func NewHTTPClient(baseURL string, log *slog.Logger, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: unsupported scheme: %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("transport: base url missing host")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &HTTPClient{
		base: u,
		hc:   &http.Client{Timeout: defaultTimeout},
		log:  log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Credentials returns the credentials in use.
func (c *HTTPClient) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// SetCredentials replaces the credentials in use.
func (c *HTTPClient) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

// Init opens a session and stores the returned credentials on the client.
func (c *HTTPClient) Init(ctx context.Context, req v1.InitRequest) (Credentials, error) {
	var resp v1.InitResponse
	if err := c.do(ctx, "init", http.MethodPost, PathInit, nil, req, &resp); err != nil {
		return Credentials{}, err
	}
	if err := serviceError("init", resp.Error); err != nil {
		return Credentials{}, err
	}
	if err := resp.Validate(); err != nil {
		return Credentials{}, &DecodeError{Op: "init", Err: err}
	}

	creds := Credentials{SessionID: resp.SessionID, PageID: resp.PageID, AuthToken: resp.AuthToken}
	c.SetCredentials(creds)
	return creds, nil
}

// Poll requests every change since the given revision.
func (c *HTTPClient) Poll(ctx context.Context, since string) (DeltaBatch, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}

	var resp v1.DeltaResponse
	if err := c.do(ctx, "delta", http.MethodGet, PathDelta, q, nil, &resp); err != nil {
		return DeltaBatch{}, err
	}
	if err := serviceError("delta", resp.Error); err != nil {
		return DeltaBatch{}, err
	}
	if err := resp.Validate(); err != nil {
		return DeltaBatch{}, &DecodeError{Op: "delta", Err: err}
	}

	return DeltaBatch{
		Revision: *resp.Revision,
		HasMore:  resp.HasMore,
		Messages: resp.Messages,
		Deleted:  resp.Deleted,
	}, nil
}

// FetchBefore requests a page of history older than beforeMicros.
func (c *HTTPClient) FetchBefore(ctx context.Context, beforeMicros int64, limit int) (HistoryBatch, error) {
	q := url.Values{}
	if beforeMicros > 0 {
		q.Set("before-ts", strconv.FormatInt(beforeMicros, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp v1.HistoryResponse
	if err := c.do(ctx, "history", http.MethodGet, PathHistory, q, nil, &resp); err != nil {
		return HistoryBatch{}, err
	}
	if err := serviceError("history", resp.Error); err != nil {
		return HistoryBatch{}, err
	}
	return HistoryBatch{Messages: resp.Messages, HasMore: resp.HasMore}, nil
}

// SendMessage sends a text message and returns the server-side ID.
func (c *HTTPClient) SendMessage(ctx context.Context, clientSideID, text string) (string, error) {
	resp, err := c.action(ctx, v1.ActionRequest{Action: v1.ActionSendMessage, ClientSideID: clientSideID, Text: text})
	if err != nil {
		return "", err
	}
	return resp.ServerSideID, nil
}

// EditMessage replaces the text of a message.
func (c *HTTPClient) EditMessage(ctx context.Context, id, text string) error {
	_, err := c.action(ctx, v1.ActionRequest{Action: v1.ActionEditMessage, ClientSideID: id, Text: text})
	return err
}

// DeleteMessage deletes a message.
func (c *HTTPClient) DeleteMessage(ctx context.Context, id string) error {
	_, err := c.action(ctx, v1.ActionRequest{Action: v1.ActionDeleteMessage, ClientSideID: id})
	return err
}

// React sets the visitor reaction on a message.
func (c *HTTPClient) React(ctx context.Context, id, reaction string) error {
	_, err := c.action(ctx, v1.ActionRequest{Action: v1.ActionReact, ClientSideID: id, Reaction: reaction})
	return err
}

// SetTyping reports the visitor typing state and draft.
func (c *HTTPClient) SetTyping(ctx context.Context, typing bool, draft string) error {
	_, err := c.action(ctx, v1.ActionRequest{
		Action:      v1.ActionSetTyping,
		Typing:      typing,
		Draft:       draft,
		DeleteDraft: !typing && draft == "",
	})
	return err
}

func (c *HTTPClient) action(ctx context.Context, req v1.ActionRequest) (v1.ActionResponse, error) {
	var resp v1.ActionResponse
	if err := c.do(ctx, req.Action, http.MethodPost, PathAction, nil, req, &resp); err != nil {
		return v1.ActionResponse{}, err
	}
	if err := serviceError(req.Action, resp.Error); err != nil {
		return v1.ActionResponse{}, err
	}
	return resp, nil
}

// Subscribe dials the live endpoint and streams decoded events to onEvent.
func (c *HTTPClient) Subscribe(ctx context.Context, onEvent func(Event)) error {
	u := c.endpoint(PathLive, nil)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: c.hc})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("transport: live dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxLiveReadBytes)
	c.log.Info("transport.live.connected", "url", redactURL(u))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transport: live read: %w", err)
		}

		ev, err := decodeLiveEvent(data)
		if err != nil {
			c.log.Warn("transport.live.drop", "err", err)
			continue
		}
		onEvent(ev)
	}
}

func decodeLiveEvent(data []byte) (Event, error) {
	var env v1.LiveEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, &DecodeError{Op: "live", Err: err}
	}
	if err := env.Validate(); err != nil {
		return Event{}, &DecodeError{Op: "live", Err: err}
	}

	switch env.Type {
	case v1.TypeRevision:
		var p v1.RevisionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.Revision) == "" {
			return Event{}, &DecodeError{Op: "live.revision", Err: errors.New("missing revision")}
		}
		return Event{Type: EventRevision, Revision: p.Revision}, nil

	case v1.TypeChatMessage, v1.TypeChatMessageChanged:
		var p v1.ChatMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, &DecodeError{Op: "live.message", Err: err}
		}
		t := EventMessage
		if env.Type == v1.TypeChatMessageChanged {
			t = EventMessageChanged
		}
		return Event{Type: t, Message: p.Message}, nil

	default: // v1.TypeError
		var p v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Code == "" {
			return Event{}, &DecodeError{Op: "live.error", Err: errors.New("missing code")}
		}
		return Event{Type: EventError, Err: serviceError("live", p.Code)}, nil
	}
}

func (c *HTTPClient) endpoint(path string, q url.Values) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	if q == nil {
		q = url.Values{}
	}
	creds := c.Credentials()
	if creds.PageID != "" {
		q.Set("page-id", creds.PageID)
	}
	if creds.AuthToken != "" {
		q.Set("auth-token", creds.AuthToken)
	}
	u.RawQuery = q.Encode()
	return &u
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: %s: encode request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q).String(), rd)
	if err != nil {
		return fmt.Errorf("transport: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("transport: %s: read body: %w", op, err)
	}

	c.log.Debug("transport.http.done",
		"op", op,
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 400 {
		// The service reports error codes in a JSON body even on 4xx.
		var e struct {
			Error string `json:"error"`
		}
		if resp.StatusCode < 500 && json.Unmarshal(data, &e) == nil && e.Error != "" {
			return serviceError(op, e.Error)
		}
		return fmt.Errorf("transport: %s: http %d", op, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &DecodeError{Op: op, Err: err}
	}
	return nil
}

func redactURL(u *url.URL) string {
	cp := *u
	q := cp.Query()
	if q.Has("auth-token") {
		q.Set("auth-token", "redacted")
	}
	cp.RawQuery = q.Encode()
	return cp.String()
}
