// Package main provides a CI-friendly smoke test for the chat service protocol, run
// against `chatsync backend-sim` or a compatible service.
//
// It validates:
//   - init issues credentials
//   - live feed connects and announces a sent message
//   - delta poll returns the message and a new revision
//   - send is idempotent by client-side ID
//   - an up-to-date delta poll is empty
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "chatsync/shared/contracts/delta/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	base  *url.URL
	hc    *http.Client
	creds v1.InitResponse

	inbox chan v1.LiveEnvelope
	errCh chan error
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8090", "Service base URL")
		account  = flag.String("account", "smoke", "Account name")
		location = flag.String("location", "mobile", "Location")
		text     = flag.String("text", "hello chatsync 👋", "Message text to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()
	c := &smokeClient{
		base:  base,
		hc:    &http.Client{Timeout: *timeout},
		inbox: make(chan v1.LiveEnvelope, 512),
		errCh: make(chan error, 1),
	}

	c.creds = c.mustInit(root, v1.InitRequest{Account: *account, Location: *location})
	if *verbose {
		fmt.Printf("initialized: session=%s page=%s\n", c.creds.SessionID, c.creds.PageID)
	}

	start := c.mustDelta(root, "")
	conn := c.mustConnectLive(root, *timeout)
	defer closeWS(conn)

	clientSideID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	serverID := c.mustSend(root, clientSideID, *text)

	env := c.mustReadUntilType(root, v1.TypeChatMessage, *timeout)
	var p v1.ChatMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal chat_message payload: %v", err)
	}
	if p.Message.ID != serverID || p.Message.ClientSideID != clientSideID || p.Message.Text != *text {
		fatalf("chat_message mismatch: id=%q client_side_id=%q text=%q", p.Message.ID, p.Message.ClientSideID, p.Message.Text)
	}

	delta := c.mustDelta(root, *start.Revision)
	if *delta.Revision == *start.Revision {
		fatalf("delta: revision did not advance from %q", *start.Revision)
	}
	if !containsMessage(delta.Messages, serverID) {
		fatalf("delta: message %s missing from %d items", serverID, len(delta.Messages))
	}

	if again := c.mustSend(root, clientSideID, *text); again != serverID {
		fatalf("dedupe: server id mismatch: first=%s second=%s", serverID, again)
	}

	tail := c.mustDelta(root, *delta.Revision)
	if len(tail.Messages) != 0 || len(tail.Deleted) != 0 {
		fatalf("dedupe: resend produced changes: messages=%d deleted=%d", len(tail.Messages), len(tail.Deleted))
	}

	fmt.Printf("OK: session=%s revision=%s server_side_id=%s\n", c.creds.SessionID, *delta.Revision, serverID)
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func (c *smokeClient) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q == nil {
		q = url.Values{}
	}
	if c.creds.PageID != "" {
		q.Set("page-id", c.creds.PageID)
		q.Set("auth-token", c.creds.AuthToken)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *smokeClient) mustInit(ctx context.Context, req v1.InitRequest) v1.InitResponse {
	var resp v1.InitResponse
	c.mustDo(ctx, http.MethodPost, c.endpoint("/l/v/m/init", nil), req, &resp)
	if resp.Error != "" {
		fatalf("init: service error %q", resp.Error)
	}
	if err := resp.Validate(); err != nil {
		fatalf("init: %v", err)
	}
	return resp
}

func (c *smokeClient) mustDelta(ctx context.Context, since string) v1.DeltaResponse {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	var resp v1.DeltaResponse
	c.mustDo(ctx, http.MethodGet, c.endpoint("/l/v/m/delta", q), nil, &resp)
	if resp.Error != "" {
		fatalf("delta: service error %q", resp.Error)
	}
	if err := resp.Validate(); err != nil {
		fatalf("delta: %v", err)
	}
	return resp
}

func (c *smokeClient) mustSend(ctx context.Context, clientSideID, text string) string {
	var resp v1.ActionResponse
	c.mustDo(ctx, http.MethodPost, c.endpoint("/l/v/m/action", nil), v1.ActionRequest{
		Action:       v1.ActionSendMessage,
		ClientSideID: clientSideID,
		Text:         text,
	}, &resp)
	if resp.Error != "" {
		fatalf("send: service error %q", resp.Error)
	}
	if strings.TrimSpace(resp.ServerSideID) == "" {
		fatalf("send: missing server-side id")
	}
	return resp.ServerSideID
}

func (c *smokeClient) mustDo(ctx context.Context, method, target string, body, out any) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fatalf("%s %s: status %d", method, req.URL.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReadBytes)).Decode(out); err != nil {
		fatalf("%s %s: decode: %v", method, req.URL.Path, err)
	}
}

func (c *smokeClient) mustConnectLive(parent context.Context, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	target := c.endpoint("/l/v/m/live", nil)
	target = "ws" + strings.TrimPrefix(target, "http")

	conn, resp, err := websocket.Dial(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect live: %v", err)
	}
	conn.SetReadLimit(maxReadBytes)

	go c.readLoop(conn)
	return conn
}

func (c *smokeClient) readLoop(conn *websocket.Conn) {
	defer close(c.inbox)
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case c.errCh <- err:
			default:
			}
			return
		}
		var env v1.LiveEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.errCh <- fmt.Errorf("decode envelope: %w", err)
			return
		}
		if err := env.Validate(); err != nil {
			c.errCh <- fmt.Errorf("invalid envelope: %w", err)
			return
		}
		c.inbox <- env
	}
}

// mustReadUntilType skips revision announcements until wantType arrives.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.LiveEnvelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("live error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("live closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("service error: code=%q msg=%q", ep.Code, ep.Message)
			}
			if env.Type == v1.TypeRevision {
				continue
			}
			fatalf("unexpected live type: got=%q want=%q", env.Type, wantType)
		}
	}
}

func containsMessage(items []v1.MessageItem, id string) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
