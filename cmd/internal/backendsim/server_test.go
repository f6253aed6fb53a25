package backendsim

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatsync/cmd/security/token"
	v1 "chatsync/shared/contracts/delta/v1"

	"github.com/stretchr/testify/require"
)

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func initPage(t *testing.T, h http.Handler) v1.InitResponse {
	t.Helper()

	rec := do(t, h, http.MethodPost, "/l/v/m/init", v1.InitRequest{Account: "acme", Location: "mobile"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp v1.InitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NoError(t, resp.Validate())
	return resp
}

func TestServer_DeltaRequiresCredentials(t *testing.T) {
	s := New()
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/l/v/m/delta", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	creds := initPage(t, h)
	rec = do(t, h, http.MethodGet, "/l/v/m/delta?page-id="+creds.PageID+"&auth-token="+creds.AuthToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp v1.DeltaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NoError(t, resp.Validate())
	require.Equal(t, "0", *resp.Revision)
	require.Empty(t, resp.Messages)
}

func TestServer_TokensStoredAsHMACDigest(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	s := New(WithTokenHMACKey(key))
	creds := initPage(t, s.Handler())

	s.mu.Lock()
	p := s.pages[creds.PageID]
	s.mu.Unlock()

	require.NotNil(t, p)
	require.NotEqual(t, creds.AuthToken, p.tokenHash)
	require.Equal(t, token.HashHMACSHA256Hex(creds.AuthToken, key), p.tokenHash)

	_, ok := s.authorizeLocked(creds.PageID, creds.AuthToken)
	require.True(t, ok)
	_, ok = s.authorizeLocked(creds.PageID, creds.AuthToken+"x")
	require.False(t, ok)
}

func TestServer_TokensStoredAsSHA256WithoutKey(t *testing.T) {
	s := New()
	creds := initPage(t, s.Handler())

	s.mu.Lock()
	p := s.pages[creds.PageID]
	s.mu.Unlock()

	require.NotNil(t, p)
	require.Equal(t, token.HashSHA256Hex(creds.AuthToken), p.tokenHash)
}

func TestServer_DeltaDedupesWithinPage(t *testing.T) {
	s := New(WithOpenAccess())
	s.AddMessage(v1.MessageItem{ID: "m1", Text: "a", TimestampMicros: 10})
	require.True(t, s.EditMessage("m1", "b"))

	rec := do(t, s.Handler(), http.MethodGet, "/l/v/m/delta", nil)
	var resp v1.DeltaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, resp.Messages, 1)
	require.Equal(t, "b", resp.Messages[0].Text)
	require.True(t, resp.Messages[0].Edited)
	require.Equal(t, "2", *resp.Revision)
}

func TestServer_DeltaRejectsUnknownRevision(t *testing.T) {
	s := New(WithOpenAccess())

	rec := do(t, s.Handler(), http.MethodGet, "/l/v/m/delta?since=42", nil)
	var resp v1.DeltaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, v1.ErrorReinitRequired, resp.Error)
}

func TestServer_FaultsAreConsumed(t *testing.T) {
	s := New(WithOpenAccess())
	s.InjectDeltaFault(Fault{Kind: FaultHTTP, Times: 2})
	h := s.Handler()

	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/l/v/m/delta", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/l/v/m/delta", nil).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/l/v/m/delta", nil).Code)
}

func TestServer_HistoryPaging(t *testing.T) {
	s := New(WithOpenAccess())
	for i := 1; i <= 5; i++ {
		s.AddMessage(v1.MessageItem{Text: "x", TimestampMicros: int64(i * 100)})
	}

	rec := do(t, s.Handler(), http.MethodGet, "/l/v/m/history?before-ts=400&limit=2", nil)
	var resp v1.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, resp.Messages, 2)
	require.Equal(t, int64(200), resp.Messages[0].TimestampMicros)
	require.Equal(t, int64(300), resp.Messages[1].TimestampMicros)
	require.True(t, resp.HasMore)
}

func TestServer_SendIsRateLimited(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(WithClock(func() time.Time { return now }))
	h := s.Handler()
	creds := initPage(t, h)
	target := "/l/v/m/action?page-id=" + creds.PageID + "&auth-token=" + creds.AuthToken

	for i := 0; i < rateLimitEvents; i++ {
		rec := do(t, h, http.MethodPost, target, v1.ActionRequest{Action: v1.ActionSetTyping, Typing: true})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, http.MethodPost, target, v1.ActionRequest{Action: v1.ActionSetTyping, Typing: true})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(100, 0)

	require.True(t, rl.Allow(now))
	require.True(t, rl.Allow(now))
	require.False(t, rl.Allow(now))
	require.True(t, rl.Allow(now.Add(2*time.Second)))
}
