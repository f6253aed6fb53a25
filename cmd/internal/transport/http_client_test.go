package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"chatsync/cmd/internal/backendsim"
	v1 "chatsync/shared/contracts/delta/v1"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, sim *backendsim.Server) *HTTPClient {
	t.Helper()

	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Init(ctx, v1.InitRequest{Account: "acme", Location: "mobile", Visitor: "v1"})
	require.NoError(t, err)
	return c
}

func TestNewHTTPClient_RejectsBadBaseURL(t *testing.T) {
	_, err := NewHTTPClient("ftp://example.com", nil)
	require.Error(t, err)

	_, err = NewHTTPClient("http://", nil)
	require.Error(t, err)
}

func TestHTTPClient_InitStoresCredentials(t *testing.T) {
	c := newTestClient(t, backendsim.New())

	creds := c.Credentials()
	require.NotEmpty(t, creds.SessionID)
	require.NotEmpty(t, creds.PageID)
	require.NotEmpty(t, creds.AuthToken)
}

func TestHTTPClient_PollPagesThroughLog(t *testing.T) {
	sim := backendsim.New(backendsim.WithPageSize(2))
	sim.AddMessage(v1.MessageItem{ID: "m1", Text: "one", TimestampMicros: 1000})
	sim.AddMessage(v1.MessageItem{ID: "m2", Text: "two", TimestampMicros: 2000})
	sim.AddMessage(v1.MessageItem{ID: "m3", Text: "three", TimestampMicros: 3000})

	c := newTestClient(t, sim)
	ctx := context.Background()

	b, err := c.Poll(ctx, "")
	require.NoError(t, err)
	require.True(t, b.HasMore)
	require.Len(t, b.Messages, 2)
	require.Equal(t, "2", b.Revision)

	b, err = c.Poll(ctx, b.Revision)
	require.NoError(t, err)
	require.False(t, b.HasMore)
	require.Len(t, b.Messages, 1)
	require.Equal(t, "m3", b.Messages[0].ID)

	require.True(t, sim.DeleteMessage("m1"))
	b, err = c.Poll(ctx, b.Revision)
	require.NoError(t, err)
	require.Empty(t, b.Messages)
	require.Equal(t, []string{"m1"}, b.Deleted)
	require.Equal(t, "4", b.Revision)
}

func TestHTTPClient_PollErrors(t *testing.T) {
	sim := backendsim.New()
	c := newTestClient(t, sim)
	ctx := context.Background()

	sim.InjectDeltaFault(backendsim.Fault{Kind: backendsim.FaultMalformed})
	_, err := c.Poll(ctx, "")
	require.ErrorIs(t, err, ErrDecode)

	sim.InjectDeltaFault(backendsim.Fault{Kind: backendsim.FaultHTTP})
	_, err = c.Poll(ctx, "")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDecode)
	require.NotErrorIs(t, err, ErrFatal)

	sim.SetFatal(v1.ErrorVisitorBanned)
	_, err = c.Poll(ctx, "")
	require.ErrorIs(t, err, ErrFatal)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, v1.ErrorVisitorBanned, fe.Reason)
}

func TestHTTPClient_RejectsBadCredentials(t *testing.T) {
	sim := backendsim.New()
	c := newTestClient(t, sim)
	c.SetCredentials(Credentials{PageID: "nope", AuthToken: "nope"})

	_, err := c.Poll(context.Background(), "")
	var se *ServiceError
	require.True(t, errors.As(err, &se))
	require.Equal(t, v1.ErrorInvalidPageOrAuthData, se.Code)
}

func TestHTTPClient_ActionsAndHistory(t *testing.T) {
	sim := backendsim.New()
	c := newTestClient(t, sim)
	ctx := context.Background()

	sid, err := c.SendMessage(ctx, "local-1", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	again, err := c.SendMessage(ctx, "local-1", "hello")
	require.NoError(t, err)
	require.Equal(t, sid, again, "send is idempotent by client-side id")

	require.NoError(t, c.EditMessage(ctx, "local-1", "hello, edited"))
	require.NoError(t, c.React(ctx, sid, "like"))
	require.NoError(t, c.SetTyping(ctx, true, "dra"))

	typing, draft := sim.Typing()
	require.True(t, typing)
	require.Equal(t, "dra", draft)

	h, err := c.FetchBefore(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, h.Messages, 1)
	require.Equal(t, "hello, edited", h.Messages[0].Text)
	require.Equal(t, "like", h.Messages[0].Reaction)
	require.False(t, h.HasMore)

	require.NoError(t, c.DeleteMessage(ctx, sid))
	err = c.DeleteMessage(ctx, sid)
	var se *ServiceError
	require.True(t, errors.As(err, &se))
}

func TestHTTPClient_SubscribeReceivesEvents(t *testing.T) {
	sim := backendsim.New()
	c := newTestClient(t, sim)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, func(ev Event) {
			select {
			case events <- ev:
			default:
			}
		})
	}()

	// Retry until the subscriber is registered.
	var got []Event
	deadline := time.After(4 * time.Second)
	for len(got) < 2 {
		sim.AddMessage(v1.MessageItem{Text: "ping"})
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no live events received")
		}
	}

	var sawRevision bool
	for _, ev := range got {
		if ev.Type == EventRevision {
			sawRevision = true
			require.NotEmpty(t, ev.Revision)
		}
	}
	require.True(t, sawRevision)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}

func TestDecodeLiveEvent(t *testing.T) {
	ev, err := decodeLiveEvent([]byte(`{"v":"v1","type":"revision","payload":{"revision":"9"}}`))
	require.NoError(t, err)
	require.Equal(t, EventRevision, ev.Type)
	require.Equal(t, "9", ev.Revision)

	ev, err = decodeLiveEvent([]byte(`{"v":"v1","type":"error","payload":{"code":"account-blocked"}}`))
	require.NoError(t, err)
	require.ErrorIs(t, ev.Err, ErrFatal)

	ev, err = decodeLiveEvent([]byte(`{"v":"v1","type":"chat_message_changed","payload":{"message":{"id":"m1"}}}`))
	require.NoError(t, err)
	require.Equal(t, EventMessageChanged, ev.Type)
	require.Equal(t, "m1", ev.Message.ID)

	_, err = decodeLiveEvent([]byte(`{"v":"v2","type":"revision","payload":{}}`))
	require.ErrorIs(t, err, ErrDecode)

	_, err = decodeLiveEvent([]byte(`not json`))
	require.ErrorIs(t, err, ErrDecode)
}

func TestIsFatalReason(t *testing.T) {
	require.True(t, IsFatalReason(v1.ErrorAccountBlocked))
	require.True(t, IsFatalReason(v1.ErrorWrongVisitorHash))
	require.False(t, IsFatalReason(v1.ErrorReinitRequired))
	require.False(t, IsFatalReason(""))
}
