package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/tailor/internal/api"
	"github.com/hyperengineering/tailor/internal/auth"
	"github.com/hyperengineering/tailor/internal/store"
	tailorsync "github.com/hyperengineering/tailor/internal/sync"
	"github.com/hyperengineering/tailor/pkg/tailor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	url    string
	issuer *auth.Issuer
	hub    *tailorsync.Hub
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	issuer, err := auth.NewIssuer([]byte("remote-test-key"), time.Hour, 24*time.Hour)
	require.NoError(t, err)
	hub := tailorsync.NewHub()

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(s, hub, issuer, "test", time.Hour)))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		s.Close()
	})
	return &backend{url: srv.URL, issuer: issuer, hub: hub}
}

func newEngine(t *testing.T, b *backend, cfg tailor.Config) (*tailor.Engine, *Client) {
	t.Helper()
	client := New(b.url)
	e, err := tailor.New(cfg, client, client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Dispose() })
	return e, client
}

func waitFor(t *testing.T, e *tailor.Engine, desc string, pred func(tailor.State) bool) tailor.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := e.WaitFor(ctx, pred)
	require.NoError(t, err, "waiting for %s, last state %+v", desc, s)
	return s
}

func loaded(s tailor.State) bool {
	return s.Phase == tailor.PhaseSubscriptionActive && !s.Loading
}

func TestClient_SignInAnonymously(t *testing.T) {
	b := newBackend(t)
	c := New(b.url)

	sess, err := c.SignInAnonymously(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, tailor.None, sess.UID)
	assert.Equal(t, sess.IDToken, c.Token())
	assert.False(t, sess.ExpiresAt.IsZero())

	refreshed, err := c.Refresh(context.Background(), sess.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, sess.UID, refreshed.UID)
	assert.Equal(t, refreshed.IDToken, c.Token())
}

func TestClient_SignInWithCustomToken(t *testing.T) {
	b := newBackend(t)
	token, err := b.issuer.MintCustomToken("shop-1", time.Hour)
	require.NoError(t, err)

	sess, err := New(b.url).SignInWithCustomToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, tailor.Identity("shop-1"), sess.UID)

	_, err = New(b.url).SignInWithCustomToken(context.Background(), "forged")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestClient_CreateDocument_SendsServerTimestamps(t *testing.T) {
	b := newBackend(t)
	c := New(b.url)
	sess, err := c.SignInAnonymously(context.Background())
	require.NoError(t, err)
	path := tailor.UserCustomersPath(sess.UID)

	id, err := c.CreateDocument(context.Background(), path, map[string]any{
		tailor.FieldName:      "Ada",
		tailor.FieldPhone:     "555-0100",
		tailor.FieldCreatedAt: tailor.ServerTimestamp,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	docs, err := c.ListDocuments(context.Background(), path, tailor.OrderBy{Field: tailor.FieldCreatedAt, Direction: tailor.Descending})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID)
	ts, ok := docs[0].Fields[tailor.FieldCreatedAt].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestClient_CreateDocument_ProblemDetails(t *testing.T) {
	b := newBackend(t)
	c := New(b.url)
	sess, err := c.SignInAnonymously(context.Background())
	require.NoError(t, err)

	_, err = c.CreateDocument(context.Background(), tailor.UserCustomersPath(sess.UID), map[string]any{"bad name": "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.NotEmpty(t, apiErr.Errors)
	assert.Equal(t, "fields.bad name", apiErr.Errors[0].Field)

	_, err = c.CreateDocument(context.Background(), "users/someone-else/customers", map[string]any{"name": "x"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestClient_SubscribeForbidden(t *testing.T) {
	b := newBackend(t)
	c := New(b.url)
	_, err := c.SignInAnonymously(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	sub, err := c.SubscribeOrderedCollection(context.Background(), "users/someone-else/customers",
		tailor.OrderBy{Field: tailor.FieldCreatedAt, Direction: tailor.Descending},
		func([]tailor.Document) { t.Error("unexpected snapshot") },
		func(err error) { errs <- err },
	)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case err := <-errs:
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	b := newBackend(t)
	c := New(b.url)
	sess, err := c.SignInAnonymously(context.Background())
	require.NoError(t, err)
	path := tailor.UserCustomersPath(sess.UID)

	snapshots := make(chan []tailor.Document, 8)
	sub, err := c.SubscribeOrderedCollection(context.Background(), path,
		tailor.OrderBy{Field: tailor.FieldCreatedAt, Direction: tailor.Descending},
		func(docs []tailor.Document) { snapshots <- docs },
		func(err error) { t.Errorf("unexpected error: %v", err) },
	)
	require.NoError(t, err)

	select {
	case docs := <-snapshots:
		assert.Empty(t, docs)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial snapshot")
	}

	sub.Unsubscribe()
	_, err = c.CreateDocument(context.Background(), path, map[string]any{"name": "x", "createdAt": tailor.ServerTimestamp})
	require.NoError(t, err)

	select {
	case <-snapshots:
		t.Fatal("snapshot delivered after Unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	b := newBackend(t)
	e, _ := newEngine(t, b, tailor.Config{})

	require.NoError(t, e.Start())
	s := waitFor(t, e, "first snapshot", loaded)
	assert.Empty(t, s.Records)
	assert.Equal(t, tailor.FeedbackLoaded, s.Feedback)

	_, err := e.AddRecord(context.Background(), tailor.NewRecord{Name: "Ada", Phone: "555-0100", Measurements: "chest 92"})
	require.NoError(t, err)
	_, err = e.AddRecord(context.Background(), tailor.NewRecord{Name: "Grace", Phone: "555-0101"})
	require.NoError(t, err)

	s = waitFor(t, e, "two records", func(s tailor.State) bool { return len(s.Records) == 2 })
	assert.Equal(t, "Grace", s.Records[0].Name, "newest first")
	assert.Equal(t, "Ada", s.Records[1].Name)
	assert.Equal(t, "chest 92", s.Records[1].Measurements)
	assert.True(t, s.Records[0].CreatedAt.After(s.Records[1].CreatedAt))
}

func TestEngine_EndToEnd_IdentitiesAreIsolated(t *testing.T) {
	b := newBackend(t)
	first, _ := newEngine(t, b, tailor.Config{})
	second, _ := newEngine(t, b, tailor.Config{})

	require.NoError(t, first.Start())
	require.NoError(t, second.Start())
	waitFor(t, first, "first loaded", loaded)
	waitFor(t, second, "second loaded", loaded)
	require.NotEqual(t, first.State().Identity, second.State().Identity)

	_, err := first.AddRecord(context.Background(), tailor.NewRecord{Name: "Ada", Phone: "555-0100"})
	require.NoError(t, err)
	waitFor(t, first, "record", func(s tailor.State) bool { return len(s.Records) == 1 })

	assert.Empty(t, second.State().Records)
}

func TestEngine_EndToEnd_CustomToken(t *testing.T) {
	b := newBackend(t)
	token, err := b.issuer.MintCustomToken("atelier", time.Hour)
	require.NoError(t, err)

	e, _ := newEngine(t, b, tailor.Config{CustomToken: token})
	require.NoError(t, e.Start())
	s := waitFor(t, e, "loaded", loaded)
	assert.Equal(t, tailor.Identity("atelier"), s.Identity)
}

func TestEngine_EndToEnd_ServerShutdown(t *testing.T) {
	b := newBackend(t)
	e, _ := newEngine(t, b, tailor.Config{})
	require.NoError(t, e.Start())
	waitFor(t, e, "loaded", loaded)

	b.hub.Close()

	s := waitFor(t, e, "subscription error", func(s tailor.State) bool {
		return s.Phase == tailor.PhaseSubscriptionError
	})
	assert.True(t, strings.HasPrefix(s.Feedback, "Error loading data: "), s.Feedback)
	assert.Contains(t, s.Feedback, "server shutting down")
}

func TestEngine_EndToEnd_AuthFailure(t *testing.T) {
	e, err := tailor.New(tailor.Config{AuthTimeout: time.Second}, New("http://127.0.0.1:1"), New("http://127.0.0.1:1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Dispose() })

	require.NoError(t, e.Start())
	s := waitFor(t, e, "auth failure", func(s tailor.State) bool { return s.Phase == tailor.PhaseAuthFailed })
	assert.True(t, strings.HasPrefix(s.Feedback, "Error: "), s.Feedback)
}

func TestReadEvents(t *testing.T) {
	stream := ": hello\n\nevent: snapshot\ndata: {\"a\":1}\n\n: heartbeat\n\ndata: line1\ndata: line2\n\nevent: error\ndata: {}\n\n"
	var got []string
	stop := errors.New("stop")
	err := readEvents(strings.NewReader(stream), func(event, data string) error {
		got = append(got, event+"="+data)
		if event == "error" {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{`snapshot={"a":1}`, "message=line1\nline2", "error={}"}, got)
}
