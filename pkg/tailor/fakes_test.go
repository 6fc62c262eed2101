package tailor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// --- Fake AuthService ---

type fakeAuth struct {
	mu           sync.Mutex
	sessions     []Session // returned in order by sign-in calls
	signInErr    error
	refreshFn    func(refreshToken string) (Session, error)
	anonCalls    int
	customCalls  int
	refreshCalls int
	lastCustom   string
}

func (f *fakeAuth) next() (Session, error) {
	if f.signInErr != nil {
		return Session{}, f.signInErr
	}
	if len(f.sessions) == 0 {
		return Session{UID: "u1", IDToken: "token-u1"}, nil
	}
	s := f.sessions[0]
	f.sessions = f.sessions[1:]
	return s, nil
}

func (f *fakeAuth) SignInAnonymously(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anonCalls++
	return f.next()
}

func (f *fakeAuth) SignInWithCustomToken(ctx context.Context, token string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customCalls++
	f.lastCustom = token
	return f.next()
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	f.mu.Lock()
	f.refreshCalls++
	fn := f.refreshFn
	f.mu.Unlock()
	if fn == nil {
		return Session{}, errors.New("refresh not supported")
	}
	return fn(refreshToken)
}

func (f *fakeAuth) calls() (anon, custom, refresh int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.anonCalls, f.customCalls, f.refreshCalls
}

// --- Fake DocumentStore ---

type fakeSub struct {
	id         int
	path       string
	order      OrderBy
	onSnapshot func([]Document)
	onError    func(error)
	released   bool
}

type fakeStore struct {
	mu           sync.Mutex
	subs         []*fakeSub
	docs         map[string][]Document
	subscribeErr error
	createErr    error
	createCalls  int
	lastCreate   map[string]any
	nextID       int
	clock        time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:  make(map[string][]Document),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) SubscribeOrderedCollection(ctx context.Context, path string, order OrderBy, onSnapshot func([]Document), onError func(error)) (Subscription, error) {
	f.mu.Lock()
	if f.subscribeErr != nil {
		f.mu.Unlock()
		return nil, f.subscribeErr
	}
	sub := &fakeSub{id: len(f.subs), path: path, order: order, onSnapshot: onSnapshot, onError: onError}
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	return SubscriptionFunc(func() {
		f.mu.Lock()
		sub.released = true
		f.mu.Unlock()
	}), nil
}

// CreateDocument stores the document but does not publish it; tests
// publish explicitly to control delivery timing.
func (f *fakeStore) CreateDocument(ctx context.Context, path string, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	f.lastCreate = fields
	if f.createErr != nil {
		return "", f.createErr
	}

	f.nextID++
	f.clock = f.clock.Add(time.Second)
	id := fmt.Sprintf("doc-%03d", f.nextID)

	stored := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsServerTimestamp(v) {
			v = f.clock
		}
		stored[k] = v
	}
	f.docs[path] = append(f.docs[path], Document{ID: id, Fields: stored})
	return id, nil
}

// Publish delivers the stored documents of path to its live subscriptions.
func (f *fakeStore) Publish(path string) {
	f.mu.Lock()
	docs := append([]Document(nil), f.docs[path]...)
	f.mu.Unlock()
	f.Deliver(path, docs)
}

// Deliver sends docs to every live subscription on path.
func (f *fakeStore) Deliver(path string, docs []Document) {
	for _, sub := range f.live(path) {
		sub.onSnapshot(docs)
	}
}

// Fail ends every live subscription on path with err.
func (f *fakeStore) Fail(path string, err error) {
	for _, sub := range f.live(path) {
		sub.onError(err)
	}
}

func (f *fakeStore) live(path string) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, s := range f.subs {
		if s.path == path && !s.released {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeStore) subscriptions() []fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSub, len(f.subs))
	for i, s := range f.subs {
		out[i] = *s
	}
	return out
}

func (f *fakeStore) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// --- Helpers ---

func customerDoc(id, name string, createdAt time.Time) Document {
	return Document{ID: id, Fields: map[string]any{
		FieldName:         name,
		FieldPhone:        "555-0100",
		FieldMeasurements: "",
		FieldCreatedAt:    createdAt,
	}}
}

func newTestEngine(t *testing.T, auth *fakeAuth, store *fakeStore) *Engine {
	t.Helper()
	e, err := New(Config{}, auth, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Dispose() })
	return e
}

func waitForPhase(t *testing.T, e *Engine, phase Phase) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := e.WaitFor(ctx, func(s State) bool { return s.Phase == phase })
	require.NoError(t, err, "waiting for phase %s, last state %+v", phase, s)
	return s
}

// settle waits until every event enqueued so far has been processed.
func settle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.controller.flush(ctx))
}

// startActive starts e and waits until its subscription is open.
func startActive(t *testing.T, e *Engine) State {
	t.Helper()
	require.NoError(t, e.Start())
	waitForPhase(t, e, PhaseSubscriptionActive)
	settle(t, e)
	return e.State()
}
