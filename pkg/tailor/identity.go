package tailor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultAuthTimeout   = 30 * time.Second
	defaultRefreshMargin = 5 * time.Minute
	minRefreshDelay      = time.Second
)

// IdentityProvider establishes the session identity against an AuthService
// and notifies listeners when it changes.
type IdentityProvider struct {
	auth          AuthService
	customToken   string
	authTimeout   time.Duration
	refreshMargin time.Duration
	minRefresh    time.Duration

	mu        sync.Mutex
	session   Session
	closed    bool
	timer     *time.Timer
	nextID    int
	onChange  map[int]*listener[Identity]
	onFailure map[int]*listener[error]
}

// listener wraps a callback so it can be switched off before a pending call runs.
type listener[T any] struct {
	active atomic.Bool
	fn     func(T)
}

func (l *listener[T]) call(v T) {
	if l.active.Load() {
		l.fn(v)
	}
}

// NewIdentityProvider creates an IdentityProvider.
// An empty customToken selects anonymous sign-in.
func NewIdentityProvider(auth AuthService, customToken string, authTimeout, refreshMargin time.Duration) *IdentityProvider {
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	if refreshMargin <= 0 {
		refreshMargin = defaultRefreshMargin
	}
	return &IdentityProvider{
		auth:          auth,
		customToken:   customToken,
		authTimeout:   authTimeout,
		refreshMargin: refreshMargin,
		minRefresh:    minRefreshDelay,
		onChange:      make(map[int]*listener[Identity]),
		onFailure:     make(map[int]*listener[error]),
	}
}

// Start signs in unless a session already exists. It blocks until the
// sign-in completes and returns an *AuthFailure when it does not succeed.
func (p *IdentityProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrDisposed
	}
	if p.session.UID != None {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.authTimeout)
	defer cancel()

	var (
		sess Session
		err  error
	)
	if p.customToken != "" {
		sess, err = p.auth.SignInWithCustomToken(ctx, p.customToken)
	} else {
		sess, err = p.auth.SignInAnonymously(ctx)
	}
	if err != nil {
		return &AuthFailure{Err: err}
	}
	if sess.UID == None {
		return &AuthFailure{Err: errors.New("auth service returned an empty identity")}
	}

	slog.Info("signed in",
		"component", "identity",
		"action", "sign_in",
		"uid", string(sess.UID),
		"custom_token", p.customToken != "",
	)
	p.setSession(sess)
	return nil
}

// Current returns the current identity, or None.
func (p *IdentityProvider) Current() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.UID
}

// Session returns the current session credentials.
func (p *IdentityProvider) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// OnIdentityChange registers fn for identity changes. If a session already
// exists fn is called once immediately with its identity.
func (p *IdentityProvider) OnIdentityChange(fn func(Identity)) Subscription {
	l := &listener[Identity]{fn: fn}
	l.active.Store(true)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.onChange[id] = l
	current := p.session.UID
	p.mu.Unlock()

	if current != None {
		l.call(current)
	}

	return SubscriptionFunc(func() {
		l.active.Store(false)
		p.mu.Lock()
		delete(p.onChange, id)
		p.mu.Unlock()
	})
}

// OnFailure registers fn for asynchronous authentication failures.
func (p *IdentityProvider) OnFailure(fn func(error)) Subscription {
	l := &listener[error]{fn: fn}
	l.active.Store(true)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.onFailure[id] = l
	p.mu.Unlock()

	return SubscriptionFunc(func() {
		l.active.Store(false)
		p.mu.Lock()
		delete(p.onFailure, id)
		p.mu.Unlock()
	})
}

// SignOut drops the session and notifies listeners.
func (p *IdentityProvider) SignOut() {
	p.setSession(Session{})
}

// Close stops token refresh and drops all listeners.
func (p *IdentityProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	for id, l := range p.onChange {
		l.active.Store(false)
		delete(p.onChange, id)
	}
	for id, l := range p.onFailure {
		l.active.Store(false)
		delete(p.onFailure, id)
	}
}

// setSession stores sess, reschedules refresh and notifies listeners when
// the identity changed.
func (p *IdentityProvider) setSession(sess Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	previous := p.session.UID
	p.session = sess
	p.scheduleRefreshLocked()

	var listeners []*listener[Identity]
	if previous != sess.UID {
		listeners = make([]*listener[Identity], 0, len(p.onChange))
		for _, l := range p.onChange {
			listeners = append(listeners, l)
		}
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l.call(sess.UID)
	}
}

func (p *IdentityProvider) scheduleRefreshLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.session.ExpiresAt.IsZero() || p.session.RefreshToken == "" {
		return
	}

	// Sessions shorter than the margin refresh halfway through their
	// lifetime; the floor keeps short-lived tokens from looping.
	lifetime := time.Until(p.session.ExpiresAt)
	delay := lifetime - p.refreshMargin
	if delay <= 0 {
		delay = lifetime / 2
	}
	if delay < p.minRefresh {
		delay = p.minRefresh
	}
	refreshToken := p.session.RefreshToken
	p.timer = time.AfterFunc(delay, func() { p.refresh(refreshToken) })
}

// refresh exchanges refreshToken for a new session. A rejected refresh ends
// the session; it is never repeated.
func (p *IdentityProvider) refresh(refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.authTimeout)
	defer cancel()

	sess, err := p.auth.Refresh(ctx, refreshToken)

	p.mu.Lock()
	stale := p.closed || p.session.RefreshToken != refreshToken
	previous := p.session.UID
	p.mu.Unlock()
	if stale {
		return
	}

	if err == nil && sess.UID == None {
		err = errors.New("auth service returned an empty identity")
	}
	if err != nil {
		slog.Warn("session refresh failed",
			"component", "identity",
			"action", "refresh_failed",
			"uid", string(previous),
			"error", err,
		)
		p.setSession(Session{})
		p.notifyFailure(&AuthFailure{Err: err})
		return
	}

	slog.Debug("session refreshed",
		"component", "identity",
		"action", "refresh",
		"uid", string(sess.UID),
		"subject_changed", sess.UID != previous,
	)
	p.setSession(sess)
}

func (p *IdentityProvider) notifyFailure(err error) {
	p.mu.Lock()
	listeners := make([]*listener[error], 0, len(p.onFailure))
	for _, l := range p.onFailure {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l.call(err)
	}
}
