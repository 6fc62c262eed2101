package tailor

import (
	"context"
	"errors"
	"sync"
)

// Engine keeps a local view of one identity's record collection in sync
// with the remote store. It owns the identity provider, the synchronizer,
// the submitter and the controller; there is no process-wide state.
type Engine struct {
	config     Config
	identity   *IdentityProvider
	sync       *Synchronizer
	submitter  *Submitter
	controller *Controller

	mu       sync.Mutex
	started  bool
	disposed bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	subs     []Subscription
}

// New creates an Engine bound to the given backends.
func New(config Config, auth AuthService, store DocumentStore) (*Engine, error) {
	if auth == nil {
		return nil, errors.New("auth service is required")
	}
	if store == nil {
		return nil, errors.New("document store is required")
	}
	if config.Path == nil {
		config.Path = UserCustomersPath
	}

	synchronizer := NewSynchronizer(store, config.Path)
	return &Engine{
		config:     config,
		identity:   NewIdentityProvider(auth, config.CustomToken, config.AuthTimeout, config.RefreshMargin),
		sync:       synchronizer,
		submitter:  NewSubmitter(store, config.Path),
		controller: NewController(synchronizer),
		loopDone:   make(chan struct{}),
	}, nil
}

// Start begins authentication and returns immediately. Progress and
// failures are reported through State and OnChange.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return ErrDisposed
	}
	if e.started {
		return nil
	}
	e.started = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.controller.enqueue(event{kind: eventStart})
	e.subs = append(e.subs,
		e.identity.OnIdentityChange(e.controller.IdentityChanged),
		e.identity.OnFailure(e.controller.AuthFailed),
	)

	go func() {
		defer close(e.loopDone)
		e.controller.Run(ctx)
	}()

	go func() {
		if err := e.identity.Start(ctx); err != nil && !errors.Is(err, ErrDisposed) {
			e.controller.AuthFailed(err)
		}
	}()

	return nil
}

// State returns a copy of the current synchronization state.
func (e *Engine) State() State {
	return e.controller.State()
}

// OnChange registers fn to be called after every state change.
// fn runs on the engine's event loop and must not block. It must not call
// Dispose directly either, since Dispose waits for the loop; use
// go e.Dispose() instead.
func (e *Engine) OnChange(fn func(State)) Subscription {
	return e.controller.OnChange(fn)
}

// WaitFor blocks until the state satisfies pred or ctx is done.
func (e *Engine) WaitFor(ctx context.Context, pred func(State) bool) (State, error) {
	ch := make(chan State, 1)
	sub := e.controller.OnChange(func(s State) {
		if pred(s) {
			select {
			case ch <- s:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if s := e.State(); pred(s) {
		return s, nil
	}

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return e.State(), ctx.Err()
	}
}

// AddRecord creates a record in the current identity's collection and
// returns its ID once the store acknowledged it. The local list is not
// touched; the record appears with the next snapshot.
func (e *Engine) AddRecord(ctx context.Context, rec NewRecord) (string, error) {
	if err := e.running(); err != nil {
		return "", err
	}

	if err := ValidateNewRecord(rec); err != nil {
		e.controller.enqueue(event{kind: eventSubmitRejected, err: err})
		return "", err
	}

	id := e.controller.State().Identity
	if id == None {
		err := &WriteFailure{Err: ErrNotAuthenticated}
		e.controller.enqueue(event{kind: eventSubmitRejected, err: err})
		return "", err
	}

	e.controller.enqueue(event{kind: eventSubmitStarted})
	docID, err := e.submitter.AddRecord(ctx, id, rec)
	e.controller.enqueue(event{kind: eventSubmitFinished, err: err})
	return docID, err
}

// Resubscribe reopens the subscription after a SubscriptionError.
// It does nothing in any other phase.
func (e *Engine) Resubscribe() error {
	if err := e.running(); err != nil {
		return err
	}
	e.controller.enqueue(event{kind: eventResubscribe})
	return nil
}

// Dispose releases the subscription and the identity listeners. No
// callback changes the state after Dispose returns. It must not be called
// from an OnChange listener.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	started := e.started
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	if started {
		done := make(chan struct{})
		if e.controller.enqueue(event{kind: eventDispose, done: done}) {
			select {
			case <-done:
			case <-e.loopDone:
			}
		}
		e.controller.queue.Close()
		e.cancel()
		<-e.loopDone
	}
	if !e.controller.disposed {
		// The loop is not running; no other writer exists.
		e.controller.queue.Close()
		e.controller.handleDispose()
	}

	e.identity.Close()
	e.sync.Close()
	return nil
}

func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	if !e.started {
		return ErrNotStarted
	}
	return nil
}
