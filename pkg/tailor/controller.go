package tailor

import (
	"context"
	"log/slog"
	"sync"
)

// Controller owns the synchronization state and is its only writer.
//
// Every mutation happens in the Run loop goroutine, one event at a time.
// Callbacks from the identity provider and the synchronizer only enqueue
// events. Each subscription is stamped with a generation; events carrying
// an older generation are dropped, so a released subscription can never
// mutate state.
type Controller struct {
	sync  *Synchronizer
	queue *eventQueue

	mu    sync.RWMutex
	state State

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int

	// Owned by the Run loop.
	ctx          context.Context
	generation   uint64
	subscription Subscription
	submitting   int
	disposed     bool
}

// NewController creates a Controller in PhaseInitializing.
func NewController(s *Synchronizer) *Controller {
	return &Controller{
		sync:      s,
		queue:     newEventQueue(),
		state:     State{Phase: PhaseInitializing, Loading: true},
		listeners: make(map[int]func(State)),
		ctx:       context.Background(),
	}
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// OnChange registers fn to be called from the loop after every state change.
// fn must not block.
func (c *Controller) OnChange(fn func(State)) Subscription {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return SubscriptionFunc(func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	})
}

// Run processes events until ctx is cancelled or the queue is closed.
// It must be called from exactly one goroutine.
func (c *Controller) Run(ctx context.Context) {
	c.ctx = ctx
	for {
		c.drain()

		select {
		case <-ctx.Done():
			return
		case _, open := <-c.queue.Wait():
			if !open {
				c.drain()
				return
			}
		}
	}
}

func (c *Controller) drain() {
	for {
		e, ok := c.queue.TryDequeue()
		if !ok {
			return
		}
		c.process(e)
		if e.done != nil {
			close(e.done)
		}
	}
}

// enqueue hands e to the loop. Returns false once the controller is closed.
func (c *Controller) enqueue(e event) bool {
	return c.queue.Enqueue(e)
}

// IdentityChanged is the identity-change listener.
func (c *Controller) IdentityChanged(id Identity) {
	c.enqueue(event{kind: eventIdentity, identity: id})
}

// AuthFailed is the authentication-failure listener.
func (c *Controller) AuthFailed(err error) {
	c.enqueue(event{kind: eventAuthFailed, err: err})
}

func (c *Controller) process(e event) {
	if c.disposed && e.kind != eventBarrier {
		return
	}

	switch e.kind {
	case eventStart:
		c.handleStart()
	case eventIdentity:
		c.handleIdentity(e.identity)
	case eventAuthFailed:
		c.handleAuthFailed(e.err)
	case eventSnapshot:
		c.handleSnapshot(e)
	case eventSubscriptionError:
		c.handleSubscriptionError(e)
	case eventResubscribe:
		c.handleResubscribe()
	case eventSubmitStarted:
		c.submitting++
		c.update(func(s *State) {
			s.Submitting = true
			s.Feedback = FeedbackAdding
		})
	case eventSubmitFinished:
		if c.submitting > 0 {
			c.submitting--
		}
		c.update(func(s *State) {
			s.Submitting = c.submitting > 0
			if e.err != nil {
				s.Feedback = AddErrorFeedback(e.err)
			} else {
				s.Feedback = FeedbackAdded
			}
		})
	case eventSubmitRejected:
		c.update(func(s *State) {
			if _, ok := e.err.(*ValidationFailure); ok {
				s.Feedback = FeedbackMissingFields
			} else {
				s.Feedback = AddErrorFeedback(e.err)
			}
		})
	case eventDispose:
		c.handleDispose()
	case eventBarrier:
	}
}

func (c *Controller) handleStart() {
	if c.state.Phase != PhaseInitializing {
		return
	}
	c.update(func(s *State) {
		s.Phase = PhaseAwaitingIdentity
		s.Loading = true
		s.Feedback = FeedbackAuthenticating
	})
}

func (c *Controller) handleIdentity(id Identity) {
	switch c.state.Phase {
	case PhaseAuthFailed, PhaseDisposed:
		return
	case PhaseSubscriptionActive, PhaseSubscriptionError:
		if id == c.state.Identity {
			return
		}
	case PhaseAwaitingIdentity, PhaseInitializing:
		if id == None {
			return
		}
	}

	c.release()

	if id == None {
		slog.Info("identity cleared",
			"component", "controller",
			"action", "identity_cleared",
			"previous", string(c.state.Identity),
		)
		c.update(func(s *State) {
			s.Phase = PhaseAwaitingIdentity
			s.Identity = None
			s.Records = nil
			s.Loading = true
			s.Feedback = FeedbackSignedOut
		})
		return
	}

	slog.Info("authenticated",
		"component", "controller",
		"action", "identity_set",
		"uid", string(id),
	)
	c.update(func(s *State) {
		s.Identity = id
		s.Records = nil
	})
	c.subscribe(id)
}

// subscribe opens a subscription for id under a fresh generation.
func (c *Controller) subscribe(id Identity) {
	c.generation++
	gen := c.generation

	c.update(func(s *State) {
		s.Phase = PhaseSubscriptionActive
		s.Loading = true
		s.Feedback = FeedbackFetching
	})

	sub, err := c.sync.Subscribe(c.ctx, id,
		func(records []Record) {
			c.enqueue(event{kind: eventSnapshot, identity: id, generation: gen, records: records})
		},
		func(err error) {
			c.enqueue(event{kind: eventSubscriptionError, identity: id, generation: gen, err: err})
		},
	)
	if err != nil {
		c.failSubscription(err)
		return
	}
	c.subscription = sub
}

func (c *Controller) handleSnapshot(e event) {
	if e.generation != c.generation || e.identity != c.state.Identity || c.state.Phase != PhaseSubscriptionActive {
		slog.Debug("dropping stale snapshot",
			"component", "controller",
			"action", "stale_snapshot",
			"uid", string(e.identity),
		)
		return
	}
	c.update(func(s *State) {
		s.Records = e.records
		s.Loading = false
		s.Feedback = FeedbackLoaded
	})
}

func (c *Controller) handleSubscriptionError(e event) {
	if e.generation != c.generation || e.identity != c.state.Identity || c.state.Phase != PhaseSubscriptionActive {
		return
	}
	c.failSubscription(e.err)
}

func (c *Controller) failSubscription(err error) {
	c.release()
	slog.Error("subscription error",
		"component", "controller",
		"action", "subscription_error",
		"uid", string(c.state.Identity),
		"error", err,
	)
	c.update(func(s *State) {
		s.Phase = PhaseSubscriptionError
		s.Loading = false
		s.Feedback = LoadErrorFeedback(err)
	})
}

func (c *Controller) handleResubscribe() {
	if c.state.Phase != PhaseSubscriptionError || c.state.Identity == None {
		return
	}
	c.subscribe(c.state.Identity)
}

func (c *Controller) handleAuthFailed(err error) {
	if c.state.Phase == PhaseAuthFailed {
		return
	}
	c.release()
	slog.Error("authentication failed",
		"component", "controller",
		"action", "auth_failed",
		"error", err,
	)
	c.update(func(s *State) {
		s.Phase = PhaseAuthFailed
		s.Identity = None
		s.Records = nil
		s.Loading = false
		s.Feedback = AuthErrorFeedback(err)
	})
}

func (c *Controller) handleDispose() {
	c.release()
	c.update(func(s *State) {
		s.Phase = PhaseDisposed
		s.Submitting = false
	})
	c.disposed = true
}

// release drops the active subscription and invalidates its generation.
func (c *Controller) release() {
	c.generation++
	if c.subscription != nil {
		c.subscription.Unsubscribe()
		c.subscription = nil
	}
}

// update applies fn to the state and notifies listeners.
func (c *Controller) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	snapshot := c.state.clone()
	c.mu.Unlock()

	c.listenersMu.Lock()
	listeners := make([]func(State), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listenersMu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

// flush blocks until every event enqueued before the call has been processed.
func (c *Controller) flush(ctx context.Context) error {
	done := make(chan struct{})
	if !c.enqueue(event{kind: eventBarrier, done: done}) {
		return ErrDisposed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
