package tailor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Synchronizer keeps exactly one live, ordered subscription to the record
// collection of one identity.
type Synchronizer struct {
	store DocumentStore
	path  PathFunc

	mu     sync.Mutex
	active *liveSubscription
}

// NewSynchronizer creates a Synchronizer. A nil path selects UserCustomersPath.
func NewSynchronizer(store DocumentStore, path PathFunc) *Synchronizer {
	if path == nil {
		path = UserCustomersPath
	}
	return &Synchronizer{store: store, path: path}
}

// liveSubscription guards a remote subscription so that nothing is
// delivered after it is released or has failed.
type liveSubscription struct {
	owner    *Synchronizer
	identity Identity

	mu     sync.Mutex
	done   bool
	remote Subscription
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (l *liveSubscription) Unsubscribe() {
	l.mu.Lock()
	if l.done && l.remote == nil {
		l.mu.Unlock()
		return
	}
	l.done = true
	remote := l.remote
	l.remote = nil
	l.mu.Unlock()

	if remote != nil {
		remote.Unsubscribe()
	}

	l.owner.mu.Lock()
	if l.owner.active == l {
		l.owner.active = nil
	}
	l.owner.mu.Unlock()
}

// Subscribe releases any prior subscription and opens one for id, ordered
// by creation time descending. onSnapshot receives the complete sorted list
// on every delivery. onError is called at most once, with a
// *SubscriptionError, and no snapshot follows it.
func (s *Synchronizer) Subscribe(ctx context.Context, id Identity, onSnapshot func([]Record), onError func(error)) (Subscription, error) {
	if id == None {
		return nil, &SubscriptionError{Err: ErrNotAuthenticated}
	}

	s.mu.Lock()
	prior := s.active
	s.active = nil
	s.mu.Unlock()
	if prior != nil {
		prior.Unsubscribe()
	}

	live := &liveSubscription{owner: s, identity: id}
	path := s.path(id)

	deliver := func(docs []Document) {
		live.mu.Lock()
		defer live.mu.Unlock()
		if live.done {
			return
		}
		onSnapshot(DecodeRecords(path, docs))
	}
	fail := func(err error) {
		live.mu.Lock()
		if live.done {
			live.mu.Unlock()
			return
		}
		live.done = true
		live.mu.Unlock()

		slog.Warn("subscription failed",
			"component", "synchronizer",
			"action", "subscription_failed",
			"path", path,
			"error", err,
		)
		onError(&SubscriptionError{Identity: id, Err: err})
	}

	// Registered before opening so that a synchronous first delivery can
	// already be attributed to the active subscription.
	s.mu.Lock()
	s.active = live
	s.mu.Unlock()

	remote, err := s.store.SubscribeOrderedCollection(ctx, path,
		OrderBy{Field: FieldCreatedAt, Direction: Descending}, deliver, fail)
	if err != nil {
		live.Unsubscribe()
		return nil, &SubscriptionError{Identity: id, Err: err}
	}
	if remote == nil {
		remote = SubscriptionFunc(func() {})
	}

	live.mu.Lock()
	if live.done {
		// Released or failed while opening.
		live.mu.Unlock()
		remote.Unsubscribe()
		return live, nil
	}
	live.remote = remote
	live.mu.Unlock()

	slog.Debug("subscription opened",
		"component", "synchronizer",
		"action", "subscribe",
		"path", path,
	)
	return live, nil
}

// Active returns the identity of the live subscription, or None.
func (s *Synchronizer) Active() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return None
	}
	return s.active.identity
}

// Close releases the active subscription, if any.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()
	if active != nil {
		active.Unsubscribe()
	}
}

// DecodeRecords decodes docs into records sorted newest first. Documents
// that do not decode are skipped with a warning.
func DecodeRecords(path string, docs []Document) []Record {
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := decodeRecord(doc)
		if err != nil {
			slog.Warn("skipping undecodable document",
				"component", "synchronizer",
				"action", "decode_failed",
				"path", path,
				"error", err,
			)
			continue
		}
		records = append(records, rec)
	}
	SortRecords(records)
	return records
}

// SortRecords orders records by CreatedAt descending, breaking ties by ID descending.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
}

