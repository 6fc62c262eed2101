package tailor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AuthService is the remote authentication backend.
type AuthService interface {
	SignInAnonymously(ctx context.Context) (Session, error)
	SignInWithCustomToken(ctx context.Context, token string) (Session, error)
	Refresh(ctx context.Context, refreshToken string) (Session, error)
}

// Direction is a sort direction for ordered collections.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// OrderBy names the field and direction a collection is ordered by.
type OrderBy struct {
	Field     string
	Direction Direction
}

// Document is a stored document as delivered by the remote store.
type Document struct {
	ID     string
	Fields map[string]any
}

// DocumentStore is the remote document-collection backend.
//
// SubscribeOrderedCollection delivers the full ordered collection once
// initially and again after every change. onError is called at most once and
// ends the subscription.
type DocumentStore interface {
	SubscribeOrderedCollection(ctx context.Context, path string, order OrderBy, onSnapshot func([]Document), onError func(error)) (Subscription, error)
	CreateDocument(ctx context.Context, path string, fields map[string]any) (string, error)
}

// serverTimestamp is the sentinel type behind ServerTimestamp.
type serverTimestamp struct{}

// ServerTimestamp, used as a field value in CreateDocument, asks the store
// to fill the field with its own commit time.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// Subscription is a registered listener that can be released.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
// The function runs at most once.
func SubscriptionFunc(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

func (s *funcSubscription) Unsubscribe() {
	s.once.Do(s.fn)
}

// PathFunc maps an identity to the path of its record collection.
type PathFunc func(Identity) string

// UserCustomersPath is the default collection layout: users/{identity}/customers.
func UserCustomersPath(id Identity) string {
	return fmt.Sprintf("users/%s/customers", id)
}

// decodeRecord converts a stored document to a Record.
func decodeRecord(doc Document) (Record, error) {
	rec := Record{ID: doc.ID}
	if doc.ID == "" {
		return rec, fmt.Errorf("document has no id")
	}

	var ok bool
	if rec.Name, ok = doc.Fields[FieldName].(string); !ok || rec.Name == "" {
		return rec, fmt.Errorf("document %s: missing %s", doc.ID, FieldName)
	}
	if rec.Phone, ok = doc.Fields[FieldPhone].(string); !ok || rec.Phone == "" {
		return rec, fmt.Errorf("document %s: missing %s", doc.ID, FieldPhone)
	}
	if v, present := doc.Fields[FieldMeasurements]; present && v != nil {
		if rec.Measurements, ok = v.(string); !ok {
			return rec, fmt.Errorf("document %s: %s is not a string", doc.ID, FieldMeasurements)
		}
	}

	switch v := doc.Fields[FieldCreatedAt].(type) {
	case time.Time:
		rec.CreatedAt = v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return rec, fmt.Errorf("document %s: parse %s: %w", doc.ID, FieldCreatedAt, err)
		}
		rec.CreatedAt = t
	default:
		return rec, fmt.Errorf("document %s: missing %s", doc.ID, FieldCreatedAt)
	}

	return rec, nil
}
