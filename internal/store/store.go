package store

import (
	"context"

	"github.com/hyperengineering/tailor/internal/types"
)

// Store defines the interface contract for document storage operations.
type Store interface {
	// CreateDocument inserts fields as a new document in collection. Fields
	// named in serverTimestamps are set to the commit time.
	CreateDocument(ctx context.Context, collection string, fields map[string]any, serverTimestamps []string) (*types.Document, error)
	// ListDocuments returns the documents of collection that carry the order
	// field, sorted by it and then by ID in the same direction.
	ListDocuments(ctx context.Context, collection string, order types.Order) ([]types.Document, error)
	GetDocument(ctx context.Context, collection, id string) (*types.Document, error)
	GetStats(ctx context.Context) (*types.StoreStats, error)
	Close() error
}
