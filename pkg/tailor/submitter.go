package tailor

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/tailor/internal/validation"
)

// Submitter appends records to an identity's collection. It never touches
// the materialized list; new records arrive through the subscription.
type Submitter struct {
	store DocumentStore
	path  PathFunc
}

// NewSubmitter creates a Submitter. A nil path selects UserCustomersPath.
func NewSubmitter(store DocumentStore, path PathFunc) *Submitter {
	if path == nil {
		path = UserCustomersPath
	}
	return &Submitter{store: store, path: path}
}

// ValidateNewRecord checks the required fields of rec without any network call.
func ValidateNewRecord(rec NewRecord) error {
	var c validation.Collector
	c.Add(validation.ValidateRequired(FieldName, rec.Name))
	c.Add(validation.ValidateRequired(FieldPhone, rec.Phone))
	if c.HasErrors() {
		return &ValidationFailure{Errors: c.Errors()}
	}
	return nil
}

// AddRecord creates rec under id and returns the store-assigned ID once the
// store has acknowledged the write.
func (s *Submitter) AddRecord(ctx context.Context, id Identity, rec NewRecord) (string, error) {
	if err := ValidateNewRecord(rec); err != nil {
		return "", err
	}
	if id == None {
		return "", &WriteFailure{Err: ErrNotAuthenticated}
	}

	path := s.path(id)
	docID, err := s.store.CreateDocument(ctx, path, map[string]any{
		FieldName:         rec.Name,
		FieldPhone:        rec.Phone,
		FieldMeasurements: rec.Measurements,
		FieldCreatedAt:    ServerTimestamp,
	})
	if err != nil {
		slog.Warn("record write failed",
			"component", "submitter",
			"action", "add_record_failed",
			"path", path,
			"error", err,
		)
		return "", &WriteFailure{Err: err}
	}

	slog.Info("record added",
		"component", "submitter",
		"action", "add_record",
		"path", path,
		"id", docID,
	)
	return docID, nil
}
