// Package types holds the wire and storage types shared by the server,
// the store and the remote client.
package types

import (
	"time"
)

// Direction is the sort direction of an ordered collection query.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Directions lists the accepted Direction values.
var Directions = []string{string(Ascending), string(Descending)}

// Order selects the field and direction of a collection query.
type Order struct {
	Field     string    `json:"order_by"`
	Direction Direction `json:"direction"`
}

// DefaultOrder is used when a query names no order.
var DefaultOrder = Order{Field: "createdAt", Direction: Descending}

// Document is a stored document. Server timestamp fields hold
// TimestampLayout strings.
type Document struct {
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
	CreateTime time.Time      `json:"create_time"`
}

// TimestampLayout is the fixed-width UTC layout used for server
// timestamps; values in this layout sort lexicographically by time.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// CreateDocumentRequest is the body of POST /documents/{path}.
// ServerTimestamps names fields the server fills with its commit time.
type CreateDocumentRequest struct {
	Fields           map[string]any `json:"fields"`
	ServerTimestamps []string       `json:"server_timestamps,omitempty"`
}

// CreateDocumentResponse is returned for a created document.
type CreateDocumentResponse struct {
	ID         string    `json:"id"`
	CreateTime time.Time `json:"create_time"`
}

// SnapshotMessage is the full ordered content of a collection at one point in time.
type SnapshotMessage struct {
	Path      string     `json:"path"`
	Documents []Document `json:"documents"`
	ReadTime  time.Time  `json:"read_time"`
}

// ErrorMessage is sent on a listen stream before it is closed.
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AnonymousSignInRequest is the (empty) body of POST /auth/anonymous.
type AnonymousSignInRequest struct{}

// CustomTokenRequest is the body of POST /auth/custom.
type CustomTokenRequest struct {
	Token string `json:"token"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthResponse carries a session.
type AuthResponse struct {
	UID          string    `json:"uid"`
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// StoreStats contains aggregate statistics about the document store.
type StoreStats struct {
	DocumentCount   int64      `json:"document_count"`
	CollectionCount int64      `json:"collection_count"`
	LastWrite       *time.Time `json:"last_write,omitempty"`
}

// HealthResponse is the response body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	DocumentCount int64  `json:"document_count"`
	Listeners     int    `json:"listeners"`
}
