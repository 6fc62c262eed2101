package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/tailor/internal/auth"
	"github.com/hyperengineering/tailor/internal/store"
	tailorsync "github.com/hyperengineering/tailor/internal/sync"
	"github.com/hyperengineering/tailor/internal/types"
	"github.com/hyperengineering/tailor/internal/validation"
)

const (
	maxFields      = 64
	maxStringValue = 4096
	maxBodyBytes   = 1 << 20
)

// Authenticator issues sessions and verifies ID tokens.
type Authenticator interface {
	TokenVerifier
	IssueAnonymous() (*auth.Session, error)
	ExchangeCustomToken(token string) (*auth.Session, error)
	Refresh(refreshToken string) (*auth.Session, error)
}

// Handler implements the API handlers
type Handler struct {
	store     store.Store
	hub       *tailorsync.Hub
	auth      Authenticator
	version   string
	heartbeat time.Duration
}

// NewHandler creates a Handler. heartbeat is the interval of keep-alive
// comments on listen streams.
func NewHandler(s store.Store, hub *tailorsync.Hub, a Authenticator, version string, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{
		store:     s,
		hub:       hub,
		auth:      a,
		version:   version,
		heartbeat: heartbeat,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// decodeBody decodes the JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "action", "health", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		DocumentCount: stats.DocumentCount,
		Listeners:     h.hub.Count(),
	})
}

// SignInAnonymous handles POST /api/v1/auth/anonymous
func (h *Handler) SignInAnonymous(w http.ResponseWriter, r *http.Request) {
	sess, err := h.auth.IssueAnonymous()
	if err != nil {
		slog.Error("anonymous sign-in failed", "component", "api", "action", "sign_in_anonymous", "error", err)
		MapStoreError(w, r, err)
		return
	}
	slog.Info("anonymous session issued", "component", "api", "action", "sign_in_anonymous", "uid", sess.UID)
	writeJSON(w, http.StatusOK, authResponse(sess))
}

// SignInCustom handles POST /api/v1/auth/custom
func (h *Handler) SignInCustom(w http.ResponseWriter, r *http.Request) {
	var req types.CustomTokenRequest
	if err := decodeBody(r, &req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if verr := validation.ValidateRequired("token", req.Token); verr != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
		return
	}

	sess, err := h.auth.ExchangeCustomToken(req.Token)
	if err != nil {
		slog.Warn("custom token rejected", "component", "api", "action", "sign_in_custom", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse(sess))
}

// RefreshToken handles POST /api/v1/auth/refresh
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req types.RefreshRequest
	if err := decodeBody(r, &req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if verr := validation.ValidateRequired("refresh_token", req.RefreshToken); verr != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
		return
	}

	sess, err := h.auth.Refresh(req.RefreshToken)
	if err != nil {
		slog.Warn("refresh rejected", "component", "api", "action", "refresh", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse(sess))
}

func authResponse(s *auth.Session) types.AuthResponse {
	return types.AuthResponse{
		UID:          s.UID,
		IDToken:      s.IDToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
	}
}

// ListDocuments handles GET /api/v1/documents/{path}
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	path, ok := h.authorize(w, r)
	if !ok {
		return
	}
	order, ok := parseOrder(w, r)
	if !ok {
		return
	}

	docs, err := h.store.ListDocuments(r.Context(), path, order)
	if err != nil {
		slog.Error("list documents failed", "component", "api", "action", "list", "path", path, "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.SnapshotMessage{
		Path:      path,
		Documents: docs,
		ReadTime:  time.Now().UTC(),
	})
}

// CreateDocument handles POST /api/v1/documents/{path}
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	path, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req types.CreateDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if errs := validateDocument(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Document contains invalid fields", errs)
		return
	}

	doc, err := h.store.CreateDocument(r.Context(), path, req.Fields, req.ServerTimestamps)
	if err != nil {
		slog.Error("create document failed", "component", "api", "action", "create", "path", path, "error", err)
		MapStoreError(w, r, err)
		return
	}
	listeners := h.hub.Publish(path)

	slog.Info("document created",
		"component", "api",
		"action", "create",
		"path", path,
		"id", doc.ID,
		"listeners", listeners,
	)
	writeJSON(w, http.StatusCreated, types.CreateDocumentResponse{ID: doc.ID, CreateTime: doc.CreateTime})
}

// GetDocument handles GET /api/v1/document/{collection path}/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	docPath := chi.URLParam(r, "*")
	i := strings.LastIndex(docPath, "/")
	if i <= 0 || i == len(docPath)-1 {
		WriteProblemWithErrors(w, r, "Invalid document path", []validation.ValidationError{
			{Field: "path", Message: "must be a collection path followed by a document id"},
		})
		return
	}
	path, ok := h.authorizeCollection(w, r, docPath[:i])
	if !ok {
		return
	}

	doc, err := h.store.GetDocument(r.Context(), path, docPath[i+1:])
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("get document failed", "component", "api", "action", "get", "path", docPath, "error", err)
		}
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// authorize resolves the collection path of the request and checks that the
// authenticated uid owns it. It writes the problem response and returns
// false when the request must not proceed.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	return h.authorizeCollection(w, r, chi.URLParam(r, "*"))
}

func (h *Handler) authorizeCollection(w http.ResponseWriter, r *http.Request, path string) (string, bool) {
	if verr := validation.ValidateCollectionPath("path", path); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid collection path", []validation.ValidationError{*verr})
		return "", false
	}

	uid := UIDFromContext(r.Context())
	if !ownsCollection(uid, path) {
		slog.Warn("access denied",
			"component", "api",
			"action", "authorize",
			"uid", uid,
			"path", path,
		)
		WriteProblemForbidden(w, r, "Collection is not owned by the authenticated user")
		return "", false
	}
	return path, true
}

// ownsCollection reports whether path is a collection under users/{uid}.
func ownsCollection(uid, path string) bool {
	if uid == "" {
		return false
	}
	segments := strings.Split(path, "/")
	return len(segments) >= 3 && len(segments)%2 == 1 &&
		segments[0] == "users" && segments[1] == uid
}

// parseOrder reads order_by and direction from the query string.
func parseOrder(w http.ResponseWriter, r *http.Request) (types.Order, bool) {
	order := types.DefaultOrder
	q := r.URL.Query()
	if v := q.Get("order_by"); v != "" {
		order.Field = v
	}
	if v := q.Get("direction"); v != "" {
		order.Direction = types.Direction(v)
	}

	var c validation.Collector
	c.Add(validation.ValidateFieldName("order_by", order.Field))
	c.Add(validation.ValidateEnum("direction", string(order.Direction), types.Directions))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Invalid query parameters", c.Errors())
		return types.Order{}, false
	}
	return order, true
}

// validateDocument checks field names and string values of a create request.
func validateDocument(req types.CreateDocumentRequest) []validation.ValidationError {
	var c validation.Collector

	if len(req.Fields) == 0 {
		c.Add(&validation.ValidationError{Field: "fields", Message: "is required"})
	}
	if len(req.Fields)+len(req.ServerTimestamps) > maxFields {
		c.Add(&validation.ValidationError{Field: "fields", Message: fmt.Sprintf("exceeds maximum of %d fields", maxFields)})
	}

	for name, value := range req.Fields {
		field := "fields." + name
		c.Add(validation.ValidateFieldName(field, name))
		if s, ok := value.(string); ok {
			c.Add(validation.ValidateUTF8(field, s))
			c.Add(validation.ValidateNoNullBytes(field, s))
			c.Add(validation.ValidateMaxLength(field, s, maxStringValue))
		}
	}
	for i, name := range req.ServerTimestamps {
		c.Add(validation.ValidateFieldName(fmt.Sprintf("server_timestamps[%d]", i), name))
	}
	return c.Errors()
}
