package tailor

import (
	"time"
)

// Identity is the opaque handle of an authenticated session.
// The empty Identity means no session.
type Identity string

// None is the absent identity.
const None Identity = ""

// Session holds the credentials behind an Identity.
type Session struct {
	UID          Identity
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time // zero when the session never expires
}

// Record is a single customer entry.
type Record struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Measurements string    `json:"measurements,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewRecord holds the caller-supplied fields of a record to create
type NewRecord struct {
	Name         string
	Phone        string
	Measurements string
}

// Field names used in the remote documents.
const (
	FieldName         = "name"
	FieldPhone        = "phone"
	FieldMeasurements = "measurements"
	FieldCreatedAt    = "createdAt"
)

// Phase is the lifecycle phase of the session controller.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseAwaitingIdentity
	PhaseSubscriptionActive
	PhaseSubscriptionError
	PhaseAuthFailed
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseAwaitingIdentity:
		return "awaiting_identity"
	case PhaseSubscriptionActive:
		return "subscription_active"
	case PhaseSubscriptionError:
		return "subscription_error"
	case PhaseAuthFailed:
		return "auth_failed"
	case PhaseDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	return p == PhaseSubscriptionError || p == PhaseAuthFailed || p == PhaseDisposed
}

// State is the synchronization state consumed by the presentation layer.
type State struct {
	Phase      Phase
	Identity   Identity
	Records    []Record
	Loading    bool
	Feedback   string
	Submitting bool
}

// clone returns a copy that shares no slice with s.
func (s State) clone() State {
	out := s
	if s.Records != nil {
		out.Records = make([]Record, len(s.Records))
		copy(out.Records, s.Records)
	}
	return out
}

// Config holds the engine configuration
type Config struct {
	CustomToken   string        // Sign in with this token instead of anonymously
	AuthTimeout   time.Duration // Bound on the initial sign-in (default: 30 seconds)
	RefreshMargin time.Duration // Refresh the session this long before expiry (default: 5 minutes)
	Path          PathFunc      // Identity to collection path (default: UserCustomersPath)
}
