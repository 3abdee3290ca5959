package audit

import "time"

// Event is an immutable, append-only record of a session lifecycle change.
//
// Invariants:
// - Events are never updated or deleted.
// - Namespace identifies the session (browser session id, or "cli").
// - Tokens and passwords never appear in Message or Metadata.
type Event struct {
	ID        string    `json:"id" db:"id"`
	Namespace string    `json:"namespace" db:"namespace"`
	Type      EventType `json:"type" db:"type"`

	// Username is empty when the profile was not known yet.
	Username  string `json:"username,omitempty" db:"username"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`
	Path      string `json:"path,omitempty" db:"path"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeLogin          EventType = "login"
	EventTypeLoginFailed    EventType = "login_failed"
	EventTypeLogout         EventType = "logout"
	EventTypeProfileInvalid EventType = "profile_invalidated"
	EventTypeRefreshed      EventType = "token_refreshed"
	EventTypeExpired        EventType = "session_expired"
	EventTypeAccessDenied   EventType = "access_denied"
)
