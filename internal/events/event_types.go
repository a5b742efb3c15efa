package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventUserSignedUp   EventType = "user_signed_up"
	EventUserSignedIn   EventType = "user_signed_in"
	EventSignInFailed   EventType = "sign_in_failed"
	EventTokenRefreshed EventType = "token_refreshed"
	EventUserSignedOut  EventType = "user_signed_out"
)

// Event represents an authentication lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	UserID    uuid.UUID `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent stamps an ID and timestamp.
func NewEvent(eventType EventType, userID uuid.UUID, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// TokenIssuedPayload describes a newly minted access token.
type TokenIssuedPayload struct {
	TokenID   uuid.UUID `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignInFailedPayload records why a sign-in attempt was refused.
type SignInFailedPayload struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}
