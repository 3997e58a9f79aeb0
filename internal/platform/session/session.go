// Package session holds the per-user context of a SMART launch: where the
// FHIR server is, the access token obtained for it, and the reconciliation
// hints left behind by weight writes. A session is created on launch,
// updated on token exchange and on every weight write, and deleted on logout.
package session

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Session is passed explicitly to the engine; nothing reads it from ambient
// state.
type Session struct {
	ID string `json:"id"`

	FHIRBaseURL       string `json:"fhirBaseUrl,omitempty"`
	AuthorizeEndpoint string `json:"authorizeEndpoint,omitempty"`
	TokenEndpoint     string `json:"tokenEndpoint,omitempty"`
	OAuthState        string `json:"oauthState,omitempty"`
	Launch            string `json:"launch,omitempty"`

	AccessToken    string    `json:"accessToken,omitempty"`
	TokenType      string    `json:"tokenType,omitempty"`
	Scope          string    `json:"scope,omitempty"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt,omitempty"`
	PatientID      string    `json:"patientId,omitempty"`
	FHIRUser       string    `json:"fhirUser,omitempty"`

	// WeightHints maps a patient id to the id of the body weight observation
	// this session most recently wrote for that patient.
	WeightHints map[string]string `json:"weightHints,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates an empty session with a random id.
func New(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Token returns the access token if it is present and not expired.
func (s *Session) Token(now time.Time) string {
	if s == nil || s.AccessToken == "" {
		return ""
	}
	if !s.TokenExpiresAt.IsZero() && !now.Before(s.TokenExpiresAt) {
		return ""
	}
	return s.AccessToken
}

// WeightHint returns the reconciliation hint for a patient, or "".
func (s *Session) WeightHint(patientID string) string {
	if s == nil {
		return ""
	}
	return s.WeightHints[patientID]
}

// SetWeightHint replaces the reconciliation hint for a patient.
func (s *Session) SetWeightHint(patientID, observationID string) {
	if s.WeightHints == nil {
		s.WeightHints = make(map[string]string)
	}
	s.WeightHints[patientID] = observationID
}

// Clone returns a deep copy so that stores never share maps with callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.WeightHints = maps.Clone(s.WeightHints)
	return &cp
}

// Store persists sessions. Get returns ErrNotFound for unknown or expired ids.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
