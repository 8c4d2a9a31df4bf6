package identity

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable wraps every backend failure: transport errors, timeouts,
// and non-2xx responses. The credential that led here is already consumed,
// so callers retry the hand-off with the same resolved subject instead of
// re-running the handshake.
var ErrUnavailable = errors.New("identity: backend unavailable")

// Device describes the client surface completing a handshake.
type Device struct {
	Name       string `json:"name,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// Request carries everything the backend needs to mint a session.
type Request struct {
	SubjectID string            `json:"subject_id"`
	Intent    string            `json:"intent,omitempty"`
	Device    *Device           `json:"device,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Session is a minted application session.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Grant is the backend's answer: the user record plus a fresh session.
// User is passed through opaquely; this subsystem never interprets it.
type Grant struct {
	UserID  string          `json:"user_id"`
	Session Session         `json:"session"`
	User    json.RawMessage `json:"user,omitempty"`
}

// Backend mints sessions for resolved subjects. Implementations may be
// slow or failing; callers bound each call with the context.
type Backend interface {
	Authenticate(ctx context.Context, req Request) (Grant, error)
}
