package bridge

import (
	"time"

	"keybridge.io/internal/identity"
)

// Caller identifies where a boundary call came from. It feeds admission
// control and audit attribution; it is never part of credential state.
type Caller struct {
	IP        string
	UserAgent string
	RequestID string
}

// IssueTokenInput asks for a single-use login token.
type IssueTokenInput struct {
	SubjectID string
	Caller    Caller
}

// IssueTokenResult carries the secret plus the URL the bot displays.
type IssueTokenResult struct {
	Secret    string
	LoginURL  string
	ExpiresAt time.Time
}

type ConsumeTokenInput struct {
	Secret string
	Caller Caller
}

type ConsumeTokenResult struct {
	SubjectID string
}

type IssueCodeInput struct {
	SubjectID string
	Caller    Caller
}

// IssueCodeResult is the only place the code plaintext leaves the store
// alongside its hash.
type IssueCodeResult struct {
	DisplayCode string
	CodeHash    string
	ExpiresAt   time.Time
}

type VerifyCodeInput struct {
	CodeHash string
	Caller   Caller
}

type VerifyCodeResult struct {
	DisplayCode string
}

// ClaimInput carries whichever credential the second surface presented.
// All three may be empty; the resolver then falls back to the most recent
// unclaimed request.
type ClaimInput struct {
	Code      string
	RequestID string
	SubjectID string
	Device    identity.Device
	Caller    Caller
}

// ClaimResult is the resolved identity plus the session minted for it.
// Intent and Context are set when the resolution went through a pending
// request.
type ClaimResult struct {
	SubjectID string
	Mode      string
	Intent    string
	Context   map[string]string
	Grant     identity.Grant
}

type IssueRequestInput struct {
	SubjectID string
	Intent    string
	Context   map[string]string
	Caller    Caller
}

type IssueRequestResult struct {
	RequestID string
	TTL       time.Duration
	ExpiresAt time.Time
}

type ConsumeRequestInput struct {
	RequestID string
	Device    identity.Device
	Caller    Caller
}

type ConsumeRequestResult struct {
	SubjectID string
	Intent    string
	Context   map[string]string
	Grant     identity.Grant
}
