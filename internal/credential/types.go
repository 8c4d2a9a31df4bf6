package credential

import "time"

// Credential kind labels used in metrics and audit entries.
const (
	KindToken   = "token"
	KindRequest = "request"
	KindCode    = "code"
)

// LoginToken is a single-use secret handed to the bot surface and consumed
// by the trampoline page.
type LoginToken struct {
	Secret    string
	SubjectID string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// PendingRequest bridges two disconnected surfaces during a handshake.
// It is the only credential kind that survives a process restart.
type PendingRequest struct {
	Secret    string            `json:"secret"`
	SubjectID string            `json:"subject_id"`
	Intent    string            `json:"intent"`
	Context   map[string]string `json:"context,omitempty"`
	OriginIP  string            `json:"origin_ip,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Claimed   bool              `json:"claimed"`
	ClaimedAt time.Time         `json:"claimed_at,omitzero"`
}

// ClaimCode is a short human-legible code redeemed in two phases: one
// surface verifies the pin, a different surface redeems it. The registry
// indexes by CodeHash; DisplayCode lives only in process memory.
type ClaimCode struct {
	DisplayCode string
	CodeHash    string
	SubjectID   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	PinVerified bool
	UsedAt      time.Time
}

// RegistryStats summarizes one registry for the debug surface.
type RegistryStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Used   int `json:"used"`
}

// Stats aggregates all three registries.
type Stats struct {
	Tokens   RegistryStats `json:"tokens"`
	Requests RegistryStats `json:"requests"`
	Codes    RegistryStats `json:"codes"`
}
