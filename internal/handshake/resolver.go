package handshake

import (
	"time"

	"keybridge.io/internal/credential"
)

// Resolution modes, in precedence order.
const (
	ModeCode    = "code"
	ModeDirect  = "direct"
	ModeSubject = "subject"
	ModeBlind   = "blind"
)

const defaultFallbackWindow = 5 * time.Minute

// Input carries whichever credentials the caller presented. OriginIP is
// not a credential; it narrows the blind fallback.
type Input struct {
	Code      string
	RID       string
	SubjectID string
	OriginIP  string
}

// Resolution is the outcome of a successful handshake: one subject,
// resolved through exactly one mode. Request is set for RID-based modes.
type Resolution struct {
	SubjectID string
	Mode      string
	Request   *credential.PendingRequest
}

// Store is the slice of the credential store the resolver composes.
type Store interface {
	RedeemCode(codeHash string) (string, error)
	ClaimRequest(secret string) (credential.PendingRequest, error)
	LatestUnclaimedRequestFor(subjectID string) (credential.PendingRequest, bool)
	LatestUnclaimedRequestGlobal(window time.Duration, originIP string) (credential.PendingRequest, bool)
}

// Resolver turns one of {claim code, RID, subject hint, nothing} into a
// resolved subject identity.
type Resolver struct {
	store  Store
	window time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFallbackWindow bounds how far back the blind fallback may reach.
func WithFallbackWindow(d time.Duration) Option {
	return func(r *Resolver) { r.window = d }
}

// New creates a Resolver over the given store.
func New(store Store, opts ...Option) *Resolver {
	r := &Resolver{store: store, window: defaultFallbackWindow}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks exactly one mode based on which inputs are present: claim
// code, then direct RID, then subject hint, then blind fallback. When the
// claim step of a read-then-claim mode fails, the whole resolution fails;
// a second resolution attempt is a user-intent signal, not a retry, so it
// never falls through to the next mode.
func (r *Resolver) Resolve(in Input) (Resolution, error) {
	switch {
	case in.Code != "":
		subject, err := r.store.RedeemCode(credential.HashCode(in.Code))
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{SubjectID: subject, Mode: ModeCode}, nil

	case in.RID != "":
		req, err := r.store.ClaimRequest(in.RID)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{SubjectID: req.SubjectID, Mode: ModeDirect, Request: &req}, nil

	case in.SubjectID != "":
		req, ok := r.store.LatestUnclaimedRequestFor(in.SubjectID)
		if !ok {
			return Resolution{}, credential.ErrNotFound
		}
		claimed, err := r.store.ClaimRequest(req.Secret)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{SubjectID: claimed.SubjectID, Mode: ModeSubject, Request: &claimed}, nil

	default:
		req, ok := r.store.LatestUnclaimedRequestGlobal(r.window, in.OriginIP)
		if !ok {
			return Resolution{}, credential.ErrNotFound
		}
		claimed, err := r.store.ClaimRequest(req.Secret)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{SubjectID: claimed.SubjectID, Mode: ModeBlind, Request: &claimed}, nil
	}
}
