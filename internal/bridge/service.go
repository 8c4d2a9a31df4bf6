package bridge

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"keybridge.io/internal/audit"
	"keybridge.io/internal/credential"
	"keybridge.io/internal/handshake"
	"keybridge.io/internal/identity"
	"keybridge.io/internal/obs"
	"keybridge.io/internal/ratelimit"
)

// Operation names shared by admission control, audit entries and metrics.
const (
	OpIssueToken     = "issue_token"
	OpConsumeToken   = "consume_token"
	OpIssueCode      = "issue_code"
	OpVerifyCode     = "verify_code"
	OpClaim          = "claim"
	OpIssueRequest   = "issue_request"
	OpConsumeRequest = "consume_request"
)

// Limit is one admission ceiling: at most Max calls per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits are the per-operation admission ceilings. Claim and pin
// verification are strictest because those are the surfaces an attacker can
// probe without holding a credential.
var DefaultLimits = map[string]Limit{
	OpIssueToken:     {Max: 10, Window: time.Minute},
	OpConsumeToken:   {Max: 20, Window: time.Minute},
	OpIssueCode:      {Max: 10, Window: time.Minute},
	OpVerifyCode:     {Max: 5, Window: time.Minute},
	OpClaim:          {Max: 5, Window: time.Minute},
	OpIssueRequest:   {Max: 30, Window: time.Minute},
	OpConsumeRequest: {Max: 20, Window: time.Minute},
}

// Service is the boundary between transports and the credential exchange.
// Every operation runs admission control first, then the credential work,
// then records the outcome. All collaborators are injected at construction;
// the service holds no ambient state.
type Service struct {
	store    *credential.Store
	resolver *handshake.Resolver
	backend  identity.Backend
	log      *audit.Log
	limits   map[string]ratelimit.Limiter
	urlBase  string
}

// Option configures the Service.
type Option func(*Service)

// WithLoginURLBase sets the public base used to derive login URLs.
func WithLoginURLBase(base string) Option {
	return func(s *Service) { s.urlBase = strings.TrimRight(base, "/") }
}

// WithLimiter replaces the admission limiter for one operation.
func WithLimiter(op string, l ratelimit.Limiter) Option {
	return func(s *Service) { s.limits[op] = l }
}

// WithoutLimits disables per-operation admission control. Intended for
// tests that probe credential semantics under load.
func WithoutLimits() Option {
	return func(s *Service) { s.limits = map[string]ratelimit.Limiter{} }
}

// New wires the boundary service. Admission ceilings start from
// DefaultLimits as in-memory fixed windows; WithLimiter swaps individual
// operations, WithoutLimits clears them all.
func New(store *credential.Store, resolver *handshake.Resolver, backend identity.Backend, auditLog *audit.Log, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		backend:  backend,
		log:      auditLog,
		limits:   make(map[string]ratelimit.Limiter, len(DefaultLimits)),
	}
	for op, l := range DefaultLimits {
		s.limits[op] = ratelimit.NewFixedWindow(l.Max, l.Window)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueLoginToken mints a single-use token for the subject and derives the
// URL the bot hands to the user.
func (s *Service) IssueLoginToken(ctx context.Context, in IssueTokenInput) (IssueTokenResult, error) {
	if in.SubjectID == "" {
		return IssueTokenResult{}, ErrMissingParameters
	}
	if err := s.admit(ctx, OpIssueToken, in.Caller, in.SubjectID); err != nil {
		return IssueTokenResult{}, err
	}

	tok, err := s.store.IssueToken(in.SubjectID)
	if err != nil {
		return IssueTokenResult{}, err
	}
	obs.CredentialIssued(credential.KindToken)
	s.log.Record(audit.Entry{
		Action:    "token.issue",
		SubjectID: in.SubjectID,
		Client:    clientContext(in.Caller),
	})
	return IssueTokenResult{
		Secret:    tok.Secret,
		LoginURL:  s.loginURL(tok.Secret),
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// ConsumeLoginToken resolves a token to its subject, exactly once.
func (s *Service) ConsumeLoginToken(ctx context.Context, in ConsumeTokenInput) (ConsumeTokenResult, error) {
	if in.Secret == "" {
		return ConsumeTokenResult{}, ErrMissingParameters
	}
	if err := s.admit(ctx, OpConsumeToken, in.Caller, ""); err != nil {
		return ConsumeTokenResult{}, err
	}

	subject, err := s.store.ConsumeToken(in.Secret)
	if err != nil {
		obs.CredentialResolved(credential.KindToken, ErrorKind(err))
		s.log.RecordCritical(audit.Entry{
			Action:    "token.consume",
			Outcome:   audit.OutcomeFailed,
			ErrorKind: ErrorKind(err),
			Client:    clientContext(in.Caller),
		})
		return ConsumeTokenResult{}, err
	}
	obs.CredentialResolved(credential.KindToken, "success")
	s.log.RecordCritical(audit.Entry{
		Action:    "token.consume",
		SubjectID: subject,
		Client:    clientContext(in.Caller),
	})
	return ConsumeTokenResult{SubjectID: subject}, nil
}

// IssueClaimCode generates a short human-legible code for the subject. The
// plaintext appears once in the result; the registry keeps only the hash.
func (s *Service) IssueClaimCode(ctx context.Context, in IssueCodeInput) (IssueCodeResult, error) {
	if in.SubjectID == "" {
		return IssueCodeResult{}, ErrMissingParameters
	}
	if err := s.admit(ctx, OpIssueCode, in.Caller, in.SubjectID); err != nil {
		return IssueCodeResult{}, err
	}

	code, err := s.store.IssueCode(in.SubjectID)
	if err != nil {
		return IssueCodeResult{}, err
	}
	obs.CredentialIssued(credential.KindCode)
	s.log.Record(audit.Entry{
		Action:    "code.issue",
		SubjectID: in.SubjectID,
		Client:    clientContext(in.Caller),
		Extra:     map[string]string{"code_hash": code.CodeHash},
	})
	return IssueCodeResult{
		DisplayCode: code.DisplayCode,
		CodeHash:    code.CodeHash,
		ExpiresAt:   code.ExpiresAt,
	}, nil
}

// VerifyClaimCode marks a code pin-verified and returns the plaintext for
// one-time display. The code is not consumed.
func (s *Service) VerifyClaimCode(ctx context.Context, in VerifyCodeInput) (VerifyCodeResult, error) {
	if in.CodeHash == "" {
		return VerifyCodeResult{}, ErrMissingParameters
	}
	if err := s.admit(ctx, OpVerifyCode, in.Caller, ""); err != nil {
		return VerifyCodeResult{}, err
	}

	display, err := s.store.VerifyPin(in.CodeHash)
	if err != nil {
		s.log.RecordCritical(audit.Entry{
			Action:    "code.verify",
			Outcome:   audit.OutcomeFailed,
			ErrorKind: ErrorKind(err),
			Client:    clientContext(in.Caller),
			Extra:     map[string]string{"code_hash": in.CodeHash},
		})
		return VerifyCodeResult{}, err
	}
	s.log.RecordCritical(audit.Entry{
		Action: "code.verify",
		Client: clientContext(in.Caller),
		Extra:  map[string]string{"code_hash": in.CodeHash},
	})
	return VerifyCodeResult{DisplayCode: display}, nil
}

// Claim runs the multi-mode handshake and hands the resolved subject to
// the identity backend. Consumption is final before the hand-off starts;
// when the hand-off fails the caller receives an IdentityError and may
// retry it with the subject that error carries.
func (s *Service) Claim(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	if err := s.admit(ctx, OpClaim, in.Caller, in.SubjectID); err != nil {
		return ClaimResult{}, err
	}

	kind := credential.KindRequest
	if in.Code != "" {
		kind = credential.KindCode
	}
	res, err := s.resolver.Resolve(handshake.Input{
		Code:      in.Code,
		RID:       in.RequestID,
		SubjectID: in.SubjectID,
		OriginIP:  in.Caller.IP,
	})
	if err != nil {
		obs.CredentialResolved(kind, ErrorKind(err))
		s.log.RecordCritical(audit.Entry{
			Action:    "claim.resolve",
			SubjectID: in.SubjectID,
			Outcome:   audit.OutcomeFailed,
			ErrorKind: ErrorKind(err),
			Client:    clientContext(in.Caller),
		})
		return ClaimResult{}, err
	}
	obs.CredentialResolved(kind, "success")

	out := ClaimResult{SubjectID: res.SubjectID, Mode: res.Mode}
	if res.Request != nil {
		out.Intent = res.Request.Intent
		out.Context = res.Request.Context
	}

	grant, err := s.authenticate(ctx, res.SubjectID, out.Intent, in.Device, out.Context)
	if err != nil {
		s.log.RecordCritical(audit.Entry{
			Action:    "claim.resolve",
			SubjectID: res.SubjectID,
			Outcome:   audit.OutcomeFailed,
			ErrorKind: ErrorKind(err),
			Client:    clientContext(in.Caller),
			Extra:     map[string]string{"mode": res.Mode},
		})
		return ClaimResult{}, err
	}
	s.log.RecordCritical(audit.Entry{
		Action:    "claim.resolve",
		SubjectID: res.SubjectID,
		Client:    clientContext(in.Caller),
		Extra:     map[string]string{"mode": res.Mode},
	})
	out.Grant = grant
	return out, nil
}

// IssueRequest creates a pending request the app claims later. The record
// is durable before the call returns.
func (s *Service) IssueRequest(ctx context.Context, in IssueRequestInput) (IssueRequestResult, error) {
	if in.SubjectID == "" || in.Intent == "" {
		return IssueRequestResult{}, ErrMissingParameters
	}
	if err := s.admit(ctx, OpIssueRequest, in.Caller, in.SubjectID); err != nil {
		return IssueRequestResult{}, err
	}

	req, err := s.store.IssueRequest(in.SubjectID, in.Intent, in.Caller.IP, in.Context)
	if err != nil {
		return IssueRequestResult{}, err
	}
	obs.CredentialIssued(credential.KindRequest)
	s.log.Record(audit.Entry{
		Action:    "request.issue",
		SubjectID: in.SubjectID,
		Client:    clientContext(in.Caller),
		Extra:     map[string]string{"intent": in.Intent},
	})
	return IssueRequestResult{
		RequestID: req.Secret,
		TTL:       req.ExpiresAt.Sub(req.CreatedAt),
		ExpiresAt: req.ExpiresAt,
	}, nil
}

// ConsumeRequest claims a pending request by its secret and mints a
// session for the owning subject.
func (s *Service) ConsumeRequest(ctx context.Context, in ConsumeRequestInput) (ConsumeRequestResult, error) {
	if in.RequestID == "" {
		return ConsumeRequestResult{}, ErrMissingParameters
	}
	if err := s.admit(ctx, OpConsumeRequest, in.Caller, ""); err != nil {
		return ConsumeRequestResult{}, err
	}

	req, err := s.store.ClaimRequest(in.RequestID)
	if err != nil {
		obs.CredentialResolved(credential.KindRequest, ErrorKind(err))
		s.log.RecordCritical(audit.Entry{
			Action:    "request.consume",
			Outcome:   audit.OutcomeFailed,
			ErrorKind: ErrorKind(err),
			Client:    clientContext(in.Caller),
		})
		return ConsumeRequestResult{}, err
	}
	obs.CredentialResolved(credential.KindRequest, "success")

	grant, err := s.authenticate(ctx, req.SubjectID, req.Intent, in.Device, req.Context)
	if err != nil {
		s.log.RecordCritical(audit.Entry{
			Action:    "request.consume",
			SubjectID: req.SubjectID,
			Outcome:   audit.OutcomeFailed,
			ErrorKind: ErrorKind(err),
			Client:    clientContext(in.Caller),
		})
		return ConsumeRequestResult{}, err
	}
	s.log.RecordCritical(audit.Entry{
		Action:    "request.consume",
		SubjectID: req.SubjectID,
		Client:    clientContext(in.Caller),
		Extra:     map[string]string{"intent": req.Intent},
	})
	return ConsumeRequestResult{
		SubjectID: req.SubjectID,
		Intent:    req.Intent,
		Context:   req.Context,
		Grant:     grant,
	}, nil
}

// Stats reports per-registry counters for the debug surface.
func (s *Service) Stats() credential.Stats { return s.store.Stats() }

// authenticate performs the identity hand-off. The credential is already
// consumed at this point, so failures wrap the resolved subject.
func (s *Service) authenticate(ctx context.Context, subjectID, intent string, device identity.Device, extra map[string]string) (identity.Grant, error) {
	req := identity.Request{SubjectID: subjectID, Intent: intent, Context: extra}
	if device != (identity.Device{}) {
		req.Device = &device
	}
	grant, err := s.backend.Authenticate(ctx, req)
	if err != nil {
		return identity.Grant{}, &IdentityError{SubjectID: subjectID, Err: err}
	}
	return grant, nil
}

// admit runs the operation's fixed-window check. Limiter transport errors
// fail open: losing a shared limiter must not take the exchange down.
func (s *Service) admit(ctx context.Context, op string, caller Caller, subjectID string) error {
	l, ok := s.limits[op]
	if !ok {
		return nil
	}
	allowed, retryAfter, err := l.Admit(ctx, ratelimit.CombinedKey(caller.IP, subjectID))
	if err != nil {
		log.Printf("bridge: %s admission check: %v", op, err)
		return nil
	}
	if allowed {
		return nil
	}
	obs.RateLimitDenied(op)
	s.log.RecordCritical(audit.Entry{
		Action:    "ratelimit.deny",
		SubjectID: subjectID,
		Outcome:   audit.OutcomeFailed,
		ErrorKind: "rate_limited",
		Client:    clientContext(caller),
		Extra:     map[string]string{"op": op},
	})
	return &RateLimitedError{Op: op, RetryAfter: retryAfter}
}

func (s *Service) loginURL(secret string) string {
	if s.urlBase == "" {
		return ""
	}
	return s.urlBase + "/login?token=" + url.QueryEscape(secret)
}

func clientContext(c Caller) audit.ClientContext {
	return audit.ClientContext{IP: c.IP, UserAgent: c.UserAgent, RequestID: c.RequestID}
}

// ErrorKind maps an error from any boundary operation to the short label
// used in audit entries, metrics and HTTP error bodies.
func ErrorKind(err error) string {
	var rl *RateLimitedError
	var ie *IdentityError
	switch {
	case errors.Is(err, credential.ErrNotFound):
		return "not_found"
	case errors.Is(err, credential.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, credential.ErrExpired):
		return "expired"
	case errors.Is(err, credential.ErrNotVerified):
		return "not_pin_verified"
	case errors.Is(err, ErrMissingParameters):
		return "missing_parameters"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &ie), errors.Is(err, identity.ErrUnavailable):
		return "identity_unavailable"
	}
	return "internal"
}
