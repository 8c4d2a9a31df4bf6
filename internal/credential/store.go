package credential

import (
	"errors"
	"sync"
	"time"
)

const (
	defaultTokenTTL   = 5 * time.Minute
	defaultRequestTTL = 15 * time.Minute
	defaultCodeTTL    = 15 * time.Minute
)

// Store owns the three credential registries. All state is in-memory;
// the request registry additionally snapshots to disk on every change.
type Store struct {
	clock func() time.Time

	tokenTTL   time.Duration
	requestTTL time.Duration
	codeTTL    time.Duration
	gcInterval time.Duration

	snapshotPath string

	tokensMu sync.RWMutex
	tokens   map[string]*LoginToken

	requestsMu sync.RWMutex
	requests   map[string]*PendingRequest

	codesMu sync.RWMutex
	codes   map[string]*ClaimCode // keyed by code hash

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithTokenTTL overrides the login token lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Store) { s.tokenTTL = d }
}

// WithRequestTTL overrides the pending request lifetime.
func WithRequestTTL(d time.Duration) Option {
	return func(s *Store) { s.requestTTL = d }
}

// WithCodeTTL overrides the claim code lifetime.
func WithCodeTTL(d time.Duration) Option {
	return func(s *Store) { s.codeTTL = d }
}

// WithSnapshotPath enables request durability at the given file path.
func WithSnapshotPath(path string) Option {
	return func(s *Store) { s.snapshotPath = path }
}

// WithGCInterval overrides the sweep period. Zero derives it from the
// shortest TTL in use.
func WithGCInterval(d time.Duration) Option {
	return func(s *Store) { s.gcInterval = d }
}

// New creates a Store, rehydrates the request registry from its snapshot
// when one is configured, and starts the background sweeps.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		clock:      time.Now,
		tokenTTL:   defaultTokenTTL,
		requestTTL: defaultRequestTTL,
		codeTTL:    defaultCodeTTL,
		tokens:     make(map[string]*LoginToken),
		requests:   make(map[string]*PendingRequest),
		codes:      make(map[string]*ClaimCode),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gcInterval <= 0 {
		shortest := s.tokenTTL
		if s.requestTTL < shortest {
			shortest = s.requestTTL
		}
		if s.codeTTL < shortest {
			shortest = s.codeTTL
		}
		s.gcInterval = shortest / 3
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}

	go s.gcLoop(s.sweepTokens)
	go s.gcLoop(s.sweepRequests)
	go s.gcLoop(s.sweepCodes)

	return s, nil
}

// Close stops the background sweeps. It does not write a final snapshot;
// every request state change is already persisted synchronously.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// IssueToken creates a single-use login token for the subject.
func (s *Store) IssueToken(subjectID string) (LoginToken, error) {
	secret, err := newSecret()
	if err != nil {
		return LoginToken{}, err
	}
	now := s.clock()
	tok := &LoginToken{
		Secret:    secret,
		SubjectID: subjectID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}

	s.tokensMu.Lock()
	s.tokens[secret] = tok
	s.tokensMu.Unlock()

	return *tok, nil
}

// ConsumeToken resolves a token secret to its subject exactly once.
// An expired token is evicted on this lookup, so the first late caller
// still sees ErrExpired rather than ErrNotFound.
func (s *Store) ConsumeToken(secret string) (string, error) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	tok, ok := s.tokens[secret]
	if !ok {
		return "", ErrNotFound
	}
	if tok.Used {
		return "", ErrAlreadyUsed
	}
	if !s.clock().Before(tok.ExpiresAt) {
		delete(s.tokens, secret)
		return "", ErrExpired
	}
	tok.Used = true
	return tok.SubjectID, nil
}

// IssueRequest creates a pending request and persists the registry before
// returning, so an acknowledged request survives a crash.
func (s *Store) IssueRequest(subjectID, intent, originIP string, ctx map[string]string) (PendingRequest, error) {
	secret, err := newSecret()
	if err != nil {
		return PendingRequest{}, err
	}
	now := s.clock()
	req := &PendingRequest{
		Secret:    secret,
		SubjectID: subjectID,
		Intent:    intent,
		Context:   copyContext(ctx),
		OriginIP:  originIP,
		CreatedAt: now,
		ExpiresAt: now.Add(s.requestTTL),
	}

	s.requestsMu.Lock()
	s.requests[secret] = req
	s.persistRequestsLocked()
	out := copyRequest(req)
	s.requestsMu.Unlock()

	return out, nil
}

// ClaimRequest marks a pending request claimed exactly once and returns a
// copy of the record. The eviction and claim are both persisted.
func (s *Store) ClaimRequest(secret string) (PendingRequest, error) {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()

	req, ok := s.requests[secret]
	if !ok {
		return PendingRequest{}, ErrNotFound
	}
	if req.Claimed {
		return PendingRequest{}, ErrAlreadyUsed
	}
	now := s.clock()
	if !now.Before(req.ExpiresAt) {
		delete(s.requests, secret)
		s.persistRequestsLocked()
		return PendingRequest{}, ErrExpired
	}
	req.Claimed = true
	req.ClaimedAt = now
	s.persistRequestsLocked()
	return copyRequest(req), nil
}

// LatestUnclaimedRequestFor returns the newest unclaimed, unexpired request
// for the subject. It does not mutate the registry.
func (s *Store) LatestUnclaimedRequestFor(subjectID string) (PendingRequest, bool) {
	now := s.clock()

	s.requestsMu.RLock()
	defer s.requestsMu.RUnlock()

	var best *PendingRequest
	for _, req := range s.requests {
		if req.SubjectID != subjectID || req.Claimed || !now.Before(req.ExpiresAt) {
			continue
		}
		if best == nil || req.CreatedAt.After(best.CreatedAt) {
			best = req
		}
	}
	if best == nil {
		return PendingRequest{}, false
	}
	return copyRequest(best), true
}

// LatestUnclaimedRequestGlobal returns the newest unclaimed request created
// within the window, regardless of subject. A request carrying an origin
// hint only matches a caller from the same origin; a hintless request
// matches any caller.
func (s *Store) LatestUnclaimedRequestGlobal(window time.Duration, originIP string) (PendingRequest, bool) {
	now := s.clock()
	cutoff := now.Add(-window)

	s.requestsMu.RLock()
	defer s.requestsMu.RUnlock()

	var best *PendingRequest
	for _, req := range s.requests {
		if req.Claimed || !now.Before(req.ExpiresAt) || req.CreatedAt.Before(cutoff) {
			continue
		}
		if req.OriginIP != "" && originIP != "" && req.OriginIP != originIP {
			continue
		}
		if best == nil || req.CreatedAt.After(best.CreatedAt) {
			best = req
		}
	}
	if best == nil {
		return PendingRequest{}, false
	}
	return copyRequest(best), true
}

// IssueCode creates a claim code for the subject. The plaintext is returned
// once; only its hash indexes the registry.
func (s *Store) IssueCode(subjectID string) (ClaimCode, error) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	var display, hash string
	for attempt := 0; ; attempt++ {
		if attempt == 5 {
			return ClaimCode{}, errors.New("credential: code space exhausted")
		}
		d, err := newDisplayCode()
		if err != nil {
			return ClaimCode{}, err
		}
		h := HashCode(d)
		if _, taken := s.codes[h]; !taken {
			display, hash = d, h
			break
		}
	}

	now := s.clock()
	code := &ClaimCode{
		DisplayCode: display,
		CodeHash:    hash,
		SubjectID:   subjectID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.codeTTL),
	}
	s.codes[hash] = code
	return *code, nil
}

// VerifyPin marks the code pin-verified and returns the plaintext for a
// one-time display. It does not consume the code, and verifying twice is
// allowed while the code is live.
func (s *Store) VerifyPin(codeHash string) (string, error) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return "", ErrNotFound
	}
	if !code.UsedAt.IsZero() {
		return "", ErrAlreadyUsed
	}
	if !s.clock().Before(code.ExpiresAt) {
		delete(s.codes, codeHash)
		return "", ErrExpired
	}
	code.PinVerified = true
	return code.DisplayCode, nil
}

// RedeemCode consumes a pin-verified code exactly once and returns its
// subject. Redemption without a prior VerifyPin fails regardless of hash
// correctness.
func (s *Store) RedeemCode(codeHash string) (string, error) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return "", ErrNotFound
	}
	if !code.UsedAt.IsZero() {
		return "", ErrAlreadyUsed
	}
	now := s.clock()
	if !now.Before(code.ExpiresAt) {
		delete(s.codes, codeHash)
		return "", ErrExpired
	}
	if !code.PinVerified {
		return "", ErrNotVerified
	}
	code.UsedAt = now
	return code.SubjectID, nil
}

// Stats counts each registry for the debug surface.
func (s *Store) Stats() Stats {
	now := s.clock()
	var st Stats

	s.tokensMu.RLock()
	st.Tokens.Total = len(s.tokens)
	for _, t := range s.tokens {
		if t.Used {
			st.Tokens.Used++
		} else if now.Before(t.ExpiresAt) {
			st.Tokens.Active++
		}
	}
	s.tokensMu.RUnlock()

	s.requestsMu.RLock()
	st.Requests.Total = len(s.requests)
	for _, r := range s.requests {
		if r.Claimed {
			st.Requests.Used++
		} else if now.Before(r.ExpiresAt) {
			st.Requests.Active++
		}
	}
	s.requestsMu.RUnlock()

	s.codesMu.RLock()
	st.Codes.Total = len(s.codes)
	for _, c := range s.codes {
		if !c.UsedAt.IsZero() {
			st.Codes.Used++
		} else if now.Before(c.ExpiresAt) {
			st.Codes.Active++
		}
	}
	s.codesMu.RUnlock()

	return st
}

func (s *Store) gcLoop(sweep func()) {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// The sweeps reclaim memory only. They remove records that are both
// expired and consumed; unconsumed expired records stay until a lookup
// evicts them, so a late consume reports ErrExpired, not ErrNotFound.

func (s *Store) sweepTokens() {
	now := s.clock()
	s.tokensMu.Lock()
	for secret, tok := range s.tokens {
		if tok.Used && !now.Before(tok.ExpiresAt) {
			delete(s.tokens, secret)
		}
	}
	s.tokensMu.Unlock()
}

func (s *Store) sweepRequests() {
	now := s.clock()
	s.requestsMu.Lock()
	removed := false
	for secret, req := range s.requests {
		if req.Claimed && !now.Before(req.ExpiresAt) {
			delete(s.requests, secret)
			removed = true
		}
	}
	if removed {
		s.persistRequestsLocked()
	}
	s.requestsMu.Unlock()
}

func (s *Store) sweepCodes() {
	now := s.clock()
	s.codesMu.Lock()
	for hash, code := range s.codes {
		if !code.UsedAt.IsZero() && !now.Before(code.ExpiresAt) {
			delete(s.codes, hash)
		}
	}
	s.codesMu.Unlock()
}

func copyRequest(req *PendingRequest) PendingRequest {
	out := *req
	out.Context = copyContext(req.Context)
	return out
}

func copyContext(ctx map[string]string) map[string]string {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
