package credential

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s, err := New(append([]Option{WithClock(clk.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, clk
}

func TestTokenLifecycle(t *testing.T) {
	s, _ := newTestStore(t)

	tok, err := s.IssueToken("42")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Secret == "" || tok.SubjectID != "42" {
		t.Fatalf("unexpected token: %+v", tok)
	}
	if got := tok.ExpiresAt.Sub(tok.CreatedAt); got != 5*time.Minute {
		t.Fatalf("token ttl = %v, want 5m", got)
	}

	subject, err := s.ConsumeToken(tok.Secret)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "42" {
		t.Fatalf("subject = %q, want 42", subject)
	}

	if _, err := s.ConsumeToken(tok.Secret); err != ErrAlreadyUsed {
		t.Fatalf("second consume: got %v, want ErrAlreadyUsed", err)
	}
	if _, err := s.ConsumeToken("no-such-secret"); err != ErrNotFound {
		t.Fatalf("unknown secret: got %v, want ErrNotFound", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	s, clk := newTestStore(t)

	tok, _ := s.IssueToken("42")
	clk.Advance(5 * time.Minute)

	if _, err := s.ConsumeToken(tok.Secret); err != ErrExpired {
		t.Fatalf("got %v, want ErrExpired", err)
	}
	// The expired lookup evicted the record.
	if _, err := s.ConsumeToken(tok.Secret); err != ErrNotFound {
		t.Fatalf("after eviction: got %v, want ErrNotFound", err)
	}
}

func TestConcurrentTokenConsume(t *testing.T) {
	s, _ := newTestStore(t)
	tok, _ := s.IssueToken("42")

	const n = 50
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeToken(tok.Secret)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch err {
		case nil:
			wins++
		case ErrAlreadyUsed:
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != n-1 {
		t.Fatalf("wins=%d losses=%d, want 1/%d", wins, losses, n-1)
	}
}

func TestRequestLifecycle(t *testing.T) {
	s, _ := newTestStore(t)

	req, err := s.IssueRequest("9", "login", "203.0.113.7", map[string]string{"chat": "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if req.Secret == "" || req.Intent != "login" || req.OriginIP != "203.0.113.7" {
		t.Fatalf("unexpected request: %+v", req)
	}

	claimed, err := s.ClaimRequest(req.Secret)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.SubjectID != "9" || claimed.Intent != "login" || claimed.Context["chat"] != "c1" {
		t.Fatalf("unexpected claim result: %+v", claimed)
	}
	if !claimed.Claimed || claimed.ClaimedAt.IsZero() {
		t.Fatalf("claim state not recorded: %+v", claimed)
	}

	if _, err := s.ClaimRequest(req.Secret); err != ErrAlreadyUsed {
		t.Fatalf("second claim: got %v, want ErrAlreadyUsed", err)
	}
}

func TestRequestExpiry(t *testing.T) {
	s, clk := newTestStore(t)

	req, _ := s.IssueRequest("9", "login", "", nil)
	clk.Advance(900 * time.Second)

	if _, err := s.ClaimRequest(req.Secret); err != ErrExpired {
		t.Fatalf("got %v, want ErrExpired", err)
	}
}

func TestConcurrentRequestClaim(t *testing.T) {
	s, _ := newTestStore(t)
	req, _ := s.IssueRequest("9", "login", "", nil)

	const n = 32
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimRequest(req.Secret)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		} else if err != ErrAlreadyUsed {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestLatestUnclaimedRequestFor(t *testing.T) {
	s, clk := newTestStore(t)

	older, _ := s.IssueRequest("5", "login", "", nil)
	clk.Advance(10 * time.Second)
	newer, _ := s.IssueRequest("5", "login", "", nil)
	s.IssueRequest("6", "login", "", nil)

	got, ok := s.LatestUnclaimedRequestFor("5")
	if !ok {
		t.Fatal("expected a request")
	}
	if got.Secret != newer.Secret {
		t.Fatalf("got %s, want the newer request", got.Secret)
	}

	// A claimed request is no longer a candidate.
	if _, err := s.ClaimRequest(newer.Secret); err != nil {
		t.Fatal(err)
	}
	got, ok = s.LatestUnclaimedRequestFor("5")
	if !ok || got.Secret != older.Secret {
		t.Fatalf("expected the older request, got %+v ok=%v", got, ok)
	}

	// Never another subject's request.
	if got, ok := s.LatestUnclaimedRequestFor("7"); ok {
		t.Fatalf("subject 7 has no requests, got %+v", got)
	}

	// Expired requests are excluded.
	clk.Advance(15 * time.Minute)
	if _, ok := s.LatestUnclaimedRequestFor("5"); ok {
		t.Fatal("expired request returned")
	}
}

func TestLatestUnclaimedRequestGlobal(t *testing.T) {
	s, clk := newTestStore(t)

	s.IssueRequest("1", "login", "", nil)
	clk.Advance(6 * time.Minute)
	inWindow, _ := s.IssueRequest("2", "login", "", nil)

	got, ok := s.LatestUnclaimedRequestGlobal(5*time.Minute, "")
	if !ok || got.Secret != inWindow.Secret {
		t.Fatalf("expected the in-window request, got %+v ok=%v", got, ok)
	}
	if got.SubjectID != "2" {
		t.Fatalf("subject = %q, want 2", got.SubjectID)
	}
}

func TestGlobalFallbackOriginHint(t *testing.T) {
	s, clk := newTestStore(t)

	hinted, _ := s.IssueRequest("1", "login", "203.0.113.7", nil)
	clk.Advance(time.Second)

	// A hinted request only matches a caller from the same origin.
	if _, ok := s.LatestUnclaimedRequestGlobal(5*time.Minute, "198.51.100.9"); ok {
		t.Fatal("origin mismatch must not match")
	}
	got, ok := s.LatestUnclaimedRequestGlobal(5*time.Minute, "203.0.113.7")
	if !ok || got.Secret != hinted.Secret {
		t.Fatalf("same origin must match, got ok=%v", ok)
	}

	// A hintless request matches any caller.
	clk.Advance(time.Second)
	hintless, _ := s.IssueRequest("2", "login", "", nil)
	got, ok = s.LatestUnclaimedRequestGlobal(5*time.Minute, "198.51.100.9")
	if !ok || got.Secret != hintless.Secret {
		t.Fatalf("hintless request must match, got %+v ok=%v", got, ok)
	}
}

func TestClaimCodeTwoPhase(t *testing.T) {
	s, _ := newTestStore(t)

	code, err := s.IssueCode("7")
	if err != nil {
		t.Fatal(err)
	}
	if code.CodeHash != HashCode(code.DisplayCode) {
		t.Fatal("hash does not match display code")
	}

	// Redemption before pin verification must fail.
	if _, err := s.RedeemCode(code.CodeHash); err != ErrNotVerified {
		t.Fatalf("got %v, want ErrNotVerified", err)
	}

	display, err := s.VerifyPin(code.CodeHash)
	if err != nil {
		t.Fatal(err)
	}
	if display != code.DisplayCode {
		t.Fatalf("display = %q, want %q", display, code.DisplayCode)
	}

	subject, err := s.RedeemCode(code.CodeHash)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "7" {
		t.Fatalf("subject = %q, want 7", subject)
	}

	if _, err := s.RedeemCode(code.CodeHash); err != ErrAlreadyUsed {
		t.Fatalf("second redeem: got %v, want ErrAlreadyUsed", err)
	}
	if _, err := s.VerifyPin(code.CodeHash); err != ErrAlreadyUsed {
		t.Fatalf("verify after redeem: got %v, want ErrAlreadyUsed", err)
	}
}

func TestClaimCodeExpiry(t *testing.T) {
	s, clk := newTestStore(t)

	code, _ := s.IssueCode("7")
	if _, err := s.VerifyPin(code.CodeHash); err != nil {
		t.Fatal(err)
	}
	clk.Advance(15 * time.Minute)

	if _, err := s.RedeemCode(code.CodeHash); err != ErrExpired {
		t.Fatalf("got %v, want ErrExpired", err)
	}
	if _, err := s.RedeemCode(code.CodeHash); err != ErrNotFound {
		t.Fatalf("after eviction: got %v, want ErrNotFound", err)
	}
}

func TestClaimCodeUnknownHash(t *testing.T) {
	s, _ := newTestStore(t)
	s.IssueCode("7")

	if _, err := s.RedeemCode(HashCode("ZZZZ-99")); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := s.VerifyPin("not-a-hash"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestStatsCounts(t *testing.T) {
	s, clk := newTestStore(t)

	a, _ := s.IssueToken("1")
	s.IssueToken("2")
	s.ConsumeToken(a.Secret)

	s.IssueRequest("1", "login", "", nil)
	code, _ := s.IssueCode("1")
	s.VerifyPin(code.CodeHash)
	s.RedeemCode(code.CodeHash)

	st := s.Stats()
	if st.Tokens.Total != 2 || st.Tokens.Active != 1 || st.Tokens.Used != 1 {
		t.Fatalf("token stats: %+v", st.Tokens)
	}
	if st.Requests.Total != 1 || st.Requests.Active != 1 {
		t.Fatalf("request stats: %+v", st.Requests)
	}
	if st.Codes.Total != 1 || st.Codes.Used != 1 {
		t.Fatalf("code stats: %+v", st.Codes)
	}

	// Expired unconsumed records leave Active but stay in Total.
	clk.Advance(time.Hour)
	st = s.Stats()
	if st.Tokens.Total != 2 || st.Tokens.Active != 0 {
		t.Fatalf("token stats after expiry: %+v", st.Tokens)
	}
}

func TestSweepReclaimsOnlyConsumed(t *testing.T) {
	s, clk := newTestStore(t)

	used, _ := s.IssueToken("1")
	untouched, _ := s.IssueToken("2")
	s.ConsumeToken(used.Secret)

	clk.Advance(time.Hour)
	s.sweepTokens()

	// The consumed expired token is gone.
	if _, err := s.ConsumeToken(used.Secret); err != ErrNotFound {
		t.Fatalf("swept token: got %v, want ErrNotFound", err)
	}
	// The unconsumed expired token survives the sweep, so a late caller
	// still learns it expired.
	if _, err := s.ConsumeToken(untouched.Secret); err != ErrExpired {
		t.Fatalf("unconsumed token: got %v, want ErrExpired", err)
	}
}

func TestSweepRequestsAndCodes(t *testing.T) {
	s, clk := newTestStore(t)

	req, _ := s.IssueRequest("1", "login", "", nil)
	s.ClaimRequest(req.Secret)
	code, _ := s.IssueCode("1")
	s.VerifyPin(code.CodeHash)
	s.RedeemCode(code.CodeHash)

	clk.Advance(time.Hour)
	s.sweepRequests()
	s.sweepCodes()

	st := s.Stats()
	if st.Requests.Total != 0 {
		t.Fatalf("request not swept: %+v", st.Requests)
	}
	if st.Codes.Total != 0 {
		t.Fatalf("code not swept: %+v", st.Codes)
	}
}

func TestCustomTTLs(t *testing.T) {
	s, clk := newTestStore(t, WithTokenTTL(time.Minute), WithCodeTTL(2*time.Minute))

	tok, _ := s.IssueToken("1")
	code, _ := s.IssueCode("1")

	clk.Advance(time.Minute)
	if _, err := s.ConsumeToken(tok.Secret); err != ErrExpired {
		t.Fatalf("got %v, want ErrExpired", err)
	}
	if _, err := s.VerifyPin(code.CodeHash); err != nil {
		t.Fatalf("code should still be live: %v", err)
	}
}
