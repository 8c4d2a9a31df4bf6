package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"keybridge.io/internal/audit"
	"keybridge.io/internal/bridge"
	"keybridge.io/internal/credential"
	"keybridge.io/internal/identity"
)

type issueTokenRequest struct {
	SubjectID string `json:"subject_id"`
}

type issueTokenResponse struct {
	Secret    string    `json:"secret"`
	LoginURL  string    `json:"login_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type consumeTokenRequest struct {
	Secret string `json:"secret"`
}

type consumeTokenResponse struct {
	SubjectID string `json:"subject_id"`
}

type issueCodeRequest struct {
	SubjectID string `json:"subject_id"`
}

type issueCodeResponse struct {
	DisplayCode string    `json:"display_code"`
	CodeHash    string    `json:"code_hash"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type verifyCodeRequest struct {
	CodeHash string `json:"code_hash"`
}

type verifyCodeResponse struct {
	DisplayCode string `json:"display_code"`
}

type claimRequest struct {
	Code      string          `json:"code,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	SubjectID string          `json:"subject_id,omitempty"`
	Device    identity.Device `json:"device"`
}

type claimResponse struct {
	SubjectID string            `json:"subject_id"`
	Mode      string            `json:"mode"`
	Intent    string            `json:"intent,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	UserID    string            `json:"user_id"`
	Session   identity.Session  `json:"session"`
	User      json.RawMessage   `json:"user,omitempty"`
}

type createRequestRequest struct {
	SubjectID string            `json:"subject_id"`
	Intent    string            `json:"intent"`
	Context   map[string]string `json:"context,omitempty"`
}

type createRequestResponse struct {
	RequestID  string    `json:"request_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

type consumeRequestRequest struct {
	RequestID string          `json:"request_id"`
	Device    identity.Device `json:"device"`
}

type consumeRequestResponse struct {
	SubjectID string            `json:"subject_id"`
	Intent    string            `json:"intent,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	UserID    string            `json:"user_id"`
	Session   identity.Session  `json:"session"`
	User      json.RawMessage   `json:"user,omitempty"`
}

type auditListResponse struct {
	Items []audit.Entry `json:"items"`
	AsOf  time.Time     `json:"as_of"`
}

func (a *API) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.issueToken(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.IssueLoginToken(r.Context(), bridge.IssueTokenInput{
		SubjectID: strings.TrimSpace(req.SubjectID),
		Caller:    callerFromRequest(r),
	})
	if err != nil {
		handleExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueTokenResponse{
		Secret:    res.Secret,
		LoginURL:  res.LoginURL,
		ExpiresAt: res.ExpiresAt,
	})
}

func (a *API) handleTokenConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req consumeTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.ConsumeLoginToken(r.Context(), bridge.ConsumeTokenInput{
		Secret: strings.TrimSpace(req.Secret),
		Caller: callerFromRequest(r),
	})
	if err != nil {
		handleExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consumeTokenResponse{SubjectID: res.SubjectID})
}

func (a *API) handleCodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.issueCode(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) issueCode(w http.ResponseWriter, r *http.Request) {
	var req issueCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.IssueClaimCode(r.Context(), bridge.IssueCodeInput{
		SubjectID: strings.TrimSpace(req.SubjectID),
		Caller:    callerFromRequest(r),
	})
	if err != nil {
		handleExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueCodeResponse{
		DisplayCode: res.DisplayCode,
		CodeHash:    res.CodeHash,
		ExpiresAt:   res.ExpiresAt,
	})
}

func (a *API) handleCodeVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req verifyCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.VerifyClaimCode(r.Context(), bridge.VerifyCodeInput{
		CodeHash: strings.TrimSpace(req.CodeHash),
		Caller:   callerFromRequest(r),
	})
	if err != nil {
		handleExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyCodeResponse{DisplayCode: res.DisplayCode})
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.Claim(r.Context(), bridge.ClaimInput{
		Code:      strings.TrimSpace(req.Code),
		RequestID: strings.TrimSpace(req.RequestID),
		SubjectID: strings.TrimSpace(req.SubjectID),
		Device:    req.Device,
		Caller:    callerFromRequest(r),
	})
	if err != nil {
		handleExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		SubjectID: res.SubjectID,
		Mode:      res.Mode,
		Intent:    res.Intent,
		Context:   res.Context,
		UserID:    res.Grant.UserID,
		Session:   res.Grant.Session,
		User:      res.Grant.User,
	})
}

func (a *API) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRequest(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) createRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.IssueRequest(r.Context(), bridge.IssueRequestInput{
		SubjectID: strings.TrimSpace(req.SubjectID),
		Intent:    strings.TrimSpace(req.Intent),
		Context:   req.Context,
		Caller:    callerFromRequest(r),
	})
	if err != nil {
		handleExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createRequestResponse{
		RequestID:  res.RequestID,
		ExpiresAt:  res.ExpiresAt,
		TTLSeconds: int64(res.TTL.Seconds()),
	})
}

func (a *API) handleRequestConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req consumeRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.ConsumeRequest(r.Context(), bridge.ConsumeRequestInput{
		RequestID: strings.TrimSpace(req.RequestID),
		Device:    req.Device,
		Caller:    callerFromRequest(r),
	})
	if err != nil {
		handleExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consumeRequestResponse{
		SubjectID: res.SubjectID,
		Intent:    res.Intent,
		Context:   res.Context,
		UserID:    res.Grant.UserID,
		Session:   res.Grant.Session,
		User:      res.Grant.User,
	})
}

func (a *API) handleDebugStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Stats())
}

func (a *API) handleDebugAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var items []audit.Entry
	if subject := strings.TrimSpace(r.URL.Query().Get("subject")); subject != "" {
		items = a.auditLog.ForSubject(subject, limit)
	} else {
		items = a.auditLog.Recent(limit)
	}
	writeJSON(w, http.StatusOK, auditListResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func callerFromRequest(r *http.Request) bridge.Caller {
	return bridge.Caller{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFromContext(r.Context()),
	}
}

func auditClient(r *http.Request) audit.ClientContext {
	return audit.ClientContext{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFromContext(r.Context()),
	}
}

func handleExchangeError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *bridge.RateLimitedError
	var ie *bridge.IdentityError
	switch {
	case errors.Is(err, bridge.ErrMissingParameters):
		writeError(w, r, http.StatusBadRequest, bridge.ErrorKind(err))
	case errors.Is(err, credential.ErrNotFound):
		writeError(w, r, http.StatusNotFound, bridge.ErrorKind(err))
	case errors.Is(err, credential.ErrAlreadyUsed):
		writeError(w, r, http.StatusConflict, bridge.ErrorKind(err))
	case errors.Is(err, credential.ErrExpired):
		writeError(w, r, http.StatusGone, bridge.ErrorKind(err))
	case errors.Is(err, credential.ErrNotVerified):
		writeError(w, r, http.StatusPreconditionFailed, bridge.ErrorKind(err))
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.RetryAfter)))
		writeError(w, r, http.StatusTooManyRequests, bridge.ErrorKind(err))
	case errors.As(err, &ie):
		// The credential is consumed; hand the subject back so the client can
		// retry the session mint without re-running the handshake.
		payload := map[string]any{
			"error":      bridge.ErrorKind(err),
			"subject_id": ie.SubjectID,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusBadGateway, payload)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
