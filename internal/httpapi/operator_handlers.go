package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"keybridge.io/internal/audit"
	"keybridge.io/internal/operator"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type operatorTokenRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type operatorTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleOperatorToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.operatorAuth == nil || !a.operatorAuth.Enabled() {
		writeError(w, r, http.StatusNotFound, "operator access disabled")
		return
	}

	var req operatorTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	token, expiresAt, err := a.operatorAuth.Login(name, req.Password)
	if err != nil {
		a.auditLog.RecordCritical(audit.Entry{
			Action:    "operator.login",
			Outcome:   audit.OutcomeFailed,
			ErrorKind: "unauthorized",
			Client:    auditClient(r),
			Extra:     map[string]string{"operator": name},
		})
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	a.auditLog.RecordCritical(audit.Entry{
		Action: "operator.login",
		Client: auditClient(r),
		Extra:  map[string]string{"operator": name},
	})
	writeJSON(w, http.StatusOK, operatorTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// requireOperator gates the debug surface behind a verified operator token.
// With operator access unconfigured the routes report not found, so the
// surface does not advertise itself.
func (a *API) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.operatorAuth == nil || !a.operatorAuth.Enabled() {
			writeError(w, r, http.StatusNotFound, "operator access disabled")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.operatorAuth.Verify(token)
		if err != nil {
			a.auditLog.RecordCritical(audit.Entry{
				Action:    "operator.deny",
				Outcome:   audit.OutcomeFailed,
				ErrorKind: "invalid_token",
				Client:    auditClient(r),
				Extra:     map[string]string{"path": r.URL.Path},
			})
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r.WithContext(operator.ContextWithClaims(r.Context(), claims)))
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
