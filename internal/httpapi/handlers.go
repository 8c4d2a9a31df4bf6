package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"keybridge.io/internal/audit"
	"keybridge.io/internal/bridge"
	"keybridge.io/internal/obs"
	"keybridge.io/internal/operator"
)

// ReadyProbe — простая проверка готовности (пинг БД аудита и Redis, если заданы).
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// API — HTTP слой.
type API struct {
	mux          *http.ServeMux
	svc          *bridge.Service
	auditLog     *audit.Log
	operatorAuth *operator.Authenticator
	readyProbe   ReadyProbe
	version      string

	maxBodyBytes int64
	rlPerSecond  int
	rlBurst      int
}

// Option configures the API.
type Option func(*API)

// WithMaxBodyBytes overrides the request body ceiling.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) { a.maxBodyBytes = n }
}

// WithRateLimit enables the per-IP token bucket in front of the mux.
func WithRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		a.rlPerSecond = perSecond
		a.rlBurst = burst
	}
}

func New(svc *bridge.Service, auditLog *audit.Log, operatorAuth *operator.Authenticator, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		auditLog:     auditLog,
		operatorAuth: operatorAuth,
		readyProbe:   rp,
		version:      version,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// credential exchange
	a.mux.HandleFunc("/v1/tokens", a.handleTokens)
	a.mux.HandleFunc("/v1/tokens/consume", a.handleTokenConsume)
	a.mux.HandleFunc("/v1/codes", a.handleCodes)
	a.mux.HandleFunc("/v1/codes/verify", a.handleCodeVerify)
	a.mux.HandleFunc("/v1/claim", a.handleClaim)
	a.mux.HandleFunc("/v1/requests", a.handleRequests)
	a.mux.HandleFunc("/v1/requests/consume", a.handleRequestConsume)

	// operator-only debug surface
	a.mux.HandleFunc("/v1/operator/token", a.handleOperatorToken)
	a.mux.HandleFunc("/v1/debug/stats", a.requireOperator(a.handleDebugStats))
	a.mux.HandleFunc("/v1/debug/audit", a.requireOperator(a.handleDebugAudit))
	a.mux.HandleFunc("/v1/debug/audit/stream", a.requireOperator(a.AuditStream))

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// (опционально) корень — 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBodyBytes)
	if a.rlPerSecond > 0 {
		h = RateLimit(h, a.rlBurst, a.rlPerSecond)
	}
	h = SecurityHeaders(h)
	h = CORS(h)
	h = Logging(h)
	h = RequestID(h)
	// оборачиваем весь mux метриками
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "keybridge-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "keybridge-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
