package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/anumate/control-plane/pkg/tenancy"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares outermost-first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WithCorrelation establishes the request's correlation id from
// X-Correlation-ID, generating one when absent, and echoes it back.
func WithCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-ID")
		if cid == "" {
			cid = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", cid)
		next.ServeHTTP(w, r.WithContext(tenancy.WithCorrelationID(r.Context(), cid)))
	})
}

// WithTenant requires X-Tenant-ID and binds the caller's principal. The
// actor defaults to "api" when X-Actor-ID is absent.
func WithTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid := r.Header.Get("X-Tenant-ID")
		if tid == "" {
			WriteProblem(w, r, http.StatusBadRequest, "TENANT_REQUIRED", "X-Tenant-ID header is required")
			return
		}
		actor := r.Header.Get("X-Actor-ID")
		if actor == "" {
			actor = "api"
		}
		ctx := tenancy.WithPrincipal(r.Context(), tenancy.Principal{ActorID: actor, TenantID: tid})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantRateLimiter enforces a per-tenant token bucket.
type TenantRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*tenantLimiter
	rps      rate.Limit
	burst    int
}

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewTenantRateLimiter(rps, burst int) *TenantRateLimiter {
	rl := &TenantRateLimiter{
		limiters: make(map[string]*tenantLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *TenantRateLimiter) get(tenant string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.limiters[tenant]
	if !ok {
		entry = &tenantLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[tenant] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanup drops buckets idle for over three minutes.
func (rl *TenantRateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for tenant, entry := range rl.limiters {
			if time.Since(entry.lastSeen) > 3*time.Minute {
				delete(rl.limiters, tenant)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects over-budget tenants with 429. Runs after WithTenant.
func (rl *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid, err := tenancy.TenantID(r.Context())
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "TENANT_REQUIRED", "X-Tenant-ID header is required")
			return
		}
		if !rl.get(tid).Allow() {
			writeTooManyRequests(w, r, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// WithLogging emits one structured access log line per request.
func WithLogging(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"correlation_id", tenancy.CorrelationID(r.Context()),
			)
		})
	}
}
