package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"clipvault/cfg"
	"clipvault/metrics"
	"clipvault/pkg/domain"
	"clipvault/svc/util"
)

type Mw struct {
	lim *rate.Limiter
	cfg *cfg.Cfg
}

// NewMw builds the middleware set. The rate limiter is a single local
// bucket; the control API only ever talks to the host shell on loopback,
// so per-client accounting would be accounting with one client.
func NewMw(c *cfg.Cfg) *Mw {
	return &Mw{
		lim: rate.NewLimiter(rate.Limit(float64(c.RateLimitRPM)/60.0), c.RateLimitBurst),
		cfg: c,
	}
}

func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := util.NewRequestID()
		ctx := util.SetRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				requestID := util.GetRequestID(r.Context())
				util.Error().
					Interface("panic", rvr).
					Str("request_id", requestID).
					Msg("panic recovered")
				if w.Header().Get("Content-Type") == "" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error":      "internal server error",
						"request_id": requestID,
					})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) JSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Metrics records per-request latency keyed by the chi route pattern rather
// than the raw URL, so record ids don't explode the label space.
func (m *Mw) Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		metrics.RequestDuration.
			WithLabelValues(r.Method, endpoint, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (m *Mw) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.lim.Allow() {
			requestID := util.GetRequestID(r.Context())
			util.Warn().
				Str("path", r.URL.Path).
				Str("request_id", requestID).
				Msg("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeErr(w, domain.ErrRateLimited, requestID)
			return
		}
		next.ServeHTTP(w, r)
	})
}
