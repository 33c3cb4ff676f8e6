package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/auth"
)

// requestIDHeader carries the correlation id in and out.
const requestIDHeader = "X-Request-ID"

// withRequestID assigns a request id when the client sent none and echoes it
// back on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = auth.NewRequestID()
		}
		w.Header().Set(requestIDHeader, id)
		r.Header.Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string { return r.Header.Get(requestIDHeader) }

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// withLogging emits one structured line per request. Token material and
// request bodies never appear here.
func withLogging(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID(r),
		}
		if p, err := auth.FromContext(r.Context()); err == nil {
			attrs = append(attrs, "tenant_id", p.TenantID, "user_id", p.UserID)
		}
		log.Info("request", attrs...)
	})
}

// withAuth verifies the bearer token and injects the principal. Requests
// without a valid token stop here with 401.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, found := strings.Cut(header, " ")
		if !found || scheme != "Bearer" {
			WriteErr(w, http.StatusUnauthorized, CodeUnauthorized,
				"missing or invalid token", requestID(r), nil)
			return
		}
		claims, err := s.signer.Verify(token)
		if err != nil {
			WriteErr(w, http.StatusUnauthorized, CodeUnauthorized,
				"missing or invalid token", requestID(r), nil)
			return
		}
		p := auth.PrincipalFromClaims(claims)
		if p.RequestID == "" {
			p.RequestID = requestID(r)
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// withRateLimit guards the public event endpoints per client IP.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.eventLimiter.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			WriteErr(w, http.StatusTooManyRequests, CodeRateLimited,
				"rate limit exceeded", requestID(r), nil)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// clientIP resolves the caller address, honoring the first X-Forwarded-For
// hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
