package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// idempotencyHeader opts a mutation into replay protection.
const idempotencyHeader = "Idempotency-Key"

// cachedResponse is a previously-seen response replayed for the same key.
type cachedResponse struct {
	status   int
	body     []byte
	cachedAt time.Time
}

// IdempotencyStore caches responses keyed by (tenant, idempotency key).
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	nowFn   func() time.Time
}

func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		entries: map[string]*cachedResponse{},
		ttl:     ttl,
		nowFn:   time.Now,
	}
}

func (s *IdempotencyStore) check(key string) (*cachedResponse, bool) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.entries {
		if now.Sub(v.cachedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
	c, ok := s.entries[key]
	return c, ok
}

func (s *IdempotencyStore) set(key string, status int, body []byte) {
	s.mu.Lock()
	s.entries[key] = &cachedResponse{status: status, body: body, cachedAt: s.nowFn()}
	s.mu.Unlock()
}

// recordingWriter buffers the response so a success can be cached.
type recordingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	rw.buf.Write(p)
	return rw.ResponseWriter.Write(p)
}

// withIdempotency replays the recorded first response for a repeated key.
// Only 2xx responses are recorded; failures may be retried with the same key.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		scoped := tenantScope(r) + ":" + key
		if cached, ok := s.idempotency.check(scoped); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(cached.status)
			_, _ = w.Write(cached.body)
			return
		}
		rw := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		if rw.status >= 200 && rw.status < 300 {
			s.idempotency.set(scoped, rw.status, rw.buf.Bytes())
		}
	}
}

func tenantScope(r *http.Request) string {
	if p, err := principal(r); err == nil {
		return p.TenantID
	}
	return "anon"
}
