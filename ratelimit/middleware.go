package ratelimit

import (
	"net/http"

	"github.com/kindfi-org/kindfi-sub006/fault"
)

// ActorFunc extracts the acting identity from a request. An empty result
// skips the guard.
type ActorFunc func(*http.Request) string

// DenyFunc renders a rejection.
type DenyFunc func(http.ResponseWriter, *http.Request, error)

// Middleware guards action. A 2xx response clears the actor's attempts.
func (g *Guard) Middleware(action string, actor ActorFunc, deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			who := actor(r)
			if who == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := Key(action, who)
			res := g.Check(r.Context(), key)
			if !res.Allowed {
				deny(w, r, fault.RateLimited("ratelimit: "+action, res.ResetAt))
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= 200 && rec.status < 300 {
				g.Reset(r.Context(), key)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.wroteHeader = true
	}
	return s.ResponseWriter.Write(b)
}
