package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/types"
)

type contextKey string

const candidateKey contextKey = "candidate"

// candidateFrom returns the authenticated candidate placed by authMiddleware
func candidateFrom(r *http.Request) *types.Candidate {
	c, _ := r.Context().Value(candidateKey).(*types.Candidate)
	return c
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// authMiddleware verifies the bearer JWT and resolves it to a candidate
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authn.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			respondError(w, err)
			return
		}

		candidate, err := s.candidates.Resolve(identity)
		if err != nil {
			respondError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), candidateKey, candidate)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminMiddleware restricts a subtree to admin candidates
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		candidate := candidateFrom(r)
		if candidate == nil || !candidate.IsAdmin() {
			respondError(w, errdefs.Forbiddenf("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, r)

		logger := log.WithComponent("api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("Request handled")
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(timer.Duration().Seconds())
	})
}
