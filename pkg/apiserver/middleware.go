package apiserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nodeplane/xpd/pkg/metrics"
	"github.com/nodeplane/xpd/pkg/security"
	"github.com/nodeplane/xpd/pkg/xerrors"
)

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or "" if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// adminAuth rejects requests whose bearer token doesn't verify against the
// configured admin token hash.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, xerrors.KindUnauthorized, "missing bearer token")
			return
		}
		ok, err := security.VerifyAdminToken(token, s.adminTokenHash)
		if err != nil || !ok {
			writeError(w, http.StatusUnauthorized, xerrors.KindUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireLeader rejects non-write-eligible requests on a follower, carrying
// the current leader's API base URL so the caller can retry there (§7's
// forward_to_leader error kind).
func (s *Server) requireLeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.node.IsLeader() {
			writeForwardToLeader(w, s.leaderAPIBaseURL())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestMetrics records xpd_api_requests_total/xpd_api_request_duration_seconds
// for every request, keyed by method+route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		label := r.Method + " " + r.URL.Path
		metrics.APIRequestsTotal.WithLabelValues(label, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	})
}
