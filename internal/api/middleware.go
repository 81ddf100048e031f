package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SakePipe/internal/auth"
	"github.com/BTreeMap/SakePipe/internal/models"
)

type roleKey struct{}

// roleFrom returns the session role stored by requireSession.
func roleFrom(ctx context.Context) auth.Role {
	role, _ := ctx.Value(roleKey{}).(auth.Role)
	return role
}

func isAdmin(ctx context.Context) bool {
	return roleFrom(ctx) == auth.RoleAdmin
}

// requireSession rejects requests without a valid session cookie.
func (s *Server) requireSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, err := s.issuer.RoleFromRequest(r)
		if err != nil {
			slog.Debug("Server.requireSession: unauthenticated request", "path", r.URL.Path, "error", err)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Authentication required"))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, role)))
	})
}

// requireAdmin rejects requests whose session is not an admin session.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return s.requireSession(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r.Context()) {
			slog.Warn("Server.requireAdmin: admin route denied", "path", r.URL.Path, "role", roleFrom(r.Context()))
			writeJSONResponse(w, http.StatusForbidden, models.Error("Admin access required"))
			return
		}
		next(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("Server.logRequests: request served",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
