package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type contextKey int

const (
	ctxKeyAuthKey contextKey = iota
	ctxKeyRequestID
	ctxKeyClientID
	ctxKeyLogger
)

// AuthKey holds the authenticated API key information.
type AuthKey struct {
	KeyID       string
	WorkspaceID string
	Name        string
}

// getAuthFromContext returns the authenticated key from the request context, or nil.
func getAuthFromContext(ctx context.Context) *AuthKey {
	k, _ := ctx.Value(ctxKeyAuthKey).(*AuthKey)
	return k
}

// getClientID returns the pushing client's ID from the context.
func getClientID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyClientID).(string)
	return id
}

// getRequestID returns the request ID assigned by requestIDMiddleware.
func getRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// logFor returns the request-scoped logger, or the process default when
// the request carries none.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// loggerMiddleware attaches a logger tagged with the request ID.
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := slog.Default().With("rid", getRequestID(r.Context()))
		ctx := context.WithValue(r.Context(), ctxKeyLogger, l)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// metricsMiddleware counts requests and buckets responses by status class.
func metricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.RecordRequest()
			sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sc, r)
			switch {
			case sc.code >= 500:
				m.RecordError()
			case sc.code >= 400:
				m.RecordClientError()
			}
		})
	}
}

// recoveryMiddleware converts handler panics into a 500 response.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logFor(r.Context()).Error("panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// generateRequestID mints a random hex ID for request tracing.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// requestIDMiddleware assigns each request an ID, echoed in X-Request-ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := generateRequestID()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusCapture records the status code a handler writes.
type statusCapture struct {
	http.ResponseWriter
	code int
}

func (sc *statusCapture) WriteHeader(code int) {
	sc.code = code
	sc.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware emits one line per request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sc, r)
		logFor(r.Context()).Info("req",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sc.code,
			"dur", time.Since(start).String(),
		)
	})
}

// requireWorkspaceAuth verifies the Bearer token, checks it grants the
// workspace named in the path, and injects AuthKey plus the caller's
// client ID into the context.
func (s *Server) requireWorkspaceAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing authorization header")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid authorization format")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		ak, err := s.store.VerifyAPIKey(token)
		if err != nil {
			logFor(r.Context()).Error("verify api key", "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to verify key")
			return
		}
		if ak == nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired api key")
			return
		}

		workspaceID := r.PathValue("id")
		if workspaceID == "" {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "missing workspace id")
			return
		}
		if ak.WorkspaceID != workspaceID {
			writeError(w, http.StatusForbidden, ErrCodeForbidden, "key does not grant this workspace")
			return
		}

		ws, err := s.store.GetWorkspace(workspaceID)
		if err != nil {
			logFor(r.Context()).Error("get workspace", "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to load workspace")
			return
		}
		if ws == nil {
			writeError(w, http.StatusNotFound, ErrCodeWorkspaceDeleted, "workspace not found")
			return
		}

		auth := &AuthKey{KeyID: ak.ID, WorkspaceID: ak.WorkspaceID, Name: ak.Name}
		ctx := context.WithValue(r.Context(), ctxKeyAuthKey, auth)
		ctx = context.WithValue(ctx, ctxKeyClientID, r.Header.Get("X-Client-ID"))
		ctx = context.WithValue(ctx, ctxKeyLogger, logFor(ctx).With("wid", workspaceID))
		handler(w, r.WithContext(ctx))
	}
}

// maxBytesMiddleware caps the request body so a runaway push cannot
// exhaust the server.
func maxBytesMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// chain wraps h so the first middleware listed runs outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
