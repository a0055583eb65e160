package api

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/example/escrow-resolution/internal/security"
	"github.com/example/escrow-resolution/pkg/audit"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func RequestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			l.Info("http_request",
				"cid", security.CorrelationIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", dur.Milliseconds(),
			)
		})
	}
}

// AuditContext attaches the request metadata that audit entries written
// while serving r are stamped with. It must run after security.CorrelationID.
func AuditContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx := audit.WithRequest(r.Context(), audit.RequestMeta{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			RemoteIP:      host,
			UserAgent:     r.UserAgent(),
			Method:        r.Method,
			Path:          r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
