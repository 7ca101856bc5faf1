package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nolas/bridge/internal/audit"
)

// NewMux assembles the bridge's HTTP surface (§6), wrapping every route in
// access logging adapted from the teacher's auditMiddleware.
func NewMux(controller *Controller, tokens *TokenExchange, auditLog *audit.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/auth", auditMiddleware(auditLog, "auth", http.HandlerFunc(controller.ServeAuth)))
	mux.Handle("/process", auditMiddleware(auditLog, "process", http.HandlerFunc(controller.ServeProcess)))
	mux.Handle("/token", auditMiddleware(auditLog, "token", http.HandlerFunc(tokens.ServeToken)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}

// auditMiddleware wraps handler with request/response access logging,
// adapted from the teacher's cmd/wardgate/main.go.
func auditMiddleware(log *audit.Logger, endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		sourceIP := r.RemoteAddr
		if idx := strings.LastIndex(sourceIP, ":"); idx >= 0 {
			sourceIP = sourceIP[:idx]
		}

		log.Log(audit.Entry{
			RequestID:      requestID,
			Endpoint:       endpoint,
			Method:         r.Method,
			Path:           r.URL.Path,
			SourceIP:       sourceIP,
			Decision:       decisionFromStatus(rw.status),
			UpstreamStatus: rw.status,
			ResponseBytes:  int64(rw.bytes),
			DurationMs:     time.Since(start).Milliseconds(),
		})
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func decisionFromStatus(status int) string {
	if status >= 400 {
		return "deny"
	}
	return "allow"
}
