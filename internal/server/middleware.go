package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/logging"
)

// CORS allows browser clients from any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestID tags the request context with X-Request-ID, minting one when
// the client sent none, and logs the request when it finishes.
func RequestID(next http.Handler) http.Handler {
	log := logging.New("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", logging.GetRequestID(ctx))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		log.FromContext(ctx).TimedEvent("request", start, map[string]any{
			"method": r.Method, "path": r.URL.Path, "status": rec.status,
		})
	})
}

// Recover turns handler panics into 500 responses.
func Recover(next http.Handler) http.Handler {
	rh := logging.NewRecoveryHandler("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := rh.WrapError(func() error {
			next.ServeHTTP(w, r)
			return nil
		})
		if err != nil {
			writeError(w, fmt.Errorf("internal error: %w", err))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// authed resolves the caller from the bearer token before calling h.
func (s *Server) authed(h func(http.ResponseWriter, *http.Request, domain.Caller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := bearer(r)
		caller, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.log.FromContext(r.Context()).Warn("auth_rejected", map[string]any{"path": r.URL.Path}, err)
			writeError(w, err)
			return
		}
		h(w, r, caller)
	}
}
