package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/IngaCherny/AgentsLeak/internal/logging"
)

// requestLogger tags each request with an id (honoring a caller-provided
// X-Request-ID), echoes it on the response, and logs one line per request
// at debug with method, path, status, and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", requestID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		if !logging.IsLevelEnabled(zerolog.DebugLevel) {
			return
		}
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// corsMiddleware allows the configured dashboard origins. Browsers do not
// apply CORS to WebSocket upgrades, so this only affects the REST surface.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowed[origin] || allowed["*"]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-AgentsLeak-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// collectorAuth guards the ingest endpoints with the shared collector key
// (X-AgentsLeak-Key header). An empty configured key disables the check.
// The collector health endpoint stays open for probes.
func collectorAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" || strings.HasSuffix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}
			if !tokenEqual(r.Header.Get("X-AgentsLeak-Key"), key) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid or missing API key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// dashboardAuth guards the query API with the dashboard bearer token. An
// empty configured token disables the check.
func dashboardAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !tokenEqual(bearerToken(r), token) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid or missing dashboard token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// websocketAuth is dashboardAuth for the upgrade endpoint; browsers cannot
// set headers on WebSocket connects, so ?token= is accepted too.
func websocketAuth(token string) func(http.Handler) http.Handler {
	return dashboardAuth(token)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return t
		}
	}
	return r.URL.Query().Get("token")
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
