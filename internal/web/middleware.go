package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reconciler/internal/auth"
	"reconciler/internal/logger"
	"reconciler/reconcile"
)

const RequestIDHeader = "X-Request-ID"

type contextKey string

const principalKey contextKey = "principal"

// Logger logs every request once it has been served
func Logger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			reqLog := logger.FromContextOr(r.Context(), log)
			reqLog.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

// Recovery turns a panic into a 500
func Recovery(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error().
						Interface("error", err).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Msg("panic recovered")

					WriteError(w, http.StatusInternalServerError, "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID tags the request with an id and a logger carrying it
func RequestID(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 {
				id = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := logger.WithContext(r.Context(), log.With().Str("request_id", id).Logger())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticate requires a valid bearer token and stores its principal
func Authenticate(tokens *auth.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				WriteError(w, http.StatusUnauthorized, "authorization token not provided")
				return
			}

			claims, err := tokens.Parse(parts[1])
			if err != nil {
				log := logger.FromContext(r.Context())
				log.Debug().Err(err).Msg("rejected bearer token")
				WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			p := reconcile.Principal{ID: claims.Subject, Role: claims.Role}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func principal(ctx context.Context) reconcile.Principal {
	p, _ := ctx.Value(principalKey).(reconcile.Principal)
	return p
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// acknowledgeOnPanic is deferred by webhook handlers: providers get 200 OK even when
// handling their callback blows up
func acknowledgeOnPanic(w http.ResponseWriter, log zerolog.Logger) {
	if err := recover(); err != nil {
		log.Error().
			Interface("error", err).
			Msg("panic recovered while handling webhook")
		acknowledge(w)
	}
}

// acknowledge answers a provider callback. Providers only ever see this.
func acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
