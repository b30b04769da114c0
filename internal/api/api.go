// Package api exposes the orchestrator, history, file and media operations
// as a JSON HTTP API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"clarity/internal/files"
	"clarity/internal/history"
	"clarity/internal/metrics"
	"clarity/internal/orchestrator"
	"clarity/internal/queue"
)

const maxJSONBodySize = 4 << 20

type MediaQueue interface {
	Enqueue(ctx context.Context, job queue.MediaJob) (queue.MediaJob, error)
}

type MediaResults interface {
	Get(ctx context.Context, jobID string) (queue.MediaOutcome, error)
}

type SubmissionClaimer interface {
	Claim(ctx context.Context, key, jobID string) (existing string, first bool, err error)
	Release(ctx context.Context, key, jobID string) error
}

// Deps wires the handlers. Media, Results and Dedupe are optional; without a
// queue, media requests run inline.
type Deps struct {
	Orchestrator   *orchestrator.Orchestrator
	History        *history.Store
	Files          *files.Store
	Media          MediaQueue
	Results        MediaResults
	Dedupe         SubmissionClaimer
	Token          string
	MaxUploadBytes int64
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

func NewHandler(deps Deps) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Global()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 32 << 20
	}
	deps.Logger = deps.Logger.With().Str("component", "api").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))

	r.Route("/api", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Use(clientIdentity)

		r.Post("/ai/{operation}", handleAI(deps))
		r.Get("/history/{log}", handleHistory(deps))

		r.Get("/connectivity", handleGetConnectivity(deps))
		r.Put("/connectivity", handlePutConnectivity(deps))

		r.Get("/files", handleListFiles(deps))
		r.Post("/files", handleUploadFile(deps))
		r.Get("/files/{id}/content", handleFileContent(deps))
		r.Delete("/files/{id}", handleDeleteFile(deps))

		r.Post("/media", handleSubmitMedia(deps))
		r.Get("/media/{id}", handleGetMedia(deps))
	})

	return r
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIdentity tags the request context with the caller address for rate
// limiting.
func clientIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		next.ServeHTTP(w, r.WithContext(orchestrator.WithClientID(r.Context(), host)))
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
