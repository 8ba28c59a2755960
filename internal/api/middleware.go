package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"escrow-service/internal/logcontext"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	userIDHeader     = "X-User-ID"
	adminTokenHeader = "X-Admin-Token"
)

type ctxKey string

const actorKey ctxKey = "actor"

// requestContext tags every log line of the request with its request id.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logcontext.AppendCtx(r.Context(), slog.String("requestId", middleware.GetReqID(r.Context())))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(startTime)
			metrics.GetOrCreateCounter(fmt.Sprintf(`http_requests_total{route=%q,status="%d"}`, route, ww.Status())).Inc()
			metrics.GetOrCreateHistogram(fmt.Sprintf(`http_request_duration_milliseconds{route=%q}`, route)).Update(float64(elapsed.Milliseconds()))

			logger.InfoContext(r.Context(), "Request handled",
				"method", r.Method, "route", route, "status", ww.Status(), "bytes", ww.BytesWritten(), "durationMs", elapsed.Milliseconds())
		})
	}
}

// requireActor reads the authenticated user id the upstream API layer puts in
// the X-User-ID header.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := uuid.Parse(r.Header.Get(userIDHeader))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid " + userIDHeader + " header"})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, actor)
		ctx = logcontext.AppendCtx(ctx, slog.String("actorId", actor.String()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) uuid.UUID {
	actor, _ := ctx.Value(actorKey).(uuid.UUID)
	return actor
}

// requireAdmin rejects every request when no admin token is configured.
func requireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given := r.Header.Get(adminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin token required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
