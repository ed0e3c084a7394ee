package api

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"marketplace-escrow/internal/common/logger"
	"marketplace-escrow/internal/common/metrics"
	"marketplace-escrow/internal/idempotency"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const (
	ctxKeyActor contextKey = "actor"
)

// Actor is the authenticated caller, resolved upstream by the auth layer and
// passed through trusted headers.
type Actor struct {
	ID    string
	Admin bool
}

// ActorFrom pulls the actor from the request context.
func ActorFrom(ctx context.Context) Actor {
	actor, _ := ctx.Value(ctxKeyActor).(Actor)
	return actor
}

// withActor reads X-Actor-ID / X-Actor-Role into the context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := Actor{
			ID:    r.Header.Get("X-Actor-ID"),
			Admin: r.Header.Get("X-Actor-Role") == "admin",
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	})
}

// requestID assigns a request id when the caller did not send one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// measure records per-route request durations.
func measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// bufferingWriter captures the response so it can be cached for replays.
type bufferingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (b *bufferingWriter) WriteHeader(status int) {
	b.status = status
	b.ResponseWriter.WriteHeader(status)
}

func (b *bufferingWriter) Write(p []byte) (int, error) {
	b.buf.Write(p)
	return b.ResponseWriter.Write(p)
}

// idempotent replays a cached response when the Idempotency-Key was already
// seen for this route, and caches first-time successes.
func idempotent(store *idempotency.Store, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if store == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			route := r.Method + " " + r.URL.Path
			cached, err := store.Get(r.Context(), route, key)
			if err != nil {
				// Losing the cache degrades to at-least-once; do not fail
				// the request over it.
				log.Warn("idempotency lookup failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			if cached != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			bw := &bufferingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(bw, r)

			if bw.status < 500 {
				if err := store.Save(r.Context(), route, key, bw.status, bw.buf.Bytes()); err != nil {
					log.Warn("idempotency save failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
		})
	}
}

// requireAdmin rejects non-admin actors before the handler runs.
func requireAdmin(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFrom(r.Context())
			if !actor.Admin {
				writeError(w, log, unauthorizedAdmin(actor.ID))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
