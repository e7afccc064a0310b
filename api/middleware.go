package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/creditledger/idempotency"
)

const (
	CorrelationIDHeader  = "X-Correlation-ID"
	CallerIDHeader       = "X-Caller-ID"
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayHeader         = "Idempotent-Replay"
)

type correlationIDKey struct{}

// CorrelationID tags every request with X-Correlation-ID, generating one if absent.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if cid == "" {
			cid = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), correlationIDKey{}, cid)
		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationIDFromContext returns the request's correlation id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return s
	}
	return ""
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request.
func RequestLogger(l *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			l.Info("http_request",
				"cid", CorrelationIDFromContext(r.Context()),
				"caller", r.Header.Get(CallerIDHeader),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", dur.Milliseconds(),
			)
		})
	}
}

// Metrics records request counts and latency per route template.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		timer.ObserveDuration()

		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(sw.status)).Inc()
	})
}

// BodySizeLimit caps request bodies at n bytes.
func BodySizeLimit(n int64) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recorder keeps a copy of the response so it can be stored for replay.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recorder) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

// Idempotency makes POST requests carrying an Idempotency-Key safe to retry.
// The first response for a key is stored and replayed verbatim; reusing a key
// with a different body is rejected. Requests without the header pass through.
func Idempotency(store idempotency.Store, l *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if store == nil || key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid_body", "could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			// Keys are scoped to the route so one key cannot replay another endpoint.
			scoped := r.Method + " " + r.URL.Path + " " + key
			rec, err := store.Begin(r.Context(), scoped, idempotency.Hash(body))
			switch {
			case errors.Is(err, idempotency.ErrInProgress):
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "request with this key is in progress")
				return
			case errors.Is(err, idempotency.ErrMismatch):
				writeError(w, r, http.StatusUnprocessableEntity, "idempotency_mismatch", "key reused with mismatched payload")
				return
			case err != nil:
				l.Error("idempotency begin", "cid", CorrelationIDFromContext(r.Context()), "error", err)
				writeError(w, r, http.StatusServiceUnavailable, "unavailable", "idempotency store unavailable")
				return
			}

			if rec != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(rec.Status)
				_, _ = w.Write(rec.Body)
				return
			}

			rw := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			// Settle the key even if the client went away.
			ctx := context.WithoutCancel(r.Context())
			if rw.status >= http.StatusInternalServerError {
				if err := store.Abort(ctx, scoped); err != nil {
					l.Warn("idempotency abort", "error", err)
				}
				return
			}
			if err := store.Complete(ctx, scoped, rw.status, rw.body.Bytes()); err != nil {
				l.Warn("idempotency complete", "error", err)
			}
		})
	}
}
