package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/i2y/docsgate/internal/domain"
)

// busyRetryAfter is the hint sent with capacity refusals.
const busyRetryAfter = time.Second

// busyError refuses a call for lack of capacity rather than for the caller's
// own request rate.
func busyError(msg string) *domain.Error {
	return &domain.Error{Kind: domain.KindRateLimited, Message: msg, RetryAfter: busyRetryAfter}
}

// refusalRecorder stands in for the response while the throttle decides.
// Whatever the throttle writes on refusal is discarded.
type refusalRecorder struct {
	http.ResponseWriter
	header   http.Header
	admitted bool
}

func (r *refusalRecorder) Header() http.Header         { return r.header }
func (r *refusalRecorder) WriteHeader(int)             {}
func (r *refusalRecorder) Write(b []byte) (int, error) { return len(b), nil }

// throttle bounds in-flight calls with middleware.ThrottleBacklog and answers
// refusals in the wire error shape.
func (h *Handlers) throttle(next http.Handler) http.Handler {
	limited := middleware.ThrottleBacklog(h.cfg.MaxInFlight, h.cfg.Backlog, h.cfg.BacklogTimeout)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := w.(*refusalRecorder)
			rec.admitted = true
			next.ServeHTTP(rec.ResponseWriter, r)
		}))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &refusalRecorder{ResponseWriter: w, header: make(http.Header)}
		limited.ServeHTTP(rec, r)
		if rec.admitted {
			return
		}
		if r.Context().Err() != nil {
			return
		}
		h.logger.Warn("Refusing call, server at capacity", slog.Int("max_in_flight", h.cfg.MaxInFlight))
		h.writeError(w, busyError("server capacity exceeded"), "")
	})
}
