package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/statuscard/statuscard/internal/admission"
	"github.com/statuscard/statuscard/internal/apperror"
)

// Admission gates requests through the admission controller for one tier.
// Burst, window and slowdown run before next is invoked; the slowdown
// delay is served on the request's own context so a canceled client
// frees its goroutine immediately.
type Admission struct {
	ctrl   *admission.Controller
	keys   atomic.Pointer[admission.KeyStrategy]
	logger *slog.Logger
}

// NewAdmission creates the admission middleware.
func NewAdmission(ctrl *admission.Controller, keys admission.KeyStrategy, logger *slog.Logger) *Admission {
	a := &Admission{ctrl: ctrl, logger: logger}
	a.SetKeyStrategy(keys)
	return a
}

// SetKeyStrategy swaps the key extractor on reload.
func (a *Admission) SetKeyStrategy(ks admission.KeyStrategy) { a.keys.Store(&ks) }

// Tier returns middleware guarding next with the given tier's limits.
func (a *Admission) Tier(tier admission.Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := (*a.keys.Load()).Extract(r)
			if err != nil {
				a.logger.Warn("admission key extraction failed", "error", err)
				apperror.Write(w, &apperror.Error{
					Kind:    apperror.KindInternal,
					Op:      "admission",
					Message: "could not extract client key",
					Err:     err,
				})
				return
			}

			_, span := tracer.Start(r.Context(), "statuscard.admission")
			out, err := a.ctrl.Admit(r.Context(), tier, key)
			span.End()
			setRateLimitHeaders(w, out.Window)
			if err != nil {
				apperror.Write(w, err)
				return
			}

			if out.Delay > 0 {
				w.Header().Set("X-Slowdown-Delay", strconv.FormatInt(out.Delay.Milliseconds(), 10))
				if err := admission.Wait(r.Context(), out.Delay); err != nil {
					// client went away while being slowed down
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setRateLimitHeaders writes the fixed-window headroom headers.
func setRateLimitHeaders(w http.ResponseWriter, d admission.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(d.ResetAfter.Seconds())), 10))
}
