package limits

import (
	"time"

	"golang.org/x/time/rate"
)

// MessageLimiter bounds the rate of inbound client envelopes on a single
// connection using a token bucket. Each connection gets its own limiter;
// there is no shared state between connections.
type MessageLimiter struct {
	lim *rate.Limiter
}

// NewMessageLimiter allows a sustained perSec rate with the given burst.
func NewMessageLimiter(perSec float64, burst int) *MessageLimiter {
	return &MessageLimiter{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether a message received at now may be processed.
// When the budget is exhausted it returns the duration the client should
// wait before retrying. The token is not consumed on rejection.
func (ml *MessageLimiter) Allow(now time.Time) (bool, time.Duration) {
	r := ml.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}
