package logx

import (
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedWriter drops whole lines once the configured rate is exceeded.
// Dropping (instead of blocking) keeps a noisy sink from ever stalling the
// caller; each zerolog line arrives as a single Write.
type rateLimitedWriter struct {
	w   io.Writer
	lim *rate.Limiter
}

// RateLimit wraps w so that at most perSec writes per second get through.
func RateLimit(w io.Writer, perSec int) io.Writer {
	if perSec <= 0 {
		return w
	}
	return &rateLimitedWriter{w: w, lim: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

func (r *rateLimitedWriter) Write(p []byte) (int, error) {
	if !r.lim.Allow() {
		// Pretend success so upstream multi-writers keep going.
		return len(p), nil
	}
	return r.w.Write(p)
}
