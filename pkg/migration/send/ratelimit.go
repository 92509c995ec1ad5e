package send

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedWriter throttles Write calls to a byte/sec budget using a
// token-bucket limiter, keeping an unthrottled zfs-send pipeline from
// saturating the admin network.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	burst   int
}

// newRateLimitedWriter wraps w with a token bucket sized for mbps
// megabits/sec, or returns w unchanged when mbps <= 0 (no limit
// configured).
func newRateLimitedWriter(w io.Writer, mbps float64) io.Writer {
	if mbps <= 0 {
		return w
	}
	bytesPerSec := mbps * 1_000_000 / 8
	burst := int(bytesPerSec)
	if burst < 4096 {
		burst = 4096
	}
	return &rateLimitedWriter{w: w, limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst), burst: burst}
}

// Write chunks p to the limiter's burst size so WaitN never rejects a
// request for exceeding the bucket's capacity.
func (r *rateLimitedWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > r.burst {
			n = r.burst
		}
		if err := r.limiter.WaitN(context.Background(), n); err != nil {
			return total, err
		}
		written, err := r.w.Write(p[:n])
		total += written
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}
