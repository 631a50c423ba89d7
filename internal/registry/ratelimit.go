package registry

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimiter applies a global token bucket plus one bucket per client IP.
type RateLimiter struct {
	global *rate.Limiter
	perIP  map[string]*rate.Limiter
	rps    rate.Limit
	burst  int
	mu     sync.Mutex
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst, per client and globally (global bucket is 10x the per-client
// rate). rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	return &RateLimiter{
		global: rate.NewLimiter(rate.Limit(rps*10), burst*10),
		perIP:  make(map[string]*rate.Limiter),
		rps:    rate.Limit(rps),
		burst:  burst,
	}
}

func (l *RateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.perIP[ip] = lim
	}
	return lim
}

// Middleware returns the echo middleware enforcing the limits. A nil
// receiver passes everything through.
func (l *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if l == nil {
				return next(c)
			}
			if !l.global.Allow() || !l.limiterFor(c.RealIP()).Allow() {
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{
					Errors: []ErrorItem{{Code: CodeTooManyRequests, Message: "rate limit exceeded"}},
				})
			}
			return next(c)
		}
	}
}
