package httpapi

import (
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const limiterCacheSize = 4096

// ipLimiter throttles grant attempts per client IP. Limiters live in a
// bounded LRU so an address scan cannot grow memory without bound.
type ipLimiter struct {
	cache *lru.Cache[string, *rate.Limiter]
	limit rate.Limit
	burst int
}

func newIPLimiter(perMinute int) *ipLimiter {
	cache, _ := lru.New[string, *rate.Limiter](limiterCacheSize)
	return &ipLimiter{
		cache: cache,
		limit: rate.Limit(float64(perMinute) / 60.0),
		burst: perMinute,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	lim, ok := l.cache.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.cache.Add(ip, lim)
	}
	return lim.Allow()
}

// clientIP keys the rate limiter. X-Forwarded-For is spoofable by any
// direct caller, so it is honored only when the deployment declares a
// trusted reverse proxy in front of the service.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if idx := strings.IndexByte(fwd, ','); idx >= 0 {
				fwd = fwd[:idx]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
