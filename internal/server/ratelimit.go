package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/54b3r/sonitag/internal/logging"
)

// defaultRateLimit is the number of tokens per second refilled per client IP
// when no explicit limit is configured.
const defaultRateLimit = 10

// defaultRateBurst is the bucket size per client IP when no explicit burst is
// configured.
const defaultRateBurst = 20

// analyzeCost is the number of tokens an upload spends. One upload runs stem
// separation and a handful of model calls, so it is priced well above a
// search.
const analyzeCost = 5

// maxTrackedClients bounds the number of per-IP buckets kept in memory. The
// least recently seen client is forgotten first and starts over with a full
// bucket.
const maxTrackedClients = 10_000

// rateLimiter enforces a per-IP token bucket on the protected routes.
type rateLimiter struct {
	// mu serialises get-or-create on buckets.
	mu sync.Mutex
	// buckets maps client IP to its token bucket.
	buckets *lru.Cache[string, *rate.Limiter]
	// rps is the sustained refill rate per IP.
	rps rate.Limit
	// burst is the bucket size per IP.
	burst int
	// rejected counts 429 responses.
	rejected func()
}

// newRateLimiter constructs a rateLimiter. rejected may be nil.
func newRateLimiter(rps float64, burst int, rejected func()) *rateLimiter {
	// lru.New only fails for a non-positive size.
	buckets, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	if rejected == nil {
		rejected = func() {}
	}
	return &rateLimiter{
		buckets:  buckets,
		rps:      rate.Limit(rps),
		burst:    burst,
		rejected: rejected,
	}
}

// bucket returns the token bucket of ip, creating a full one on first sight.
func (rl *rateLimiter) bucket(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets.Get(ip); ok {
		return b
	}
	b := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets.Add(ip, b)
	return b
}

// cost is the number of tokens r spends. It never exceeds the burst, so an
// idle client can always make any single request.
func (rl *rateLimiter) cost(r *http.Request) int {
	n := 1
	if r.Method == http.MethodPost && r.URL.Path == "/api/analyze" {
		n = analyzeCost
	}
	return min(n, max(rl.burst, 1))
}

// middleware rejects requests whose client has run out of tokens with 429
// and a Retry-After header.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		n := rl.cost(r)
		if !rl.bucket(ip).AllowN(time.Now(), n) {
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
				slog.Int("cost", n),
			)
			rl.rejected()
			w.Header().Set("Retry-After", rl.retryAfter(n))
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter is the whole seconds until n tokens refill, between 1 and 60.
func (rl *rateLimiter) retryAfter(n int) string {
	if rl.rps <= 0 {
		return "60"
	}
	secs := int(math.Ceil(float64(n) / float64(rl.rps)))
	return strconv.Itoa(min(max(secs, 1), 60))
}

// clientIP is the host part of RemoteAddr. X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
