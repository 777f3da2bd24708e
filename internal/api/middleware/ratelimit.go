// ratelimit.go — ограничение частоты запросов на адрес клиента.
//
// Token bucket (golang.org/x/time/rate): burst = requests, пополнение
// requests за window. Limiter-ы хранятся в expirable LRU, поэтому
// таблица не растёт бесконечно: адрес, не приходивший дольше window,
// начинает с полного bucket.
package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	apierrors "github.com/bigkaa/tempshare/internal/api/errors"
)

// defaultLimiterTableSize — сколько адресов отслеживается одновременно.
const defaultLimiterTableSize = 100_000

var rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ts_rate_limited_total",
	Help: "Количество запросов, отклонённых ограничением частоты",
})

// RateLimiter — ограничитель частоты запросов по адресу клиента.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	window   time.Duration
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter создаёт ограничитель: не больше requests запросов за window.
// requests <= 0 отключает ограничение.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{burst: requests, window: window}
	if requests <= 0 || window <= 0 {
		rl.limit = rate.Inf
		return rl
	}
	rl.limit = rate.Every(window / time.Duration(requests))
	rl.limiters = expirable.NewLRU[string, *rate.Limiter](defaultLimiterTableSize, nil, window)
	return rl
}

// Allow сообщает, можно ли обслужить ещё один запрос клиента.
// При отказе возвращает время до появления следующего токена.
func (rl *RateLimiter) Allow(client string) (bool, time.Duration) {
	if rl.limit == rate.Inf {
		return true, 0
	}

	rl.mu.Lock()
	lim, ok := rl.limiters.Get(client)
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
	}
	// Повторное Add продлевает жизнь записи в LRU
	rl.limiters.Add(client, lim)
	rl.mu.Unlock()

	r := lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// Middleware возвращает HTTP middleware, отвечающий 429 при превышении лимита.
// Должен подключаться после ClientIP.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientIPFromContext(r.Context())
			if client == "" {
				client = ResolveClientIP(r, false)
			}
			if ok, retryAfter := rl.Allow(client); !ok {
				rateLimitedTotal.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				apierrors.RateLimited(w, fmt.Sprintf("Слишком много запросов, повторите через %s", retryAfter.Round(time.Second)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
