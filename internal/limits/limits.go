// Package limits rate-limits connection accepts with token buckets: one
// global bucket bounding the aggregate accept rate, plus one bucket per
// source IP so a single client cannot drain the whole budget.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/CoinFabrik/mpc-manager/internal/metrics"
)

// Config shapes the limiter. IPRate and IPBurst fall back to the global
// values when zero; IPTTL bounds how long an idle per-IP bucket is
// remembered before eviction.
type Config struct {
	Rate  float64
	Burst int

	IPRate  float64
	IPBurst int

	IPTTL time.Duration
}

const (
	defaultIPTTL    = 10 * time.Minute
	cleanupInterval = time.Minute
)

// ConnectionLimiter is a two-level token bucket over connection
// accepts. Allow is safe for concurrent use.
type ConnectionLimiter struct {
	global *rate.Limiter

	mu    sync.Mutex
	perIP map[string]*ipBucket

	cfg  Config
	log  zerolog.Logger
	stop chan struct{}
	once sync.Once
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectionLimiter builds the limiter and starts its eviction
// goroutine. Call Stop when done with it.
func NewConnectionLimiter(cfg Config, logger zerolog.Logger) *ConnectionLimiter {
	if cfg.IPRate <= 0 {
		cfg.IPRate = cfg.Rate
	}
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = cfg.Burst
	}
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = defaultIPTTL
	}

	l := &ConnectionLimiter{
		global: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		perIP:  make(map[string]*ipBucket),
		cfg:    cfg,
		log:    logger.With().Str("component", "limits").Logger(),
		stop:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow consumes one token from the source IP's bucket, then one from
// the global bucket. The per-IP check runs first so a throttled IP does
// not burn global tokens.
func (l *ConnectionLimiter) Allow(ip string) bool {
	if !l.bucketFor(ip).Allow() {
		metrics.RecordRateLimited(metrics.ScopeIP)
		l.log.Warn().Str("ip", ip).Msg("connection rate limited")
		return false
	}
	if !l.global.Allow() {
		metrics.RecordRateLimited(metrics.ScopeGlobal)
		l.log.Warn().Str("ip", ip).Msg("global connection rate limited")
		return false
	}
	return true
}

// Stop halts the eviction goroutine. Idempotent.
func (l *ConnectionLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *ConnectionLimiter) bucketFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.perIP[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst)}
		l.perIP[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (l *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

// evictIdle forgets buckets idle longer than the TTL.
func (l *ConnectionLimiter) evictIdle() {
	cutoff := time.Now().Add(-l.cfg.IPTTL)
	l.mu.Lock()
	for ip, b := range l.perIP {
		if b.lastSeen.Before(cutoff) {
			delete(l.perIP, ip)
		}
	}
	l.mu.Unlock()
}
