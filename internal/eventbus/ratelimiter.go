package eventbus

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet is a token bucket per topic plus one global bucket, built on
// golang.org/x/time/rate so Allow() gives exactly the "permit now or
// deny" semantics the consumer loop needs: acquire from both buckets,
// and on denial sleep 100ms and retry rather than dropping the event.
type limiterSet struct {
	mu     sync.Mutex
	global *rate.Limiter
	topics map[string]*rate.Limiter
	cfg    Config
}

func newLimiterSet(cfg Config) *limiterSet {
	return &limiterSet{
		global: rate.NewLimiter(rate.Limit(cfg.MaxGlobalRate), cfg.MaxGlobalRate),
		topics: make(map[string]*rate.Limiter),
		cfg:    cfg,
	}
}

func (l *limiterSet) topicLimiter(topic string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.topics[topic]; ok {
		return lim
	}
	rps := 100
	if sc, ok := l.cfg.StreamConfigFor(topic); ok && sc.RateLimit > 0 {
		rps = sc.RateLimit
	}
	lim := rate.NewLimiter(rate.Limit(rps), rps)
	l.topics[topic] = lim
	return lim
}

// Allow reports whether both the global and the topic bucket currently
// have a token available. Both buckets are consulted even when the
// first denies, so neither accumulates an unconsumed token across a
// denied attempt.
func (l *limiterSet) Allow(topic string) bool {
	globalOK := l.global.Allow()
	topicOK := l.topicLimiter(topic).Allow()
	return globalOK && topicOK
}
