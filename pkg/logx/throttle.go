package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits repetitive log lines per key (e.g. a job name or an error class).
//
// Each key gets its own token bucket that refills once per `every` and holds `burst`
// tokens. Suppressed calls are counted and reported on the next allowed call so
// operators can still see the volume.
type Throttle struct {
	every time.Duration
	burst int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]uint64
}

func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		every:      every,
		burst:      burst,
		limiters:   map[string]*rate.Limiter{},
		suppressed: map[string]uint64{},
	}
}

// Allow reports whether a line for key may be written now, and how many lines for
// the same key were dropped since the last allowed one.
func (t *Throttle) Allow(key string) (ok bool, dropped uint64) {
	return t.AllowAt(key, time.Now())
}

func (t *Throttle) AllowAt(key string, now time.Time) (bool, uint64) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	lim := t.limiters[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.limiters[key] = lim
	}
	if !lim.AllowN(now, 1) {
		t.suppressed[key]++
		return false, 0
	}
	dropped := t.suppressed[key]
	delete(t.suppressed, key)
	return true, dropped
}

// Warn logs at warn level through the throttle.
func (t *Throttle) Warn(log Logger, key, msg string, fields ...Field) {
	ok, dropped := t.Allow(key)
	if !ok {
		return
	}
	if dropped > 0 {
		fields = append(fields, Uint64("suppressed", dropped))
	}
	log.Warn(msg, fields...)
}
