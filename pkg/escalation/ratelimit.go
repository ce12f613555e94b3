package escalation

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/devloop/devloop/pkg/engine"
)

// reasonLimiter keeps one limiter per reason type and holds the alerts it
// refused until they can go out as a digest. Each limiter holds a single
// token refilled every minute/perMinute, so no sliding minute ever sees more
// than perMinute notifications of one reason type.
type reasonLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	limiters   map[string]*rate.Limiter
	suppressed map[string][]engine.Alert
}

func newReasonLimiter(perMinute int) *reasonLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRatePerMinute
	}
	return &reasonLimiter{
		limit:      rate.Every(time.Minute / time.Duration(perMinute)),
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string][]engine.Alert),
	}
}

// getLimiter returns the limiter for a reason type, creating it if necessary.
func (l *reasonLimiter) getLimiter(reason string) *rate.Limiter {
	lim, ok := l.limiters[reason]
	if !ok {
		lim = rate.NewLimiter(l.limit, 1)
		l.limiters[reason] = lim
	}
	return lim
}

func (l *reasonLimiter) allow(reason string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getLimiter(reason).AllowN(now, 1)
}

func (l *reasonLimiter) suppress(alert engine.Alert) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.suppressed[alert.ReasonType] = append(l.suppressed[alert.ReasonType], alert)
	return len(l.suppressed[alert.ReasonType])
}

// take removes and returns the suppressed alerts of a reason type. Unless
// force is set, a token must be available.
func (l *reasonLimiter) take(reason string, now time.Time, force bool) []engine.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := l.suppressed[reason]
	if len(pending) == 0 {
		return nil
	}
	if !force && !l.getLimiter(reason).AllowN(now, 1) {
		return nil
	}
	delete(l.suppressed, reason)
	return pending
}

// requeue puts alerts back in front of anything suppressed since take.
func (l *reasonLimiter) requeue(reason string, alerts []engine.Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.suppressed[reason] = append(alerts, l.suppressed[reason]...)
}

func (l *reasonLimiter) pendingReasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.suppressed))
	for reason, alerts := range l.suppressed {
		if len(alerts) > 0 {
			out = append(out, reason)
		}
	}
	sort.Strings(out)
	return out
}

func (l *reasonLimiter) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, alerts := range l.suppressed {
		n += len(alerts)
	}
	return n
}
