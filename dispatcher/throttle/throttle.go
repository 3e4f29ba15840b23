package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrMustNotBeZero = errors.New("must be greater than zero")
	ErrWaitingFailed = errors.New("limiter waiting failed")
	ErrContextEnded  = errors.New("throttle context ended")
)

// Config defines the throttler's per-host
// Requests Per Second and Burst Rate.
type Config struct {
	RPS   int
	Burst int
}

// throttle is an http.RoundTripper keeping one time/rate token
// bucket per target host.
type throttle struct {
	rps   int
	burst int
	next  http.RoundTripper
	logFn func() *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRoundTripper returns an http.RoundTripper that throttles outbound requests
// per host using token bucket rate limiters. logFn lazily resolves the logger at
// request time, making option ordering irrelevant; a nil logger disables logging.
func NewRoundTripper(rps, burst int, logFn func() *slog.Logger, next http.RoundTripper) (http.RoundTripper, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, ErrMustNotBeZero)
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if logFn == nil {
		logFn = func() *slog.Logger { return nil }
	}

	t := &throttle{
		rps:      rps,
		burst:    burst,
		next:     next,
		logFn:    logFn,
		limiters: make(map[string]*rate.Limiter),
	}

	return t, nil
}

func (t *throttle) limiter(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.rps), t.burst)
		t.limiters[host] = l
	}

	return l
}

func (t *throttle) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w early: %w", ErrContextEnded, err)
	}

	host := strings.ToLower(r.URL.Host)
	lim := t.limiter(host)

	res := lim.Reserve()
	if !res.OK() {
		return nil, fmt.Errorf("%w: burst %d cannot satisfy request", ErrWaitingFailed, t.burst)
	}

	delay := res.Delay()
	if delay == 0 {
		return t.next.RoundTrip(r)
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
		res.Cancel()
		return nil, fmt.Errorf("%w: wait of %v would exceed deadline: %w", ErrWaitingFailed, delay, context.DeadlineExceeded)
	}

	if logger := t.logFn(); logger != nil {
		logger.Info("throttle tokens exhausted", "host", host, "wait", delay.String(), "rate", t.rps, "burst", t.burst)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		res.Cancel()
		return nil, fmt.Errorf("%w while waiting: %w", ErrContextEnded, ctx.Err())
	}

	return t.next.RoundTrip(r)
}

func (t *throttle) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if ci, ok := t.next.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}
