package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const outcomeResponse = "response"

// metrics holds the dispatcher's prometheus collectors. A nil *metrics
// records nothing.
type metrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	downloads *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched requests by method and outcome (response or error kind).",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Time from transmission to fully read body for dispatches that produced a response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "downloads_total",
			Help:      "File downloads by outcome (ok or error kind).",
		}, []string{"outcome"}),
	}

	var err error
	if m.requests, err = register(reg, m.requests); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.downloads, err = register(reg, m.downloads); err != nil {
		return nil, err
	}

	return m, nil
}

// register adds c to reg, reusing an identical collector that is already
// registered so several dispatchers can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("registering metrics: %w", err)
	}

	return c, nil
}

func (m *metrics) observeSend(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}

	outcome := outcomeResponse
	if err != nil {
		outcome = errorOutcome(err)
	} else {
		m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
	}

	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *metrics) observeDownload(err error) {
	if m == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = errorOutcome(err)
	}

	m.downloads.WithLabelValues(outcome).Inc()
}

func errorOutcome(err error) string {
	if e, ok := AsError(err); ok {
		return e.Kind.String()
	}
	return KindUnknown.String()
}
