package dispatcher

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/dispatch/dispatcher/throttle"
	"github.com/adamwoolhether/dispatch/platform"
	"github.com/adamwoolhether/dispatch/proxy"
)

// Option is a functional option for configuring a [Dispatcher] via [Build].
type Option func(*options) error
type options struct {
	client    *http.Client
	rt        http.RoundTripper
	tlsConfig *tls.Config
	timeout   *time.Duration
	userAgent UserAgentBuilder
	resolver  proxy.Resolver
	platform  platform.Descriptor
	throttle  *throttle.Config
	logger    *slog.Logger
	tracer    trace.Tracer
	registry  prometheus.Registerer
}

// WithClient uses hc's transport and timeout. hc itself is never mutated.
func WithClient(hc *http.Client) Option {
	return func(o *options) error {
		if hc == nil {
			return errors.New("client must not be nil")
		}
		o.client = hc
		return nil
	}
}

// WithTransport sets a custom [http.RoundTripper] as the base transport.
// An [*http.Transport] with no Proxy func is cloned and given [ProxyURL];
// other transports should use [ProxyURL] themselves so that resolved
// proxies take effect.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) error {
		if rt == nil {
			return errors.New("transport must not be nil")
		}
		o.rt = rt
		return nil
	}
}

// WithTLSConfig sets the TLS configuration of the default transport.
// It is ignored when a custom transport is supplied.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.New("tls config must not be nil")
		}
		o.tlsConfig = cfg.Clone()
		return nil
	}
}

// WithTimeout sets the default timeout for a whole exchange. Requests with
// a non-zero Timeout override it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return errors.New("timeout must not be negative")
		}
		o.timeout = &d
		return nil
	}
}

// WithUserAgent sets the builder that renders the User-Agent header.
func WithUserAgent(b UserAgentBuilder) Option {
	return func(o *options) error {
		if b == nil {
			return errors.New("user agent builder must not be nil")
		}
		o.userAgent = b
		return nil
	}
}

// WithProxyResolver sets the resolver consulted for requests without an
// explicit proxy.
func WithProxyResolver(r proxy.Resolver) Option {
	return func(o *options) error {
		if r == nil {
			return errors.New("proxy resolver must not be nil")
		}
		o.resolver = r
		return nil
	}
}

// WithPlatform sets the runtime descriptor used to select quirk workarounds.
func WithPlatform(p platform.Descriptor) Option {
	return func(o *options) error {
		if p == nil {
			return errors.New("platform descriptor must not be nil")
		}
		o.platform = p
		return nil
	}
}

// WithThrottle wraps the transport in a per-host token-bucket limiter.
func WithThrottle(rps, burst int) Option {
	return func(o *options) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, throttle.ErrMustNotBeZero)
		}
		o.throttle = &throttle.Config{RPS: rps, Burst: burst}
		return nil
	}
}

// WithLogger injects a custom [slog.Logger] into the [Dispatcher].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithTracer records a client span per dispatch.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = tracer
		return nil
	}
}

// WithMetrics registers dispatch counters and histograms with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) error {
		if reg == nil {
			return errors.New("registerer must not be nil")
		}
		o.registry = reg
		return nil
	}
}
