package proxy

import (
	"context"
	"net/url"
	"os"

	"golang.org/x/net/http/httpproxy"
)

// None never returns a proxy.
var None Resolver = ResolverFunc(func(context.Context, *url.URL) (*Settings, error) {
	return nil, nil
})

// Static always resolves to the given settings, honoring their bypass rules.
// A nil settings value behaves like None.
func Static(s *Settings) Resolver {
	return ResolverFunc(func(_ context.Context, target *url.URL) (*Settings, error) {
		if s == nil || s.Bypassed(target.Host) {
			return nil, nil
		}
		return s, nil
	})
}

// env resolves proxies from HTTP_PROXY, HTTPS_PROXY and NO_PROXY (and their
// lowercase forms) using the x/net implementation of the usual conventions.
type env struct {
	proxyFunc func(*url.URL) (*url.URL, error)
}

// FromEnvironment snapshots the proxy environment variables once. Changes
// to the environment after the call are not observed.
func FromEnvironment() Resolver {
	return FromConfig(httpproxy.FromEnvironment())
}

// FromConfig resolves with an explicit httpproxy configuration.
func FromConfig(cfg *httpproxy.Config) Resolver {
	return &env{proxyFunc: cfg.ProxyFunc()}
}

func (e *env) ProxySettings(_ context.Context, target *url.URL) (*Settings, error) {
	u, err := e.proxyFunc(target)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}

	return FromURL(u)
}

// EnvConfig returns the httpproxy configuration with an optional override
// for the NO_PROXY list, used by config loading.
func EnvConfig(noProxy string) *httpproxy.Config {
	cfg := httpproxy.FromEnvironment()
	if noProxy != "" {
		cfg.NoProxy = noProxy
	}
	if cfg.HTTPProxy == "" {
		cfg.HTTPProxy = os.Getenv("ALL_PROXY")
	}
	if cfg.HTTPSProxy == "" {
		cfg.HTTPSProxy = os.Getenv("ALL_PROXY")
	}

	return cfg
}
