// Package dispatch exposes the dispatcher builder.
package dispatch

import (
	"github.com/adamwoolhether/dispatch/config"
	"github.com/adamwoolhether/dispatch/dispatcher"
)

// New instantiates a new *dispatcher.Dispatcher with the provided options.
// If not specified, the default transport, proxy resolver and platform
// descriptor are used.
func New(opts ...dispatcher.Option) (*dispatcher.Dispatcher, error) {
	return dispatcher.Build(opts...)
}

// FromEnv builds a Dispatcher from DISPATCH_* environment variables and
// optional .env files. Extra options are applied after the configured ones.
func FromEnv(extra ...dispatcher.Option) (*dispatcher.Dispatcher, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	opts, err := cfg.Options(nil)
	if err != nil {
		return nil, err
	}

	return dispatcher.Build(append(opts, extra...)...)
}
