// Package config loads dispatcher settings from the environment and
// optional .env files, and turns them into dispatcher options.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/adamwoolhether/dispatch/dispatcher"
	"github.com/adamwoolhether/dispatch/platform"
	"github.com/adamwoolhether/dispatch/proxy"
	"github.com/adamwoolhether/dispatch/useragent"
)

// Prefix is prepended to every environment variable read by this package.
const Prefix = "DISPATCH_"

// Config holds everything needed to build a Dispatcher.
type Config struct {
	Timeout time.Duration `env:"DISPATCH_TIMEOUT" validate:"gte=0"`

	UserAgentProduct string `env:"DISPATCH_USER_AGENT_PRODUCT" validate:"required"`
	UserAgentVersion string `env:"DISPATCH_USER_AGENT_VERSION"`
	UserAgentComment string `env:"DISPATCH_USER_AGENT_COMMENT"`

	// AffectedBelow is the first Go version (semver, e.g. v1.22.0) that no
	// longer needs the runtime workarounds. Empty disables them.
	AffectedBelow string `env:"DISPATCH_AFFECTED_BELOW"`
	// ForceAffected enables the workarounds regardless of version.
	ForceAffected bool `env:"DISPATCH_FORCE_AFFECTED"`

	ThrottleRPS   int `env:"DISPATCH_THROTTLE_RPS" validate:"gte=0"`
	ThrottleBurst int `env:"DISPATCH_THROTTLE_BURST" validate:"gte=0"`

	// Proxy is a fixed proxy URL. When empty the standard HTTP_PROXY,
	// HTTPS_PROXY and NO_PROXY variables are used.
	Proxy   string `env:"DISPATCH_PROXY"`
	NoProxy string `env:"DISPATCH_NO_PROXY"`

	LogLevel string `env:"DISPATCH_LOG_LEVEL" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Timeout:          30 * time.Second,
		UserAgentProduct: "dispatch",
		LogLevel:         "info",
	}
}

// Load reads .env and .env.local from the working directory when present,
// then parses and validates the DISPATCH_* environment.
func Load() (Config, error) {
	if err := LoadEnvFiles(".env", ".env.local"); err != nil {
		return Config{}, err
	}

	return FromEnv(os.LookupEnv)
}

// LoadEnvFiles loads the given files in order, later files overriding
// earlier ones. Missing files are skipped. Variables already present in
// the process environment win over the first file.
func LoadEnvFiles(files ...string) error {
	for i, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}

		load := godotenv.Overload
		if i == 0 {
			load = godotenv.Load
		}
		if err := load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}

	return nil
}

// FromEnv builds a Config from lookup, starting from Default.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.setDuration("TIMEOUT", &cfg.Timeout)
	p.setString("USER_AGENT_PRODUCT", &cfg.UserAgentProduct)
	p.setString("USER_AGENT_VERSION", &cfg.UserAgentVersion)
	p.setString("USER_AGENT_COMMENT", &cfg.UserAgentComment)
	p.setString("AFFECTED_BELOW", &cfg.AffectedBelow)
	p.setBool("FORCE_AFFECTED", &cfg.ForceAffected)
	p.setInt("THROTTLE_RPS", &cfg.ThrottleRPS)
	p.setInt("THROTTLE_BURST", &cfg.ThrottleBurst)
	p.setString("PROXY", &cfg.Proxy)
	p.setString("NO_PROXY", &cfg.NoProxy)
	p.setString("LOG_LEVEL", &cfg.LogLevel)

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks field constraints and the rules spanning several fields.
func (c Config) Validate() error {
	if err := dispatcher.Validate(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if c.ThrottleRPS > 0 && c.ThrottleBurst <= 0 {
		return fmt.Errorf("validating config: %sTHROTTLE_BURST must be set with %sTHROTTLE_RPS", Prefix, Prefix)
	}
	if c.Proxy != "" {
		if _, err := c.proxySettings(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}
	}
	if c.AffectedBelow != "" {
		if _, err := platform.Detect(c.AffectedBelow); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}
	}

	return nil
}

// Level maps LogLevel to a slog level.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Platform returns the runtime descriptor described by the config.
func (c Config) Platform() (platform.Descriptor, error) {
	switch {
	case c.ForceAffected:
		return platform.Static(runtime.Version(), true), nil
	case c.AffectedBelow == "":
		return platform.Static(runtime.Version(), false), nil
	}

	rt, err := platform.Detect(c.AffectedBelow)
	if err != nil {
		return nil, err
	}

	return rt, nil
}

// Resolver returns the proxy resolver described by the config.
func (c Config) Resolver() (proxy.Resolver, error) {
	if c.Proxy == "" {
		return proxy.FromConfig(proxy.EnvConfig(c.NoProxy)), nil
	}

	s, err := c.proxySettings()
	if err != nil {
		return nil, err
	}

	return proxy.Static(s), nil
}

func (c Config) proxySettings() (*proxy.Settings, error) {
	s, err := proxy.Parse(c.Proxy)
	if err != nil {
		return nil, err
	}

	for _, h := range strings.Split(c.NoProxy, ",") {
		if h = strings.TrimSpace(h); h != "" {
			s.Bypass = append(s.Bypass, h)
		}
	}

	return s, s.Validate()
}

// Options converts the config into dispatcher options. logger may be nil.
func (c Config) Options(logger *slog.Logger) ([]dispatcher.Option, error) {
	pf, err := c.Platform()
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}

	resolver, err := c.Resolver()
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}

	var comments []string
	if c.UserAgentComment != "" {
		comments = append(comments, c.UserAgentComment)
	}

	opts := []dispatcher.Option{
		dispatcher.WithTimeout(c.Timeout),
		dispatcher.WithUserAgent(useragent.New(c.UserAgentProduct, c.UserAgentVersion, comments...)),
		dispatcher.WithPlatform(pf),
		dispatcher.WithProxyResolver(resolver),
	}
	if c.ThrottleRPS > 0 {
		opts = append(opts, dispatcher.WithThrottle(c.ThrottleRPS, c.ThrottleBurst))
	}
	if logger != nil {
		opts = append(opts, dispatcher.WithLogger(logger))
	}

	return opts, nil
}

// /////////////////////////////////////////////////////////////////////////////////////////////

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(Prefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) setString(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) setInt(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return
	}
	*dst = n
}

func (p *parser) setBool(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return
	}
	*dst = b
}

func (p *parser) setDuration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return
	}
	*dst = d
}
