// Package useragent builds the User-Agent header sent with every dispatch.
package useragent

import (
	"fmt"
	"runtime"
	"strings"
)

// Builder renders a simplified ("product/version") or full
// ("product/version (os; arch; go version; comments)") agent string.
type Builder struct {
	Product  string
	Version  string
	Comments []string

	goos      string
	goarch    string
	goversion string
}

// New returns a Builder for the current process.
func New(product, version string, comments ...string) *Builder {
	return &Builder{
		Product:   product,
		Version:   version,
		Comments:  comments,
		goos:      runtime.GOOS,
		goarch:    runtime.GOARCH,
		goversion: runtime.Version(),
	}
}

// UserAgent returns the agent string. The builder is never mutated.
func (b *Builder) UserAgent(simplified bool) string {
	product := b.Product
	if product == "" {
		product = "dispatch"
	}

	base := product
	if b.Version != "" {
		base = fmt.Sprintf("%s/%s", product, b.Version)
	}

	if simplified {
		return base
	}

	parts := make([]string, 0, 3+len(b.Comments))
	for _, p := range []string{b.goos, b.goarch, b.goversion} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	for _, c := range b.Comments {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}

	if len(parts) == 0 {
		return base
	}

	return fmt.Sprintf("%s (%s)", base, strings.Join(parts, "; "))
}
