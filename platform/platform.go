// Package platform describes the runtime the dispatcher is executing on so
// it can select quirk workarounds. It is a read-only data provider.
package platform

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/mod/semver"
)

// Descriptor reports whether the current runtime has the decompression-leak
// and connection-teardown defects.
type Descriptor interface {
	IsAffectedRuntime() bool
	RuntimeVersion() string
}

// Runtime is an immutable Descriptor value.
type Runtime struct {
	version  string
	affected bool
}

// Static returns a Descriptor with a fixed version and affected flag.
func Static(version string, affected bool) Runtime {
	return Runtime{version: version, affected: affected}
}

// Detect describes the running Go toolchain. The runtime counts as affected
// when affectedBelow is a valid version and the running version sorts
// strictly below it. An empty affectedBelow means never affected.
func Detect(affectedBelow string) (Runtime, error) {
	return detect(runtime.Version(), affectedBelow)
}

func detect(version, affectedBelow string) (Runtime, error) {
	r := Runtime{version: version}
	if affectedBelow == "" {
		return r, nil
	}

	limit := Canonical(affectedBelow)
	if !semver.IsValid(limit) {
		return r, fmt.Errorf("invalid affected-below version %q", affectedBelow)
	}

	current := Canonical(version)
	if !semver.IsValid(current) {
		// Development builds ("devel +abc...") are treated as newest.
		return r, nil
	}

	r.affected = semver.Compare(current, limit) < 0

	return r, nil
}

func (r Runtime) IsAffectedRuntime() bool { return r.affected }

func (r Runtime) RuntimeVersion() string { return r.version }

func (r Runtime) String() string {
	return fmt.Sprintf("%s (affected=%t)", r.version, r.affected)
}

// Canonical converts Go-style version strings ("go1.22.3", "1.22", "go1.23rc1")
// into semver form ("v1.22.3", "v1.22", "v1.23.0-rc1").
func Canonical(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "go")
	v = strings.TrimPrefix(v, "v")
	if v == "" {
		return ""
	}

	// Strip build metadata such as " X:nocoverageredesign".
	if i := strings.IndexAny(v, " +"); i >= 0 {
		v = v[:i]
	}

	for _, pre := range []string{"rc", "beta", "alpha"} {
		if i := strings.Index(v, pre); i > 0 && v[i-1] != '-' {
			base := v[:i]
			if strings.Count(base, ".") == 1 {
				base += ".0"
			}
			v = base + "-" + v[i:]
			break
		}
	}

	return semver.Canonical("v" + v)
}
