// Package air models the declarative manifest language: named, typed
// definitions (schemas, modules, capabilities, policies, effects, triggers)
// referenced by content hash, plus patch documents that evolve a manifest.
package air

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SpecVersion is the manifest language version this runtime implements.
const SpecVersion = "1.0"

// airVersionConstraint accepts any 1.x manifest.
var airVersionConstraint = mustConstraint("~1")

func mustConstraint(c string) *semver.Constraints {
	parsed, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return parsed
}

// CheckAirVersion validates that a manifest's air_version is one this runtime
// can load.
func CheckAirVersion(v string) error {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("air: invalid air_version %q: %w", v, err)
	}
	if !airVersionConstraint.Check(parsed) {
		return fmt.Errorf("air: unsupported air_version %q (want %s.x)", v, SpecVersion[:1])
	}
	return nil
}

// Name identifies a definition as namespace/Base@version, e.g. "demo/Counter@1".
type Name string

// Parse splits the name into namespace, base name, and version.
func (n Name) Parse() (namespace, base string, version uint64, err error) {
	s := string(n)
	slash := strings.IndexByte(s, '/')
	at := strings.LastIndexByte(s, '@')
	if slash <= 0 || at <= slash+1 || at == len(s)-1 {
		return "", "", 0, fmt.Errorf("air: malformed name %q (want namespace/Name@version)", s)
	}
	version, err = strconv.ParseUint(s[at+1:], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("air: malformed version in name %q: %w", s, err)
	}
	return s[:slash], s[slash+1 : at], version, nil
}

// Valid reports whether the name parses.
func (n Name) Valid() bool {
	_, _, _, err := n.Parse()
	return err == nil
}
