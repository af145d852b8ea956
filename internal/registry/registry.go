// Package registry resolves module export bundles registered under
// semantic-version ranges. Lookups accept exact versions or ranges;
// first-party module queries widen bare versions to caret ranges.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrModuleNotFound = errors.New("registry: module not found")
	ErrInvalidRange   = errors.New("registry: invalid version range")
	ErrNameRequired   = errors.New("registry: module name required")
)

// FirstPartyModules are widened to caret ranges when resolved by exact
// version, so bundles registered under one concrete release still satisfy
// siblings within the same major line.
var FirstPartyModules = map[string]bool{
	"@jupyter-widgets/base":     true,
	"@jupyter-widgets/controls": true,
}

// entry is one registration under a module name.
type entry[T any] struct {
	rawRange   string
	constraint *semver.Constraints
	exact      *semver.Version
	anchor     *semver.Version
	value      T
}

// Registry maps (module name, version range) registrations to values.
type Registry[T any] struct {
	mu      sync.RWMutex
	modules map[string][]entry[T]
}

func New[T any]() *Registry[T] {
	return &Registry[T]{modules: make(map[string][]entry[T])}
}

// Register binds value under name and versionRange. Registering the same
// (name, range) pair again replaces the previous value.
func (r *Registry[T]) Register(name, versionRange string, value T) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	versionRange = strings.TrimSpace(versionRange)
	if versionRange == "" {
		return fmt.Errorf("%w: empty range for %s", ErrInvalidRange, name)
	}

	e := entry[T]{rawRange: versionRange, value: value}
	if v, err := semver.NewVersion(versionRange); err == nil {
		e.exact = v
		e.anchor = v
	}
	if c, err := semver.NewConstraint(versionRange); err == nil {
		e.constraint = c
		if e.anchor == nil {
			e.anchor = firstAnchor(versionRange)
		}
	}
	if e.exact == nil && e.constraint == nil {
		return fmt.Errorf("%w: %q for %s", ErrInvalidRange, versionRange, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.modules[name]
	for i := range entries {
		if entries[i].rawRange == versionRange {
			entries[i] = e
			return nil
		}
	}
	r.modules[name] = append(entries, e)
	return nil
}

// Resolve returns the best registered value for name at version. Version
// may be exact or a range; among matches the registration with the
// highest anchor version wins.
func (r *Registry[T]) Resolve(name, version string) (T, error) {
	var zero T
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)

	r.mu.RLock()
	entries := r.modules[name]
	r.mu.RUnlock()
	if len(entries) == 0 {
		return zero, fmt.Errorf("%w: %s@%s", ErrModuleNotFound, name, version)
	}

	queryVersion, _ := semver.NewVersion(version)
	queryRange, _ := semver.NewConstraint(version)
	var widened *semver.Constraints
	if queryVersion != nil && FirstPartyModules[name] {
		widened, _ = semver.NewConstraint("^" + queryVersion.String())
	}

	var best *entry[T]
	for i := range entries {
		e := &entries[i]
		if !matches(e, queryVersion, queryRange, widened) {
			continue
		}
		if best == nil || anchorGreater(e.anchor, best.anchor) {
			best = e
		}
	}
	if best == nil {
		return zero, fmt.Errorf("%w: %s@%s", ErrModuleNotFound, name, version)
	}
	return best.value, nil
}

// Modules lists registered module names, sorted.
func (r *Registry[T]) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ranges lists the ranges registered under name, in registration order.
func (r *Registry[T]) Ranges(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.modules[name]
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.rawRange)
	}
	return out
}

func matches[T any](e *entry[T], queryVersion *semver.Version, queryRange, widened *semver.Constraints) bool {
	if e.constraint != nil && queryVersion != nil && e.constraint.Check(queryVersion) {
		return true
	}
	if e.exact != nil && queryRange != nil && queryRange.Check(e.exact) {
		return true
	}
	if e.exact != nil && widened != nil && widened.Check(e.exact) {
		return true
	}
	return false
}

// anchorGreater orders precedence; missing anchors lose to any anchor.
func anchorGreater(a, b *semver.Version) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.GreaterThan(b)
}

// firstAnchor extracts the first version literal from a range expression.
func firstAnchor(raw string) *semver.Version {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '|'
	})
	for _, field := range fields {
		token := strings.TrimLeft(field, "^~><=!v")
		if token == "" {
			continue
		}
		if v, err := semver.NewVersion(token); err == nil {
			return v
		}
	}
	return nil
}
