// Package install fetches, caches and links versioned plugin packages for
// code-generation jobs.
package install

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	namePattern    = regexp.MustCompile(`^(@[A-Za-z0-9][A-Za-z0-9._-]*/)?[A-Za-z0-9][A-Za-z0-9._-]*$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)
	jobIDPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// floatingVersions are dist-tags that name a moving target rather than a
// concrete release.
var floatingVersions = map[string]bool{
	"latest": true,
	"next":   true,
	"*":      true,
	"x":      true,
}

// Descriptor identifies one plugin package at an exact version.
type Descriptor struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// ParseDescriptor splits "name@version" into a Descriptor.
// Scoped names keep their leading "@": "@scope/pkg@1.0.0".
func ParseDescriptor(s string) (Descriptor, error) {
	idx := strings.LastIndex(s, "@")
	if idx <= 0 {
		return Descriptor{}, fmt.Errorf("%w: %q must be name@version", ErrInvalidDescriptor, s)
	}
	d := Descriptor{Name: s[:idx], Version: s[idx+1:]}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// String returns "name@version".
func (d Descriptor) String() string {
	return d.Name + "@" + d.Version
}

// Key returns the canonical install key for the descriptor.
func (d Descriptor) Key() Key {
	return Key(d.String())
}

// Validate rejects descriptors that cannot be installed: empty or unsafe
// names, and versions that are ranges or floating tags rather than exact
// releases.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty plugin name", ErrInvalidDescriptor)
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: plugin name %q", ErrInvalidDescriptor, d.Name)
	}
	if d.Version == "" {
		return fmt.Errorf("%w: %s has no version", ErrInvalidDescriptor, d.Name)
	}
	if floatingVersions[strings.ToLower(d.Version)] {
		return fmt.Errorf("%w: %s@%s is not an exact version", ErrInvalidDescriptor, d.Name, d.Version)
	}
	if !versionPattern.MatchString(d.Version) {
		// Anything with operators, spaces or wildcards is a range.
		if _, err := semver.NewConstraint(d.Version); err == nil {
			return fmt.Errorf("%w: %s@%s is a version range, not an exact version", ErrInvalidDescriptor, d.Name, d.Version)
		}
		return fmt.Errorf("%w: version %q of %s", ErrInvalidDescriptor, d.Version, d.Name)
	}
	if isWildcardVersion(d.Version) {
		return fmt.Errorf("%w: %s@%s is a version range, not an exact version", ErrInvalidDescriptor, d.Name, d.Version)
	}
	return nil
}

// isWildcardVersion catches x-ranges such as "1.x" or "1.2.X" that pass the
// character check.
func isWildcardVersion(v string) bool {
	for _, part := range strings.Split(v, ".") {
		if part == "x" || part == "X" {
			return true
		}
	}
	return false
}

// Key is the canonical identity of a package at an exact version.
type Key string

// Split returns the name and version encoded in the key.
func (k Key) Split() (name, version string) {
	s := string(k)
	if idx := strings.LastIndex(s, "@"); idx > 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// PathSegment returns a single filesystem-safe path element for the key.
// The scope separator of "@scope/pkg" is the only character that needs
// rewriting; validated names never contain "+".
func (k Key) PathSegment() string {
	return strings.Replace(string(k), "/", "+", 1)
}

// KeyFromPathSegment reverses PathSegment.
func KeyFromPathSegment(seg string) (Key, error) {
	name, version := Key(seg).Split()
	d := Descriptor{Name: strings.Replace(name, "+", "/", 1), Version: version}
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d.Key(), nil
}

// ValidateJobID reports whether id can name a job module directory.
func ValidateJobID(id string) error {
	if !jobIDPattern.MatchString(id) {
		return fmt.Errorf("%w: job id %q", ErrInvalidDescriptor, id)
	}
	return nil
}
