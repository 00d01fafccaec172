package objclass

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Dependency is a class another class needs open before it can open.
type Dependency struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	// Version is an optional constraint such as ">=1.2.0", "^1.0.0" or "~1.4.0".
	Version string `yaml:"version,omitempty" toml:"version,omitempty" json:"version,omitempty"`
}

func (d Dependency) String() string {
	if d.Version == "" {
		return d.Name
	}
	return d.Name + " " + d.Version
}

// Satisfied reports whether version meets the constraint. An empty
// constraint accepts anything; an unversioned class meets no constraint.
func (d Dependency) Satisfied(version string) bool {
	ok, err := matchVersion(version, d.Version)
	return err == nil && ok
}

// ValidateConstraint reports whether c parses as a version constraint.
func ValidateConstraint(c string) error {
	if c == "" {
		return nil
	}
	_, want := splitConstraint(c)
	if !semver.IsValid(want) {
		return fmt.Errorf("invalid version constraint %q", c)
	}
	return nil
}

// ValidVersion reports whether v is a semantic version, with or without a
// leading "v".
func ValidVersion(v string) bool {
	return semver.IsValid(canonicalVersion(v))
}

var constraintOps = []string{">=", "<=", ">", "<", "^", "~", "="}

func splitConstraint(c string) (op, version string) {
	c = strings.TrimSpace(c)
	op = "="
	for _, candidate := range constraintOps {
		if strings.HasPrefix(c, candidate) {
			op = candidate
			c = strings.TrimPrefix(c, candidate)
			break
		}
	}
	return op, canonicalVersion(c)
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func matchVersion(version, constraint string) (bool, error) {
	if strings.TrimSpace(constraint) == "" {
		return true, nil
	}
	have := canonicalVersion(version)
	if !semver.IsValid(have) {
		return false, fmt.Errorf("invalid version %q", version)
	}
	op, want := splitConstraint(constraint)
	if !semver.IsValid(want) {
		return false, fmt.Errorf("invalid version constraint %q", constraint)
	}

	cmp := semver.Compare(have, want)
	switch op {
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	case "^":
		return cmp >= 0 && semver.Major(have) == semver.Major(want), nil
	case "~":
		return cmp >= 0 && semver.MajorMinor(have) == semver.MajorMinor(want), nil
	default:
		return cmp == 0, nil
	}
}
