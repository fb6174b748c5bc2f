package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionRegex = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([a-zA-Z0-9.-]+))?(?:\+[a-zA-Z0-9.-]+)?$`)

// Version is a parsed semantic version. Build metadata is ignored for
// ordering, matching semver precedence rules.
type Version struct {
	Major, Minor, Patch int
	Pre                 string
}

// ParseVersion parses a semantic version string.
func ParseVersion(s string) (Version, error) {
	m := versionRegex.FindStringSubmatch(strings.TrimPrefix(s, "v"))
	if m == nil {
		return Version{}, fmt.Errorf("invalid semantic version %q", s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch, Pre: m[4]}, nil
}

// Compare returns -1, 0 or 1 ordering v against other.
func (v Version) Compare(other Version) int {
	for _, pair := range [][2]int{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		if pair[0] != pair[1] {
			if pair[0] < pair[1] {
				return -1
			}
			return 1
		}
	}
	// A pre-release sorts before its release.
	switch {
	case v.Pre == other.Pre:
		return 0
	case v.Pre == "":
		return 1
	case other.Pre == "":
		return -1
	case v.Pre < other.Pre:
		return -1
	default:
		return 1
	}
}

// Constraint is a parsed version constraint: an operator plus a base
// version. The zero operator matches any version.
type Constraint struct {
	Op   string
	Base Version
}

// ParseConstraint parses constraint syntax: ==, =, >=, <=, >, <, ^, ~,
// a bare version (exact match), or ""/"*" (any).
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Constraint{Op: "*"}, nil
	}

	for _, op := range []string{"==", ">=", "<=", "^", "~", "=", ">", "<"} {
		if strings.HasPrefix(s, op) {
			base, err := ParseVersion(strings.TrimSpace(strings.TrimPrefix(s, op)))
			if err != nil {
				return Constraint{}, fmt.Errorf("invalid constraint %q: %w", s, err)
			}
			if op == "=" {
				op = "=="
			}
			return Constraint{Op: op, Base: base}, nil
		}
	}

	base, err := ParseVersion(s)
	if err != nil {
		return Constraint{}, fmt.Errorf("invalid constraint %q: %w", s, err)
	}
	return Constraint{Op: "==", Base: base}, nil
}

// Matches reports whether a version satisfies the constraint.
func (c Constraint) Matches(v Version) bool {
	switch c.Op {
	case "*", "":
		return true
	case "==":
		return v.Compare(c.Base) == 0
	case ">=":
		return v.Compare(c.Base) >= 0
	case "<=":
		return v.Compare(c.Base) <= 0
	case ">":
		return v.Compare(c.Base) > 0
	case "<":
		return v.Compare(c.Base) < 0
	case "^":
		// Same major, at least the base.
		return v.Major == c.Base.Major && v.Compare(c.Base) >= 0
	case "~":
		// Same major.minor, at least the base.
		return v.Major == c.Base.Major && v.Minor == c.Base.Minor && v.Compare(c.Base) >= 0
	default:
		return false
	}
}

// SatisfiesConstraint checks a raw version string against a raw
// constraint string. Unparseable inputs never match.
func SatisfiesConstraint(version, constraint string) bool {
	c, err := ParseConstraint(constraint)
	if err != nil {
		return false
	}
	v, err := ParseVersion(version)
	if err != nil {
		return false
	}
	return c.Matches(v)
}

// MajorMismatch reports whether the version differs from the constraint
// base at the major-version level; used to graduate conflict severity.
func MajorMismatch(version, constraint string) bool {
	c, err := ParseConstraint(constraint)
	if err != nil || c.Op == "*" {
		return false
	}
	v, err := ParseVersion(version)
	if err != nil {
		return true
	}
	return v.Major != c.Base.Major
}
