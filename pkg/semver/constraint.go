package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const constraintLogPrefix = "semver:constraint"

// Requirement is a parsed minimum-version constraint for a helper tool.
type Requirement struct {
	raw        string
	constraint *masterminds.Constraints
}

// NewRequirement parses a constraint such as ">=0.1.0", "^1.2" or "3".
func NewRequirement(constraint string) (*Requirement, error) {
	normalized := NormalizeConstraint(constraint)
	c, err := masterminds.NewConstraint(normalized)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid constraint %q: %w", constraintLogPrefix, constraint, err)
	}
	return &Requirement{raw: normalized, constraint: c}, nil
}

// String returns the normalized constraint.
func (r *Requirement) String() string { return r.raw }

// Satisfied reports whether version meets the requirement. Unparseable versions never do.
func (r *Requirement) Satisfied(version string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}
	return r.constraint.Check(sv)
}

// CheckOutput parses `--version` output and reports the version found and whether it
// satisfies the requirement.
func (r *Requirement) CheckOutput(output string) (string, bool, error) {
	version, err := ParseToolVersion(output)
	if err != nil {
		return "", false, err
	}
	return version, r.Satisfied(version), nil
}

// Satisfies checks if a version string satisfies a constraint.
func Satisfies(version, constraint string) bool {
	r, err := NewRequirement(constraint)
	if err != nil {
		return false
	}
	return r.Satisfied(version)
}

// Newer reports whether version a is greater than b. Unparseable versions compare as older.
func Newer(a, b string) bool {
	va, err := masterminds.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := masterminds.NewVersion(b)
	if err != nil {
		return true
	}
	return va.GreaterThan(vb)
}
