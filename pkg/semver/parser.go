// Package semver extracts tool versions from command output and checks them against
// SemVer constraints.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

var (
	// versionTokenRegex finds the first dotted version in free text ("uv 0.4.18 (abc 2024-10-01)").
	versionTokenRegex = regexp.MustCompile(`\bv?(\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?)`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseToolVersion returns the first version token in the output of `<tool> --version`.
func ParseToolVersion(output string) (string, error) {
	m := versionTokenRegex.FindStringSubmatch(strings.TrimSpace(output))
	if m == nil {
		return "", fmt.Errorf("%s - no version found in %q", logPrefix, truncate(output, 80))
	}
	return m[1], nil
}

// IsMajorOnly checks if a constraint is a major-only specifier (e.g., "3").
func IsMajorOnly(constraint string) bool {
	return majorOnlyRegex.MatchString(constraint)
}

// IsExactVersion checks if a constraint is an exact version (e.g., "3.2.1").
func IsExactVersion(constraint string) bool {
	return exactVersionRegex.MatchString(constraint)
}

// NormalizeConstraint maps shorthand forms onto masterminds syntax: empty means any
// version, a bare major "3" means "3.x".
func NormalizeConstraint(constraint string) string {
	c := strings.TrimSpace(constraint)
	switch {
	case c == "":
		return "*"
	case IsMajorOnly(c):
		return c + ".x"
	default:
		return c
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
