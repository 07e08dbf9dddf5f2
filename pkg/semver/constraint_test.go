package semver

import "testing"

func TestSatisfies(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		constraint string
		want       bool
	}{
		{name: "minimum met", version: "0.4.18", constraint: ">=0.1.0", want: true},
		{name: "minimum exact", version: "0.1.0", constraint: ">=0.1.0", want: true},
		{name: "below minimum", version: "0.0.9", constraint: ">=0.1.0", want: false},
		{name: "two component version", version: "24.2", constraint: ">=24.0.0", want: true},
		{name: "major only match", version: "3.9.0", constraint: "3", want: true},
		{name: "major only mismatch", version: "4.0.0", constraint: "3", want: false},
		{name: "caret", version: "1.4.0", constraint: "^1.2.0", want: true},
		{name: "empty constraint", version: "0.0.1", constraint: "", want: true},
		{name: "invalid version", version: "latest", constraint: ">=0.1.0", want: false},
		{name: "invalid constraint", version: "1.0.0", constraint: "not a constraint!", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Satisfies(tt.version, tt.constraint); got != tt.want {
				t.Errorf("semver:constraint_test - Satisfies(%q, %q) = %v, want %v", tt.version, tt.constraint, got, tt.want)
			}
		})
	}
}

func TestNewRequirement_Invalid(t *testing.T) {
	if _, err := NewRequirement("not a constraint!"); err == nil {
		t.Error("semver:constraint_test - expected error for invalid constraint")
	}
}

func TestRequirement_CheckOutput(t *testing.T) {
	req, err := NewRequirement(">=0.2.0")
	if err != nil {
		t.Fatalf("semver:constraint_test - NewRequirement failed: %v", err)
	}

	version, ok, err := req.CheckOutput("uv 0.4.18 (7b55e9790 2024-10-01)")
	if err != nil || !ok || version != "0.4.18" {
		t.Errorf("semver:constraint_test - CheckOutput = %q, %v, %v", version, ok, err)
	}

	version, ok, err = req.CheckOutput("uv 0.1.5")
	if err != nil || ok || version != "0.1.5" {
		t.Errorf("semver:constraint_test - old version CheckOutput = %q, %v, %v", version, ok, err)
	}

	if _, _, err := req.CheckOutput("garbage"); err == nil {
		t.Error("semver:constraint_test - expected parse error")
	}
	if req.String() != ">=0.2.0" {
		t.Errorf("semver:constraint_test - String() = %q", req.String())
	}
}

func TestNewer(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.2.0", "1.1.9", true},
		{"1.1.9", "1.2.0", false},
		{"1.0.0", "1.0.0", false},
		{"1.0.0", "1.0.0-rc.1", true},
		{"bogus", "1.0.0", false},
		{"1.0.0", "bogus", true},
	}
	for _, tt := range tests {
		if got := Newer(tt.a, tt.b); got != tt.want {
			t.Errorf("semver:constraint_test - Newer(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
