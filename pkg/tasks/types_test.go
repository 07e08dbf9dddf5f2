package tasks

import (
	"strings"
	"testing"
)

func TestParsedTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    ParsedTask
		wantErr bool
	}{
		{"valid", ParsedTask{TaskType: TypeFetchAPI, Parameters: Parameters{}}, false},
		{"empty type", ParsedTask{TaskType: "  ", Parameters: Parameters{}}, true},
		{"nil parameters", ParsedTask{TaskType: TypeFetchAPI}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("tasks:types_test - Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParameters_String(t *testing.T) {
	p := Parameters{"url": "https://example.com", "count": 3, "nil": nil}

	if got := p.String("url"); got != "https://example.com" {
		t.Errorf("tasks:types_test - String(url) = %q", got)
	}
	if got := p.String("count"); got != "" {
		t.Errorf("tasks:types_test - String(count) = %q, want empty for non-string", got)
	}
	if got := p.String("nil"); got != "" {
		t.Errorf("tasks:types_test - String(nil) = %q, want empty", got)
	}
	if got := p.StringOr("missing", "fallback"); got != "fallback" {
		t.Errorf("tasks:types_test - StringOr = %q, want fallback", got)
	}
}

func TestParameters_Require(t *testing.T) {
	p := Parameters{"script_url": "https://example.com/datagen.py", "email": ""}

	if err := p.Require("script_url"); err != nil {
		t.Errorf("tasks:types_test - unexpected error: %v", err)
	}
	err := p.Require("script_url", "email", "root")
	if err == nil {
		t.Fatal("tasks:types_test - expected error for missing keys")
	}
	if !strings.Contains(err.Error(), "email, root") {
		t.Errorf("tasks:types_test - error = %q, want both missing keys listed", err.Error())
	}
}
