package commsutil

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    string
		wantErr bool
	}{
		{name: "simple map", input: map[string]string{"task": "count_weekday"}, want: `{"task":"count_weekday"}`},
		{name: "struct", input: struct {
			ID string `json:"id"`
		}{ID: "r-1"}, want: `{"id":"r-1"}`},
		{name: "nil", input: nil, want: "null"},
		{name: "channel is not serializable", input: make(chan int), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("commsutil:codec_test - expected error, got %s", data)
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("commsutil:codec_test - EncodePayload = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	var target struct {
		ID   string `json:"id"`
		Task string `json:"task"`
	}
	if err := DecodePayload([]byte(`{"id":"r-1","task":"fetch_api"}`), &target); err != nil {
		t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
	}
	if target.ID != "r-1" || target.Task != "fetch_api" {
		t.Errorf("commsutil:codec_test - decoded %+v", target)
	}

	if err := DecodePayload(nil, &target); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("commsutil:codec_test - expected ErrEmptyPayload, got %v", err)
	}
	if err := DecodePayload([]byte("{not json"), &target); err == nil {
		t.Error("commsutil:codec_test - expected error for invalid JSON")
	}

	big := []byte(`"` + strings.Repeat("x", MaxPayloadBytes) + `"`)
	var s string
	if err := DecodePayload(big, &s); err == nil {
		t.Error("commsutil:codec_test - expected error for oversized payload")
	}
}
