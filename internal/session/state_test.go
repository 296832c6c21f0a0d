package session

import (
	"encoding/json"
	"testing"

	"github.com/richpresence/browserd/internal/browser"
)

func TestPhaseMarshalJSON(t *testing.T) {
	tests := []struct {
		phase    Phase
		expected string
	}{
		{Idle, `"idle"`},
		{Launching, `"launching"`},
		{Connected, `"connected"`},
		{Closing, `"closing"`},
		{Failed, `"failed"`},
		{Phase(42), `"unknown"`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.phase)
		if err != nil {
			t.Errorf("Marshal(%v) error: %v", tt.phase, err)
			continue
		}
		if string(data) != tt.expected {
			t.Errorf("Marshal(%v) = %s, want %s", tt.phase, data, tt.expected)
		}
	}
}

func TestPhaseUnmarshalJSON(t *testing.T) {
	tests := []struct {
		input    string
		expected Phase
	}{
		{`"connected"`, Connected},
		{`"closing"`, Closing},
		{`"bogus"`, Idle},
	}

	for _, tt := range tests {
		var p Phase
		if err := json.Unmarshal([]byte(tt.input), &p); err != nil {
			t.Errorf("Unmarshal(%s) error: %v", tt.input, err)
			continue
		}
		if p != tt.expected {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.input, p, tt.expected)
		}
	}
}

func TestStateJSON(t *testing.T) {
	s := State{
		Phase:     Connected,
		Browser:   &browser.Descriptor{Name: "Chrome", Version: "120.0"},
		DebugPort: 4969,
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["phase"] != "connected" {
		t.Errorf("phase = %v, want connected", m["phase"])
	}
	if m["debugPort"] != float64(4969) {
		t.Errorf("debugPort = %v, want 4969", m["debugPort"])
	}
	if _, ok := m["reason"]; ok {
		t.Error("reason should be omitted when empty")
	}
	b, _ := m["browser"].(map[string]any)
	if b["name"] != "Chrome" || b["version"] != "120.0" {
		t.Errorf("browser = %v", m["browser"])
	}
}

func TestStateClone(t *testing.T) {
	s := State{Phase: Connected, Browser: &browser.Descriptor{Name: "Chrome"}}
	c := s.Clone()
	c.Browser.Name = "Firefox"
	if s.Browser.Name != "Chrome" {
		t.Error("Clone shares the browser descriptor")
	}
}
