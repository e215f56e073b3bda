package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		expected     bool
	}{
		{"empty uses default", "", true, true},
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"yes with case", "YES", false, true},
		{"off", "off", true, false},
		{"zero", "0", true, false},
		{"garbage uses default", "maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ORDERPILOT_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("ORDERPILOT_TEST_BOOL", tt.defaultValue); got != tt.expected {
				t.Errorf("ParseBoolEnv(%q) = %v; want %v", tt.value, got, tt.expected)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("ORDERPILOT_TEST_INT", "42")
	if got := ParseIntEnv("ORDERPILOT_TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d; want 42", got)
	}
	t.Setenv("ORDERPILOT_TEST_INT", "not-a-number")
	if got := ParseIntEnv("ORDERPILOT_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv invalid = %d; want default 7", got)
	}
	t.Setenv("ORDERPILOT_TEST_INT", "")
	if got := ParseIntEnv("ORDERPILOT_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv empty = %d; want default 7", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{"go syntax", "5m", 5 * time.Minute},
		{"bare seconds", "90", 90 * time.Second},
		{"empty uses default", "", 3 * time.Minute},
		{"garbage uses default", "soon", 3 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ORDERPILOT_TEST_DURATION", tt.value)
			if got := ParseDurationEnv("ORDERPILOT_TEST_DURATION", 3*time.Minute); got != tt.expected {
				t.Errorf("ParseDurationEnv(%q) = %v; want %v", tt.value, got, tt.expected)
			}
		})
	}
}
