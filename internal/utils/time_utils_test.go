package utils

import (
	"testing"
	"time"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		input  string
		expect time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"abc", 0},
		{"10", 0},
	}

	for _, tt := range tests {
		result := ParseStringTime(tt.input)
		if result != tt.expect {
			t.Errorf("输入=%s 期望=%v 实际=%v", tt.input, tt.expect, result)
		}
	}
}
