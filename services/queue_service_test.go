package services

import (
	"testing"
	"time"
)

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}

	for _, tt := range tests {
		if got := NextBackoff(tt.attempts); got != tt.want {
			t.Errorf("NextBackoff(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}
