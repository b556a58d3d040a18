package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "zero never expires", expiresAt: time.Time{}, want: false},
		{name: "future", expiresAt: now.Add(time.Minute), want: false},
		{name: "within grace period", expiresAt: now.Add(-2 * time.Second), want: false},
		{name: "past grace period", expiresAt: now.Add(-10 * time.Second), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiredWithGracePeriod_Strict(t *testing.T) {
	now := time.Now()
	if !IsExpiredWithGracePeriod(now.Add(-time.Millisecond), now, 0) {
		t.Error("expected expiry without grace period")
	}
}

func TestIsExpiringSoon(t *testing.T) {
	now := time.Now()
	if !IsExpiringSoon(now.Add(30*time.Second), now, time.Minute) {
		t.Error("token expiring in 30s should be expiring soon with a 1m threshold")
	}
	if IsExpiringSoon(now.Add(time.Hour), now, time.Minute) {
		t.Error("token expiring in 1h should not be expiring soon")
	}
	if IsExpiringSoon(time.Time{}, now, time.Minute) {
		t.Error("zero expiry should never be expiring soon")
	}
}
