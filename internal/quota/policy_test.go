package quota

import "testing"

func TestPolicyExceeded(t *testing.T) {
	policy := NewPolicy(10)

	tests := []struct {
		name    string
		seconds int
		want    bool
	}{
		{"zero", 0, false},
		{"one second", 1, false},
		{"one second short", 599, false},
		{"exactly at limit", 600, true},
		{"one past limit", 601, true},
		{"far past limit", 86400, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Exceeded(tt.seconds); got != tt.want {
				t.Errorf("Exceeded(%d) = %v, want %v", tt.seconds, got, tt.want)
			}
		})
	}
}

func TestPolicyRemaining(t *testing.T) {
	policy := NewPolicy(10)

	tests := []struct {
		name        string
		minutesUsed int
		want        int
	}{
		{"unused", 0, 10},
		{"partially used", 4, 6},
		{"one left", 9, 1},
		{"exhausted", 10, 0},
		{"over-recorded never negative", 15, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Remaining(tt.minutesUsed); got != tt.want {
				t.Errorf("Remaining(%d) = %d, want %d", tt.minutesUsed, got, tt.want)
			}
		})
	}
}

func TestNewPolicyDefaults(t *testing.T) {
	for _, minutes := range []int{0, -5} {
		policy := NewPolicy(minutes)
		if policy.DailySeconds() != DailyFreeSeconds {
			t.Errorf("NewPolicy(%d).DailySeconds() = %d, want %d", minutes, policy.DailySeconds(), DailyFreeSeconds)
		}
	}

	policy := NewPolicy(5)
	if policy.DailySeconds() != 300 {
		t.Errorf("DailySeconds() = %d, want 300", policy.DailySeconds())
	}
	if policy.DailyMinutes() != 5 {
		t.Errorf("DailyMinutes() = %d, want 5", policy.DailyMinutes())
	}
}
