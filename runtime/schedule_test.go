package runtime

import (
	"testing"
	"time"
)

func TestParseSchedule_Duration(t *testing.T) {
	sched, err := ParseSchedule("15m")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	next := sched.Next(base)
	if got := next.Sub(base); got != 15*time.Minute {
		t.Fatalf("expected 15m delay, got %v", got)
	}
}

func TestParseSchedule_Cron(t *testing.T) {
	// Weekly: Sunday 03:00.
	sched, err := ParseSchedule("0 3 * * 0")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) // a Tuesday
	next := sched.Next(base)
	if next.Weekday() != time.Sunday || next.Hour() != 3 {
		t.Fatalf("expected next Sunday 03:00, got %v", next)
	}
}

func TestParseSchedule_SixFieldCron(t *testing.T) {
	if _, err := ParseSchedule("0 0 3 * * 0"); err != nil {
		t.Fatalf("six-field cron should parse: %v", err)
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, schedule := range []string{"", "not a schedule", "99 99 * * *"} {
		if _, err := ParseSchedule(schedule); err == nil {
			t.Errorf("expected error for %q", schedule)
		}
	}
}

func TestComputeNextWake(t *testing.T) {
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	next, err := ComputeNextWake("1h", base)
	if err != nil {
		t.Fatalf("ComputeNextWake: %v", err)
	}
	if next.Sub(base) != time.Hour {
		t.Fatalf("expected 1h, got %v", next.Sub(base))
	}
}
