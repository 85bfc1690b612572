package cron

import (
	"context"
	"testing"
	"time"
)

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)

	next, err := NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("not a cron expr", after); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestHousekeeperRejectsBadSchedule(t *testing.T) {
	_, err := NewHousekeeper(Config{
		Jobs: []Job{{Name: "broken", CronExpr: "bogus", Run: func(context.Context) {}}},
	})
	if err == nil {
		t.Fatal("expected error for unparseable schedule")
	}
}

func TestHousekeeperFiresDueJobs(t *testing.T) {
	fired := 0
	h, err := NewHousekeeper(Config{
		Jobs: []Job{{Name: "sweep", CronExpr: "*/5 * * * *", Run: func(context.Context) { fired++ }}},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.nextRun[0] = base.Add(5 * time.Minute)

	h.now = func() time.Time { return base.Add(time.Minute) }
	h.tick(context.Background())
	if fired != 0 {
		t.Fatal("job fired before its schedule")
	}

	h.now = func() time.Time { return base.Add(6 * time.Minute) }
	h.tick(context.Background())
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if !h.nextRun[0].After(base.Add(6 * time.Minute)) {
		t.Fatalf("next run not advanced: %v", h.nextRun[0])
	}

	// Same tick again: not due until the next boundary.
	h.tick(context.Background())
	if fired != 1 {
		t.Fatalf("fired = %d after repeat tick, want 1", fired)
	}
}
