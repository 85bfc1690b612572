package bridge

import (
	"fmt"
	"testing"
	"time"

	"github.com/basket/outpost/internal/store"
)

func testMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	repo, err := store.NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	return NewMemoryStore(repo)
}

func TestMemoryKeyNormalizesDestination(t *testing.T) {
	a := MemoryKey(Intent{Channel: "wechat", AppName: "WeChat", Destination: "Uncle  Zhang"})
	b := MemoryKey(Intent{Channel: "wechat", AppName: "wechat", Destination: " uncle zhang "})
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	c := MemoryKey(Intent{Channel: "qq", AppName: "QQ", Destination: "uncle zhang"})
	if a == c {
		t.Fatal("different channels must not share a key")
	}
}

func TestMemoryUpdateRunningAverage(t *testing.T) {
	s := testMemoryStore(t)
	intent := testIntent()
	plan := Plan{Intent: intent, Route: RouteUIA, ReplaySkillID: SkillID(intent)}

	s.Update(Outcome{Plan: plan, Sent: true, LatencyMs: 1000})
	record, err := s.Update(Outcome{Plan: plan, Sent: true, LatencyMs: 3000})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if record.AvgLatencyMs != 2000 {
		t.Fatalf("avg latency = %v, want 2000", record.AvgLatencyMs)
	}
	if record.SuccessCount != 2 || record.FailCount != 0 {
		t.Fatalf("counters = %d/%d", record.SuccessCount, record.FailCount)
	}
}

func TestMemoryLatencyAverageIsClamped(t *testing.T) {
	s := testMemoryStore(t)
	plan := Plan{Intent: testIntent(), Route: RouteUIA}

	record, _ := s.Update(Outcome{Plan: plan, Sent: true, LatencyMs: 10_000_000})
	if record.AvgLatencyMs != maxAvgLatencyMs {
		t.Fatalf("avg latency = %v, want clamp at %d", record.AvgLatencyMs, maxAvgLatencyMs)
	}
}

func TestMemoryHotRejectsFailureDominatedRecords(t *testing.T) {
	s := testMemoryStore(t)
	intent := testIntent()
	plan := Plan{Intent: intent, Route: RouteUIA}
	screen := ScreenState{Display: Display{Width: 800, Height: 600}}

	s.Update(Outcome{Plan: plan, Sent: true, LatencyMs: 500})
	if _, ok := s.Lookup(intent, screen, time.Hour); !ok {
		t.Fatal("record with one success should be hot")
	}

	s.Update(Outcome{Plan: plan, Sent: false, LatencyMs: 500})
	s.Update(Outcome{Plan: plan, Sent: false, LatencyMs: 500})
	s.Update(Outcome{Plan: plan, Sent: false, LatencyMs: 500})
	if _, ok := s.Lookup(intent, screen, time.Hour); ok {
		t.Fatal("three failures over one success should suppress the hit")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	s := testMemoryStore(t)
	intent := testIntent()
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Update(Outcome{Plan: Plan{Intent: intent, Route: RouteUIA}, Sent: true, LatencyMs: 500})

	s.now = func() time.Time { return base.Add(30 * time.Minute) }
	if _, ok := s.Lookup(intent, ScreenState{}, time.Hour); !ok {
		t.Fatal("record inside ttl should be hot")
	}
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, ok := s.Lookup(intent, ScreenState{}, time.Hour); ok {
		t.Fatal("record past ttl should not be hot")
	}
}

func TestMemoryCapEvictsOldest(t *testing.T) {
	s := testMemoryStore(t)
	base := time.Now()
	for i := 0; i < maxMemoryRecords+5; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return tick }
		intent := Intent{Channel: "wechat", AppName: "WeChat", Destination: fmt.Sprintf("contact-%d", i)}
		s.Update(Outcome{Plan: Plan{Intent: intent, Route: RouteUIA}, Sent: true, LatencyMs: 100})
	}

	records := s.Records()
	if len(records) != maxMemoryRecords {
		t.Fatalf("records = %d, want cap %d", len(records), maxMemoryRecords)
	}
	if records[0].Destination != fmt.Sprintf("contact-%d", maxMemoryRecords+4) {
		t.Fatalf("newest record = %q", records[0].Destination)
	}
	for _, r := range records {
		if r.Destination == "contact-0" {
			t.Fatal("oldest record survived the cap")
		}
	}
}
