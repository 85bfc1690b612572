package inputmutex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireUncontested(t *testing.T) {
	m := New(Options{})
	release, err := m.Acquire(context.Background(), "main")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if m.Holder() != "main" {
		t.Fatalf("holder = %q", m.Holder())
	}
	release()
	if m.Holder() != "" {
		t.Fatalf("holder after release = %q", m.Holder())
	}
}

func TestFIFOOrderUnderContention(t *testing.T) {
	m := New(Options{AcquireTimeout: 5 * time.Second})
	release, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire s1: %v", err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, session := range []string{"s2", "s3"} {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			<-start
			if session == "s3" {
				// Let s2 queue first.
				time.Sleep(100 * time.Millisecond)
			}
			rel, err := m.Acquire(context.Background(), session)
			if err != nil {
				t.Errorf("acquire %s: %v", session, err)
				return
			}
			mu.Lock()
			order = append(order, session)
			mu.Unlock()
			rel()
		}(session)
	}
	close(start)
	time.Sleep(300 * time.Millisecond)
	release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "s2" || order[1] != "s3" {
		t.Fatalf("grant order = %v, want [s2 s3]", order)
	}
}

func TestTimeoutStrikesAndCooldown(t *testing.T) {
	m := New(Options{
		AcquireTimeout:  30 * time.Millisecond,
		StrikeThreshold: 3,
		Cooldown:        15 * time.Minute,
	})
	hold, err := m.Acquire(context.Background(), "holder")
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}
	defer hold()

	for i := 1; i <= 3; i++ {
		_, err := m.Acquire(context.Background(), "impatient")
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("attempt %d: err = %v, want timeout", i, err)
		}
	}
	if !m.InCooldown("impatient") {
		t.Fatal("expected cooldown after three strikes")
	}
	if _, err := m.Acquire(context.Background(), "impatient"); !errors.Is(err, ErrCooldown) {
		t.Fatalf("err = %v, want cooldown rejection", err)
	}
	// Other sessions are unaffected.
	if m.InCooldown("other") {
		t.Fatal("unrelated session parked")
	}
}

func TestSuccessfulAcquireClearsStrikes(t *testing.T) {
	m := New(Options{
		AcquireTimeout:  30 * time.Millisecond,
		StrikeThreshold: 3,
	})
	hold, err := m.Acquire(context.Background(), "holder")
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := m.Acquire(context.Background(), "flaky"); !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	}
	if m.Strikes("flaky") != 2 {
		t.Fatalf("strikes = %d, want 2", m.Strikes("flaky"))
	}

	hold()
	release, err := m.Acquire(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release()
	if m.Strikes("flaky") != 0 {
		t.Fatalf("strikes not cleared: %d", m.Strikes("flaky"))
	}
}

func TestReleaseSkipsTimedOutWaiter(t *testing.T) {
	m := New(Options{AcquireTimeout: 30 * time.Millisecond})
	hold, err := m.Acquire(context.Background(), "holder")
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}

	// quitter queues and times out.
	if _, err := m.Acquire(context.Background(), "quitter"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// patient queues behind the abandoned slot.
	granted := make(chan struct{})
	go func() {
		rel, err := m.Acquire(context.Background(), "patient")
		if err != nil {
			t.Errorf("acquire patient: %v", err)
			return
		}
		close(granted)
		rel()
	}()
	time.Sleep(50 * time.Millisecond)
	hold()

	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("patient waiter never granted")
	}
	if m.Holder() == "quitter" {
		t.Fatal("abandoned waiter was granted the lock")
	}
}

func TestContextCancelDoesNotStrike(t *testing.T) {
	m := New(Options{AcquireTimeout: 5 * time.Second, StrikeThreshold: 1})
	hold, err := m.Acquire(context.Background(), "holder")
	if err != nil {
		t.Fatalf("acquire holder: %v", err)
	}
	defer hold()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "cancelled")
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m.InCooldown("cancelled") {
		t.Fatal("cancellation must not count as a strike")
	}
}
