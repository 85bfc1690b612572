// Package inputmutex serializes access to the shared keyboard and pointer.
// Exactly one session may drive the physical input devices at a time; every
// other session queues FIFO. Sessions that repeatedly give up waiting are
// parked in a cooldown so a stuck client cannot starve the queue forever.
package inputmutex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/outpost/internal/bus"
)

var (
	// ErrTimeout is returned when the acquire window elapsed before the
	// session reached the front of the queue.
	ErrTimeout = errors.New("input_mutex_timeout")
	// ErrCooldown is returned immediately while a session is parked after
	// striking out.
	ErrCooldown = errors.New("input_mutex_cooldown")
)

type Options struct {
	AcquireTimeout  time.Duration // default 20s
	StrikeThreshold int           // default 3
	Cooldown        time.Duration // default 15m
	Bus             *bus.Bus      // optional
	Logger          *slog.Logger  // optional
	Now             func() time.Time
}

type waiter struct {
	session   string
	grant     chan struct{}
	abandoned bool
}

// Mutex is the process-wide input-device lock.
type Mutex struct {
	mu       sync.Mutex
	holder   string
	queue    []*waiter
	strikes  map[string]int
	cooldown map[string]time.Time

	timeout   time.Duration
	threshold int
	parkFor   time.Duration
	bus       *bus.Bus
	logger    *slog.Logger
	now       func() time.Time
}

func New(opts Options) *Mutex {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 20 * time.Second
	}
	if opts.StrikeThreshold <= 0 {
		opts.StrikeThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Mutex{
		strikes:   make(map[string]int),
		cooldown:  make(map[string]time.Time),
		timeout:   opts.AcquireTimeout,
		threshold: opts.StrikeThreshold,
		parkFor:   opts.Cooldown,
		bus:       opts.Bus,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Acquire blocks until the session holds the input devices, the acquire
// timeout elapses, or ctx is cancelled. On success the caller must invoke the
// returned release function exactly once.
func (m *Mutex) Acquire(ctx context.Context, session string) (func(), error) {
	m.mu.Lock()
	if until, parked := m.cooldown[session]; parked {
		if m.now().Before(until) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: session %s parked until %s", ErrCooldown, session, until.Format(time.RFC3339))
		}
		delete(m.cooldown, session)
	}

	if m.holder == "" {
		// Drop waiters that already gave up so an empty-looking queue is
		// actually empty.
		for len(m.queue) > 0 && m.queue[0].abandoned {
			m.queue = m.queue[1:]
		}
	}
	if m.holder == "" && len(m.queue) == 0 {
		m.holder = session
		delete(m.strikes, session)
		m.mu.Unlock()
		return func() { m.release(session) }, nil
	}

	w := &waiter{session: session, grant: make(chan struct{})}
	m.queue = append(m.queue, w)
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-w.grant:
		return func() { m.release(session) }, nil
	case <-timer.C:
		return nil, m.abandon(w, ErrTimeout)
	case <-ctx.Done():
		return nil, m.abandon(w, ctx.Err())
	}
}

// abandon marks the waiter so release skips it, then records a strike for a
// timeout. The grant channel may race with the timer; if the grant already
// arrived the session holds the lock and must not be struck.
func (m *Mutex) abandon(w *waiter, cause error) error {
	m.mu.Lock()
	select {
	case <-w.grant:
		m.mu.Unlock()
		return nil
	default:
	}
	w.abandoned = true

	if !errors.Is(cause, ErrTimeout) {
		m.mu.Unlock()
		return cause
	}

	m.strikes[w.session]++
	strikes := m.strikes[w.session]
	var parkedUntil time.Time
	if strikes >= m.threshold {
		parkedUntil = m.now().Add(m.parkFor)
		m.cooldown[w.session] = parkedUntil
		delete(m.strikes, w.session)
	}
	m.mu.Unlock()

	if !parkedUntil.IsZero() {
		m.logger.Warn("input mutex cooldown",
			"session_id", w.session, "strikes", strikes, "until", parkedUntil)
		if m.bus != nil {
			m.bus.Publish(bus.TopicMutexCooldown, bus.MutexCooldownEvent{
				SessionID: w.session,
				Strikes:   strikes,
				UntilMs:   parkedUntil.UnixMilli(),
			})
		}
	}
	return ErrTimeout
}

// release hands the lock to the oldest waiter that has not abandoned its
// slot. Abandoned waiters are discarded in order so a timed-out session can
// never be granted a lock it stopped waiting for.
func (m *Mutex) release(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != session {
		return
	}
	m.holder = ""
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		if next.abandoned {
			continue
		}
		m.holder = next.session
		delete(m.strikes, next.session)
		close(next.grant)
		return
	}
}

// Holder returns the session currently driving the input devices, or "".
func (m *Mutex) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}

// QueueLen returns the number of sessions still waiting.
func (m *Mutex) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.queue {
		if !w.abandoned {
			n++
		}
	}
	return n
}

// Strikes reports the accumulated timeout strikes for a session.
func (m *Mutex) Strikes(session string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strikes[session]
}

// InCooldown reports whether the session is currently parked.
func (m *Mutex) InCooldown(session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.cooldown[session]
	return ok && m.now().Before(until)
}
