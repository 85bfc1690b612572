package approval

import (
	"log/slog"
	"sync"
	"time"

	"github.com/basket/outpost/internal/bus"
	"github.com/basket/outpost/internal/store"
)

const killSwitchDoc = "kill-switch.json"

// KillSwitchState is the persisted switch document.
type KillSwitchState struct {
	Active  bool      `json:"active"`
	Reason  string    `json:"reason,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
	At      time.Time `json:"at"`
}

// KillSwitch is the process-wide hard stop for side effects. Activation
// survives restarts via the persisted document and is announced on the bus
// so status surfaces can react.
type KillSwitch struct {
	mu     sync.Mutex
	repo   store.Repository
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewKillSwitch(repo store.Repository, b *bus.Bus, logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	return &KillSwitch{repo: repo, bus: b, logger: logger, now: time.Now}
}

// State returns the current switch document.
func (k *KillSwitch) State() KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state()
}

func (k *KillSwitch) state() KillSwitchState {
	var st KillSwitchState
	k.repo.Get(killSwitchDoc, &st)
	return st
}

// Active reports whether side effects are currently halted.
func (k *KillSwitch) Active() bool { return k.State().Active }

// Activate halts all side effects. Re-activation updates reason and trace.
func (k *KillSwitch) Activate(reason, traceID string) error {
	k.mu.Lock()
	st := KillSwitchState{Active: true, Reason: reason, TraceID: traceID, At: k.now()}
	err := k.repo.Put(killSwitchDoc, st)
	k.mu.Unlock()
	if err != nil {
		return err
	}
	k.logger.Warn("kill switch activated", "reason", reason, "trace_id", traceID)
	if k.bus != nil {
		k.bus.Publish(bus.TopicKillSwitch, bus.KillSwitchEvent{Active: true, Reason: reason})
	}
	return nil
}

// Release clears the switch and announces "running".
func (k *KillSwitch) Release() error {
	k.mu.Lock()
	st := KillSwitchState{Active: false, At: k.now()}
	err := k.repo.Put(killSwitchDoc, st)
	k.mu.Unlock()
	if err != nil {
		return err
	}
	k.logger.Info("kill switch released")
	if k.bus != nil {
		k.bus.Publish(bus.TopicKillSwitch, bus.KillSwitchEvent{Active: false})
	}
	return nil
}
