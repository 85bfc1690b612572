package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/outpost/internal/audit"
	"github.com/basket/outpost/internal/bus"
	"github.com/basket/outpost/internal/inputmutex"
	"github.com/basket/outpost/internal/shared"
)

// Ticket is one unexpired approval handle presented with a send request.
type Ticket struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Tickets carries both approvals the outbound pipeline demands: one for the
// send itself and one for desktop control.
type Tickets struct {
	OutboundSend   *Ticket `json:"outbound_send,omitempty"`
	DesktopControl *Ticket `json:"desktop_control,omitempty"`
}

// OutboundCheck carries the caller's gate inputs.
type OutboundCheck struct {
	AdvisorApproved   bool
	RiskTier          string
	Intent            string // reply | initiate
	ContainsSensitive bool

	// Bypass flags exist for governance-initiated messages such as the
	// pairing auto-reply. They skip individual gates, never the pipeline.
	BypassAllowlist      bool
	BypassThrottle       bool
	BypassDuplicateGuard bool
	BypassTickets        bool
}

// SendRequest is one outbound attempt.
type SendRequest struct {
	Channel         string
	Destination     string
	Text            string
	SendFingerprint string
	Tickets         Tickets
	Check           OutboundCheck
}

// SendResult is the terminal outcome of one attempt.
type SendResult struct {
	Sent    bool
	Message string
	AuditID string
}

// DirectSender delivers over a network transport, no desktop involved.
type DirectSender interface {
	Send(ctx context.Context, destination, text string) error
}

// DesktopResult is what the desktop delivery path reports back.
type DesktopResult struct {
	Sent     bool
	Message  string
	Evidence *audit.EvidenceBundle
}

// DesktopSender drives the perception-action bridge plus execution agent.
// The caller already holds the input mutex when Send runs.
type DesktopSender interface {
	Send(ctx context.Context, channel, destination, text string) (DesktopResult, error)
}

// Runtime runs the outbound gate pipeline.
type Runtime struct {
	homeDir string
	states  *StateStore
	guards  *guards
	auditor *audit.Log
	mutex   *inputmutex.Mutex
	desktop DesktopSender
	direct  map[string]DirectSender
	bus     *bus.Bus
	logger  *slog.Logger
	now     func() time.Time
}

type RuntimeOptions struct {
	HomeDir string
	States  *StateStore
	Audit   *audit.Log
	Mutex   *inputmutex.Mutex
	Desktop DesktopSender
	Bus     *bus.Bus
	Logger  *slog.Logger
}

func NewRuntime(opts RuntimeOptions) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runtime{
		homeDir: opts.HomeDir,
		states:  opts.States,
		guards:  newGuards(),
		auditor: opts.Audit,
		mutex:   opts.Mutex,
		desktop: opts.Desktop,
		direct:  make(map[string]DirectSender),
		bus:     opts.Bus,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// RegisterDirectSender attaches a transport for a non-desktop channel.
func (r *Runtime) RegisterDirectSender(channel string, sender DirectSender) {
	r.direct[channel] = sender
}

// EvictGuardState drops stale throttle/dedup entries. Housekeeping hook.
func (r *Runtime) EvictGuardState() int {
	return r.guards.evict(ReadPolicy(r.homeDir))
}

// SendMessage runs the gates strictly in order, stopping and auditing at the
// first failure. Every terminal outcome writes exactly one audit row; an
// empty payload is caller error and writes none.
func (r *Runtime) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.Text == "" {
		return SendResult{}, errors.New("empty payload")
	}

	traceID := shared.TraceID(ctx)
	row := audit.Row{
		TraceID:     traceID,
		Channel:     req.Channel,
		Destination: req.Destination,
		TextPreview: truncate(req.Text, 200),
		RiskTier:    req.Check.RiskTier,
	}
	block := func(message, reason string) (SendResult, error) {
		row.Sent = false
		row.Message = message
		row.Reason = reason
		return r.finish(row)
	}

	// Gate 2: channel capability.
	if !CanSend(req.Channel) {
		return block(
			fmt.Sprintf("channel_send_blocked:%s:INBOUND_ONLY channels are receive-only", req.Channel),
			"channel_blocked")
	}

	// Gate 3: arch-advisor approval flag.
	row.AdvisorApproved = req.Check.AdvisorApproved
	if !req.Check.AdvisorApproved {
		return block("outbound_blocked:arch_advisor_denied", "arch_advisor_denied")
	}

	// Gate 4: approval tickets, both kinds, unexpired.
	if !req.Check.BypassTickets {
		if slug := r.checkTickets(req.Tickets); slug != "" {
			return block("outbound_blocked:"+slug, slug)
		}
	}

	// Gate 5: allowlist membership.
	row.TargetInAllowlist = req.Check.BypassAllowlist ||
		r.states.IsSenderAllowed(req.Channel, req.Destination)
	if !row.TargetInAllowlist {
		return block(
			fmt.Sprintf("outbound_blocked:target_not_in_allowlist:%s", req.Channel),
			"allowlist_denied")
	}

	// Gate 6: relationship-tier rules.
	tier := TierOwner
	if !req.Check.BypassAllowlist {
		tier, _ = r.states.ContactTier(req.Channel, req.Destination)
	}
	if tier == TierFriend {
		intent := req.Check.Intent
		if intent == "" {
			intent = "initiate"
		}
		if intent != "reply" {
			return block("outbound_blocked:friend_tier_can_only_reply", "allowlist_denied")
		}
		if req.Check.ContainsSensitive {
			return block("outbound_blocked:friend_tier_sensitive_content_denied", "allowlist_denied")
		}
	}

	policy := ReadPolicy(r.homeDir)

	// Gate 7: rate throttle.
	if !req.Check.BypassThrottle {
		if slug := r.guards.checkThrottle(req.Channel, req.Destination, policy); slug != "" {
			return block("outbound_blocked:"+slug, "throttled")
		}
	}

	// Gate 8: duplicate payload.
	if !req.Check.BypassDuplicateGuard {
		if slug := r.guards.checkDuplicatePayload(req.Channel, req.Destination, req.Text, policy); slug != "" {
			return block("outbound_blocked:"+slug, "duplicate_payload")
		}
	}

	// Gate 9: caller-supplied send fingerprint.
	if slug := r.guards.checkFingerprint(req.SendFingerprint); slug != "" {
		return block("outbound_blocked:"+slug, "duplicate_send_fingerprint")
	}

	// Gate 10: delivery.
	if IsDesktop(req.Channel) {
		return r.sendDesktop(ctx, req, row)
	}
	return r.sendDirect(ctx, req, row)
}

func (r *Runtime) checkTickets(tickets Tickets) string {
	now := r.now()
	for _, ticket := range []*Ticket{tickets.OutboundSend, tickets.DesktopControl} {
		if ticket == nil || ticket.Token == "" {
			return "approval_ticket_missing"
		}
		if !now.Before(ticket.ExpiresAt) {
			return "approval_ticket_expired"
		}
	}
	return ""
}

func (r *Runtime) sendDirect(ctx context.Context, req SendRequest, row audit.Row) (SendResult, error) {
	sender, ok := r.direct[req.Channel]
	if !ok {
		row.Message = fmt.Sprintf("outbound_blocked:transport_unavailable:%s", req.Channel)
		row.Reason = "transport_unavailable"
		return r.finish(row)
	}
	if err := sender.Send(ctx, req.Destination, req.Text); err != nil {
		r.logger.Warn("direct send failed",
			"channel", req.Channel, "error", err, "trace_id", row.TraceID)
		row.Message = "outbound_failed:transport_error"
		row.Reason = "transport_error"
		return r.finish(row)
	}
	row.Sent = true
	row.Message = "outbound_sent"
	row.Reason = "sent"
	return r.finish(row)
}

func (r *Runtime) sendDesktop(ctx context.Context, req SendRequest, row audit.Row) (SendResult, error) {
	row.Desktop = true
	session := shared.SessionID(ctx)

	release, err := r.mutex.Acquire(ctx, session)
	if err != nil {
		switch {
		case errors.Is(err, inputmutex.ErrTimeout):
			row.Message = "outbound_blocked:input_mutex_timeout"
			row.Reason = "input_mutex_timeout"
		case errors.Is(err, inputmutex.ErrCooldown):
			row.Message = "outbound_blocked:input_mutex_cooldown"
			row.Reason = "input_mutex_cooldown"
		default:
			row.Message = "outbound_blocked:input_mutex_unavailable"
			row.Reason = "input_mutex_unavailable"
		}
		return r.finish(row)
	}
	// The mutex must come back on every path, including agent panics.
	defer release()

	if r.desktop == nil {
		row.Message = "outbound_blocked:desktop_sender_unavailable"
		row.Reason = "desktop_sender_unavailable"
		return r.finish(row)
	}

	result, err := r.desktop.Send(ctx, req.Channel, req.Destination, req.Text)
	if err != nil {
		// External agent failures are degraded outcomes, never fatal.
		r.logger.Warn("desktop send failed",
			"channel", req.Channel, "error", err, "trace_id", row.TraceID)
		row.Message = "outbound_degraded:desktop_execution_failure"
		row.Reason = "desktop_send_failed"
		return r.finish(row)
	}
	row.Sent = result.Sent
	row.Message = result.Message
	row.Evidence = result.Evidence
	if result.Sent {
		row.Reason = "sent"
	} else {
		row.Reason = "desktop_send_failed"
	}
	return r.finish(row)
}

// finish writes the single audit row for the attempt and mirrors the outcome
// onto the bus. Recording runs the evidence downgrade, so the returned
// result reflects the persisted row, not the raw one.
func (r *Runtime) finish(row audit.Row) (SendResult, error) {
	recorded, err := r.auditor.Record(row)
	if err != nil {
		return SendResult{}, fmt.Errorf("record outbound audit: %w", err)
	}
	if r.bus != nil {
		topic := bus.TopicOutboundSent
		reason := ""
		if !recorded.Sent {
			topic = bus.TopicOutboundBlocked
			reason = recorded.Reason
		}
		r.bus.Publish(topic, bus.OutboundEvent{
			Channel:     recorded.Channel,
			Destination: recorded.Destination,
			Blocked:     !recorded.Sent,
			Reason:      reason,
		})
	}
	return SendResult{Sent: recorded.Sent, Message: recorded.Message, AuditID: recorded.ID}, nil
}

// InboundMessage is one message received on any channel.
type InboundMessage struct {
	Channel        string
	SenderID       string
	ConversationID string
	DisplayName    string
	Text           string
}

// Callbacks receive inbound traffic and pairing requests.
type Callbacks struct {
	OnInbound       func(msg InboundMessage)
	OnPairRequested func(pair PairRequest)
}

// HandleInbound routes a received message: allowlisted senders flow to the
// inbound callback; unknown senders get a pending pair request and a pairing
// auto-reply that passes through the full outbound pipeline.
func (r *Runtime) HandleInbound(ctx context.Context, msg InboundMessage, callbacks Callbacks) error {
	if r.states.IsSenderAllowed(msg.Channel, msg.SenderID) {
		if callbacks.OnInbound != nil {
			callbacks.OnInbound(msg)
		}
		return nil
	}

	pair, err := r.states.EnsurePairRequest(msg.Channel, msg.SenderID, msg.DisplayName, msg.Text)
	if err != nil {
		return fmt.Errorf("ensure pair request: %w", err)
	}
	if callbacks.OnPairRequested != nil {
		callbacks.OnPairRequested(pair)
	}

	if r.bus != nil {
		r.bus.Publish(bus.TopicPairingRequest, pair)
	}

	destination := msg.ConversationID
	if destination == "" {
		destination = msg.SenderID
	}
	_, err = r.SendMessage(ctx, SendRequest{
		Channel:     msg.Channel,
		Destination: destination,
		Text:        "This contact is not paired yet. Ask the owner to approve pairing request " + pair.ID + ".",
		Check: OutboundCheck{
			AdvisorApproved:      true,
			RiskTier:             "light",
			Intent:               "reply",
			BypassAllowlist:      true,
			BypassThrottle:       true,
			BypassDuplicateGuard: true,
			BypassTickets:        true,
		},
	})
	if err != nil {
		r.logger.Warn("pairing auto-reply failed", "channel", msg.Channel, "error", err)
	}
	return nil
}
