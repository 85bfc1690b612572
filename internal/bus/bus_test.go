package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicKillSwitch)
	defer b.Unsubscribe(sub)

	b.Publish(TopicKillSwitch, KillSwitchEvent{Active: true, Reason: "missing_evidence"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicKillSwitch {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicKillSwitch)
		}
		ks, ok := event.Payload.(KillSwitchEvent)
		if !ok || !ks.Active || ks.Reason != "missing_evidence" {
			t.Fatalf("payload = %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	outboundSub := b.Subscribe("outbound.")
	defer b.Unsubscribe(outboundSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicOutboundBlocked, OutboundEvent{Channel: "telegram", Blocked: true})
	b.Publish(TopicMutexCooldown, MutexCooldownEvent{SessionID: "main", Strikes: 3})

	select {
	case event := <-outboundSub.Ch():
		if event.Topic != TopicOutboundBlocked {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicOutboundBlocked)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for outbound event")
	}

	select {
	case event := <-outboundSub.Ch():
		t.Fatalf("unexpected event on outbound subscription: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("all-topics subscription missed event %d", i)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	// Second unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
