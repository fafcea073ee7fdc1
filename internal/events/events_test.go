package events

import (
	"sync/atomic"
	"testing"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.Publish(LocalEvent{Kind: KindNewGroup, GroupID: []byte("g1")})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.C:
			if ev.Kind != KindNewGroup {
				t.Fatalf("Kind = %s, want %s", ev.Kind, KindNewGroup)
			}
		default:
			t.Fatal("expected event to be delivered")
		}
	}
}

func TestPublishDropsAndCountsLagWhenBufferFull(t *testing.T) {
	b := New()
	s := b.Subscribe()
	defer b.Unsubscribe(s)

	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(LocalEvent{Kind: KindSyncMessage})
	}

	if atomic.LoadInt64(s.Lagged) == 0 {
		t.Fatal("expected lag counter to increment once the buffer filled")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	s := b.Subscribe()
	b.Unsubscribe(s)

	// Publish after unsubscribe should not panic or deliver anywhere.
	b.Publish(LocalEvent{Kind: KindNewGroup})

	if _, ok := <-s.C; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
