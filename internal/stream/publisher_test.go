package stream

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestEverySubscriberGetsEveryEventInOrder(t *testing.T) {
	p := NewPublisher(PublisherConfig{BufferSize: 16})
	p.Open("conv-1")

	ch1, cancel1 := p.Subscribe("conv-1")
	ch2, cancel2 := p.Subscribe("conv-1")
	defer cancel1()
	defer cancel2()

	for i := 0; i < 5; i++ {
		p.Publish("conv-1", KindTextDelta, TextDelta{Text: fmt.Sprintf("d%d", i)})
	}
	p.Close("conv-1")

	for name, ch := range map[string]<-chan Event{"first": ch1, "second": ch2} {
		events := collect(ch)
		if len(events) != 5 {
			t.Fatalf("%s subscriber got %d events, want 5", name, len(events))
		}
		for i, ev := range events {
			if ev.Type != KindTextDelta {
				t.Errorf("%s event %d type = %s", name, i, ev.Type)
			}
			if ev.Sequence != uint64(i+1) {
				t.Errorf("%s event %d seq = %d, want %d", name, i, ev.Sequence, i+1)
			}
			if got := ev.Payload.(TextDelta).Text; got != fmt.Sprintf("d%d", i) {
				t.Errorf("%s event %d text = %q", name, i, got)
			}
		}
	}
}

func TestSubscribeAfterTerminationYieldsClosedChannel(t *testing.T) {
	p := NewPublisher(PublisherConfig{})
	p.Open("conv-1")
	p.Close("conv-1")

	ch, cancel := p.Subscribe("conv-1")
	defer cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed")
	}
}

func TestSubscribeWithNoTopicYieldsClosedChannel(t *testing.T) {
	p := NewPublisher(PublisherConfig{})
	ch, cancel := p.Subscribe("never-opened")
	defer cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	p := NewPublisher(PublisherConfig{BufferSize: 1})
	p.Open("conv-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			p.Publish("conv-1", KindTextDelta, TextDelta{Text: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked without subscribers")
	}
}

func TestDropOldestKeepsSlowSubscriberAttached(t *testing.T) {
	p := NewPublisher(PublisherConfig{BufferSize: 2, Policy: DropOldest})
	p.Open("conv-1")

	ch, cancel := p.Subscribe("conv-1")
	defer cancel()

	// Nobody reads; buffer fills at 2, older events get dropped.
	for i := 0; i < 10; i++ {
		p.Publish("conv-1", KindTextDelta, TextDelta{Text: fmt.Sprintf("d%d", i)})
	}
	p.Close("conv-1")

	events := collect(ch)
	if len(events) == 0 || len(events) > 2 {
		t.Fatalf("got %d buffered events, want 1-2", len(events))
	}
	// The newest event survives.
	last := events[len(events)-1]
	if got := last.Payload.(TextDelta).Text; got != "d9" {
		t.Errorf("newest surviving event = %q, want d9", got)
	}
}

func TestDisconnectClosesSlowSubscriber(t *testing.T) {
	p := NewPublisher(PublisherConfig{BufferSize: 1, Policy: Disconnect})
	p.Open("conv-1")

	slow, cancelSlow := p.Subscribe("conv-1")
	defer cancelSlow()

	p.Publish("conv-1", KindTextDelta, TextDelta{Text: "a"})
	p.Publish("conv-1", KindTextDelta, TextDelta{Text: "b"}) // overflows, disconnects

	events := collect(slow)
	if len(events) != 1 {
		t.Fatalf("slow subscriber got %d events, want 1 before disconnect", len(events))
	}

	// A fresh subscriber still works.
	fresh, cancelFresh := p.Subscribe("conv-1")
	defer cancelFresh()
	p.Publish("conv-1", KindDone, Done{Outcome: "completed"})
	p.Close("conv-1")
	if got := collect(fresh); len(got) != 1 || got[0].Type != KindDone {
		t.Errorf("fresh subscriber events = %+v, want single done", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	p := NewPublisher(PublisherConfig{})
	p.Open("conv-1")
	_, cancel := p.Subscribe("conv-1")
	cancel()
	cancel()
	p.Close("conv-1")
}

func TestRegistryEnforcesSingleSession(t *testing.T) {
	r := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	s1, err := r.Begin("conv-1", cancel)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := r.Begin("conv-1", cancel); err != ErrTurnActive {
		t.Errorf("second Begin err = %v, want ErrTurnActive", err)
	}
	// Other conversations are unaffected.
	if _, err := r.Begin("conv-2", cancel); err != nil {
		t.Errorf("Begin conv-2: %v", err)
	}

	r.End("conv-1", s1.ID)
	if r.Active("conv-1") {
		t.Error("conv-1 still active after End")
	}
	if _, err := r.Begin("conv-1", cancel); err != nil {
		t.Errorf("Begin after End: %v", err)
	}
}

func TestRegistryStaleEndIgnored(t *testing.T) {
	r := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	s1, _ := r.Begin("conv-1", cancel)
	r.End("conv-1", s1.ID)
	s2, _ := r.Begin("conv-1", cancel)

	r.End("conv-1", s1.ID) // stale
	if !r.Active("conv-1") {
		t.Error("stale End released the new session")
	}
	r.End("conv-1", s2.ID)
}

func TestRegistryCancelFiresSessionCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	if r.Cancel("conv-1") {
		t.Error("Cancel with no session returned true")
	}
	if _, err := r.Begin("conv-1", cancel); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !r.Cancel("conv-1") {
		t.Error("Cancel returned false with active session")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("session context not cancelled")
	}
}
