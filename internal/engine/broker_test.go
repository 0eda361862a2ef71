package engine_test

import (
	"testing"

	"github.com/seantiz/simforge/internal/engine"
	"github.com/seantiz/simforge/internal/model"
)

func event(label string) model.ProgressEvent {
	return model.ProgressEvent{Phase: model.PhaseRunning, Label: label}
}

func TestProgressBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewProgressBroker()
	ch, unsub := b.Subscribe("b1")
	defer unsub()

	labels := []string{"a", "b", "c"}
	for _, l := range labels {
		b.Publish("b1", event(l))
	}
	b.Close("b1")

	var got []string
	for ev := range ch {
		got = append(got, ev.Label)
	}

	if len(got) != len(labels) {
		t.Fatalf("got %d events, want %d", len(got), len(labels))
	}
	for i, l := range got {
		if l != labels[i] {
			t.Errorf("event[%d] = %q, want %q", i, l, labels[i])
		}
	}
}

func TestProgressBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewProgressBroker()
	ch1, unsub1 := b.Subscribe("b1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("b1")
	defer unsub2()

	b.Publish("b1", event("hello"))
	b.Close("b1")

	for i, ch := range []<-chan model.ProgressEvent{ch1, ch2} {
		var got []string
		for ev := range ch {
			got = append(got, ev.Label)
		}
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("subscriber %d got %v, want [hello]", i+1, got)
		}
	}
}

func TestProgressBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewProgressBroker()
	b.Publish("b1", event("early"))
	b.Close("b1")

	ch, unsub := b.Subscribe("b1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber channel should be closed")
	}
}

func TestProgressBrokerTopicsAreIsolated(t *testing.T) {
	b := engine.NewProgressBroker()
	ch, unsub := b.Subscribe("b1")
	defer unsub()

	b.Publish("b2", event("other"))
	b.Close("b1")

	for ev := range ch {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestProgressBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewProgressBroker()
	ch, unsub := b.Subscribe("b1")
	defer unsub()

	for range 1000 {
		b.Publish("b1", event("x"))
	}
	b.Close("b1")

	n := 0
	for range ch {
		n++
	}
	if n == 0 || n >= 1000 {
		t.Errorf("received %d events, want a bounded, non-empty prefix", n)
	}
}

func TestProgressBrokerUnsubscribe(t *testing.T) {
	b := engine.NewProgressBroker()
	ch, unsub := b.Subscribe("b1")
	unsub()

	b.Publish("b1", event("after"))
	select {
	case ev := <-ch:
		t.Errorf("received %+v after unsubscribe", ev)
	default:
	}
}
