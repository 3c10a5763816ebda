package health

import (
	"testing"
	"time"

	"github.com/jordanhubbard/quorum/internal/events"
)

func TestStateTransitions(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     3,
		CooldownDuration:        time.Minute,
	})

	tr.RecordError("alpha", "e1")
	if s := tr.GetStats("alpha"); s.State != StateHealthy {
		t.Errorf("state after 1 error = %s", s.State)
	}
	tr.RecordError("alpha", "e2")
	if s := tr.GetStats("alpha"); s.State != StateDegraded {
		t.Errorf("state after 2 errors = %s", s.State)
	}
	tr.RecordError("alpha", "e3")
	if s := tr.GetStats("alpha"); s.State != StateDown {
		t.Errorf("state after 3 errors = %s", s.State)
	}
	if tr.IsAvailable("alpha") {
		t.Error("down provider in cooldown must be unavailable")
	}

	tr.RecordSuccess("alpha", 120)
	if s := tr.GetStats("alpha"); s.State != StateHealthy {
		t.Errorf("state after recovery = %s", s.State)
	}
	if !tr.IsAvailable("alpha") {
		t.Error("recovered provider must be available")
	}
}

func TestUnknownProviderAssumedAvailable(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	if !tr.IsAvailable("never-seen") {
		t.Error("unknown provider must be assumed available")
	}
}

func TestCooldownExpires(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     1,
		CooldownDuration:        time.Millisecond,
	})
	tr.RecordError("alpha", "boom")
	time.Sleep(5 * time.Millisecond)
	if !tr.IsAvailable("alpha") {
		t.Error("provider must become available after cooldown")
	}
}

func TestHealthChangePublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	tr := NewTracker(TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
		CooldownDuration:        time.Minute,
	}, WithEventBus(bus))

	tr.RecordError("alpha", "boom")

	select {
	case e := <-sub.C:
		if e.Type != events.EventHealthChange || e.ProviderID != "alpha" {
			t.Errorf("event = %+v", e)
		}
		if e.OldState != string(StateHealthy) || e.NewState != string(StateDegraded) {
			t.Errorf("states = %s -> %s", e.OldState, e.NewState)
		}
	case <-time.After(time.Second):
		t.Fatal("no health change event")
	}
}

func TestErrorRateAndLatency(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("alpha", 100)
	tr.RecordError("alpha", "x")

	if rate := tr.GetErrorRate("alpha"); rate != 0.5 {
		t.Errorf("error rate = %v, want 0.5", rate)
	}
	if lat := tr.GetAvgLatencyMs("alpha"); lat != 100 {
		t.Errorf("avg latency = %v", lat)
	}
}
