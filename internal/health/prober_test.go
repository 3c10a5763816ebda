package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTarget struct {
	name    string
	healthy atomic.Bool
	probes  atomic.Int64
}

func (f *fakeTarget) Name() string { return f.name }
func (f *fakeTarget) Health(ctx context.Context) bool {
	f.probes.Add(1)
	return f.healthy.Load()
}

func TestProbeOnceFeedsTracker(t *testing.T) {
	tracker := NewTracker(TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
		CooldownDuration:        time.Minute,
	})

	up := &fakeTarget{name: "alpha"}
	up.healthy.Store(true)
	down := &fakeTarget{name: "beta"}

	p := NewProber(DefaultProberConfig(), tracker, []Probeable{up, down}, nil)
	p.ProbeOnce()

	if up.probes.Load() != 1 || down.probes.Load() != 1 {
		t.Errorf("probe counts = %d, %d", up.probes.Load(), down.probes.Load())
	}
	if tracker.GetStats("alpha").State != StateHealthy {
		t.Errorf("alpha state = %s", tracker.GetStats("alpha").State)
	}
	if tracker.GetStats("beta").State != StateDegraded {
		t.Errorf("beta state = %s", tracker.GetStats("beta").State)
	}
}

func TestProberLoopStops(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	target := &fakeTarget{name: "alpha"}
	target.healthy.Store(true)

	p := NewProber(ProberConfig{Interval: 5 * time.Millisecond, ProbeTimeout: time.Second}, tracker, []Probeable{target}, nil)
	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	if target.probes.Load() == 0 {
		t.Error("prober loop never fired")
	}
}
