package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probeable is implemented by provider adapters that support health probing.
type Probeable interface {
	Name() string
	Health(ctx context.Context) bool
}

// ProberConfig configures the health check prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically probes provider health and feeds results into the
// Tracker, so a provider that went down between debates is already in
// cooldown when the next run selects challengers.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}

	mu      sync.RWMutex
	targets map[string]Probeable // keyed by provider name
}

// NewProber creates a health check prober.
func NewProber(cfg ProberConfig, tracker *Tracker, targets []Probeable, logger *slog.Logger) *Prober {
	m := make(map[string]Probeable, len(targets))
	for _, t := range targets {
		m[t.Name()] = t
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: m,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the probe loop. Call Stop to terminate it.
func (p *Prober) Start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.probeAll()
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

// ProbeOnce probes every target a single time. Exposed for readiness checks.
func (p *Prober) ProbeOnce() {
	p.probeAll()
}

func (p *Prober) probeAll() {
	p.mu.RLock()
	targets := make([]Probeable, 0, len(p.targets))
	for _, t := range p.targets {
		targets = append(targets, t)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Probeable) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
			defer cancel()
			start := time.Now()
			if t.Health(ctx) {
				p.tracker.RecordSuccess(t.Name(), float64(time.Since(start).Milliseconds()))
			} else {
				p.logger.Warn("health probe failed", slog.String("provider", t.Name()))
				p.tracker.RecordError(t.Name(), "health probe failed")
			}
		}(t)
	}
	wg.Wait()
}
