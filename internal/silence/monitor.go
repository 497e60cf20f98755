// Package silence detects the end of an utterance from gaps in inbound audio.
package silence

import (
	"context"
	"sync"
	"time"
)

// Reason explains why a finalize signal fired.
type Reason string

const (
	ReasonSilence     Reason = "silence"
	ReasonMaxDuration Reason = "max_duration"
)

// Config holds the monitor thresholds.
type Config struct {
	Threshold     time.Duration // silence that ends an utterance
	MaxUtterance  time.Duration // absolute cap on one utterance
	CheckInterval time.Duration // how often Run checks the clock
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold:     600 * time.Millisecond,
		MaxUtterance:  45 * time.Second,
		CheckInterval: 100 * time.Millisecond,
	}
}

// Signal asks the coordinator to finalize the given turn.
type Signal struct {
	Turn    uint64
	Reason  Reason
	Silence time.Duration // silence observed when the signal fired
	Elapsed time.Duration // time since the turn was armed
}

// Monitor raises at most one finalize signal per armed turn.
// Observe is driven by fragment arrival, not by decoded samples.
type Monitor struct {
	cfg     Config
	now     func() time.Time
	signals chan Signal

	mu           sync.Mutex
	armed        bool
	turn         uint64
	armedAt      time.Time
	lastActivity time.Time
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = def.MaxUtterance
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	return &Monitor{
		cfg:     cfg,
		now:     time.Now,
		signals: make(chan Signal, 1),
	}
}

// Signals delivers finalize signals.
func (m *Monitor) Signals() <-chan Signal {
	return m.signals
}

// Arm starts watching a new turn. Activity counts from now.
func (m *Monitor) Arm(turn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.armed = true
	m.turn = turn
	m.armedAt = now
	m.lastActivity = now
}

// Disarm stops watching; no signal fires until the next Arm.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
}

// Armed reports whether a turn is being watched.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Observe records inbound activity at the given time.
func (m *Monitor) Observe(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastActivity) {
		m.lastActivity = at
	}
}

// Check evaluates the thresholds at now. When a signal is due it disarms the
// monitor and returns the signal; it never fires twice for one Arm.
func (m *Monitor) Check(now time.Time) (Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.armed {
		return Signal{}, false
	}

	silence := now.Sub(m.lastActivity)
	elapsed := now.Sub(m.armedAt)

	var reason Reason
	switch {
	case elapsed >= m.cfg.MaxUtterance:
		reason = ReasonMaxDuration
	case silence >= m.cfg.Threshold:
		reason = ReasonSilence
	default:
		return Signal{}, false
	}

	m.armed = false
	return Signal{Turn: m.turn, Reason: reason, Silence: silence, Elapsed: elapsed}, true
}

// Run checks periodically until ctx is done, delivering signals on Signals().
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sig, ok := m.Check(m.now())
			if !ok {
				continue
			}
			select {
			case m.signals <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
