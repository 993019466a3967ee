package mcp

import (
	"context"
	"math"
	"time"
)

// FailureRecord tracks one failed server for backoff scheduling.
type FailureRecord struct {
	FirstFailure time.Time
	LastAttempt  time.Time
	Attempts     int
	LastError    string
}

// NextAttemptAt returns when the next reconnect attempt becomes due
// under the given schedule.
func (r *FailureRecord) NextAttemptAt(cfg ReconnectSchedule) time.Time {
	return r.LastAttempt.Add(cfg.Delay(r.Attempts))
}

// ReconnectSchedule computes exponential backoff delays.
type ReconnectSchedule struct {
	Base        time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

// Delay returns the wait after the given number of failed attempts:
// base x multiplier^(attempts-1), capped at MaxInterval.
func (s ReconnectSchedule) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(s.Base) * math.Pow(s.Multiplier, float64(attempts-1)))
	if d > s.MaxInterval || d < 0 {
		return s.MaxInterval
	}
	return d
}

// schedule builds the effective schedule from config.
func (m *Manager) schedule() ReconnectSchedule {
	return ReconnectSchedule{
		Base:        m.reconnect.Base,
		Multiplier:  m.reconnect.Multiplier,
		MaxInterval: m.reconnect.MaxInterval,
	}
}

// recordFailure updates the failure record for a server after a failed
// connect attempt.
func (m *Manager) recordFailure(name string, err error) {
	now := m.clock()
	m.mu.Lock()
	rec, ok := m.failures[name]
	if !ok {
		rec = &FailureRecord{FirstFailure: now}
		m.failures[name] = rec
	}
	rec.LastAttempt = now
	rec.Attempts++
	rec.LastError = err.Error()
	m.mu.Unlock()
}

// FailedServers returns a snapshot of the current failure records.
func (m *Manager) FailedServers() map[string]FailureRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]FailureRecord, len(m.failures))
	for name, rec := range m.failures {
		out[name] = *rec
	}
	return out
}

// ReconnectReport summarizes one sweep over the failed servers.
type ReconnectReport struct {
	Attempted      []string `json:"attempted"`
	Reconnected    []string `json:"reconnected"`
	StillFailed    []string `json:"still_failed"`
	SkippedBackoff []string `json:"skipped_backoff"`
}

// Reconnect attempts to revive failed servers. Servers whose backoff
// window has not elapsed are skipped unless force is set.
func (m *Manager) Reconnect(ctx context.Context, force bool) ReconnectReport {
	sched := m.schedule()
	now := m.clock()

	m.mu.RLock()
	due := make([]string, 0, len(m.failures))
	skipped := make([]string, 0)
	for name, rec := range m.failures {
		if force || !now.Before(rec.NextAttemptAt(sched)) {
			due = append(due, name)
		} else {
			skipped = append(skipped, name)
		}
	}
	m.mu.RUnlock()

	report := ReconnectReport{SkippedBackoff: skipped}
	for _, name := range due {
		report.Attempted = append(report.Attempted, name)
		if err := m.InitializeServer(ctx, name); err != nil {
			report.StillFailed = append(report.StillFailed, name)
			m.logger.Debug("reconnect attempt failed",
				"server", name, "error", err)
			continue
		}
		report.Reconnected = append(report.Reconnected, name)
		m.logger.Info("tool server reconnected", "server", name)
	}
	return report
}

// StartBackgroundReconnect runs periodic reconnect sweeps until the
// context is cancelled. Opt-in via config; the sweep interval is the
// backoff base so a due server is retried within one base interval of
// becoming eligible.
func (m *Manager) StartBackgroundReconnect(ctx context.Context) {
	if !m.reconnect.Background {
		return
	}
	go func() {
		ticker := time.NewTicker(m.reconnect.Base)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Reconnect(ctx, false)
			}
		}
	}()
}
