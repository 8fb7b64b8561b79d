package queue

import (
	"context"
	"fmt"
)

// Health thresholds. A queue is unhealthy when its failure rate exceeds
// 10% of finished jobs, its waiting depth exceeds 1000, or more than 100
// jobs are active at once.
const (
	maxFailureRate  = 0.10
	maxWaitingDepth = 1000
	maxActiveCount  = 100
)

// QueueCheck is the health evaluation of one queue.
type QueueCheck struct {
	Healthy     bool         `json:"healthy"`
	Counts      StatusCounts `json:"counts"`
	FailureRate float64      `json:"failureRate"`
	Reason      string       `json:"reason,omitempty"`
}

// HealthReport is the aggregate health of all queues.
type HealthReport struct {
	Healthy bool                  `json:"healthy"`
	Checks  map[string]QueueCheck `json:"checks"`
	Summary string                `json:"summary"`
}

// Health evaluates every configured queue against the thresholds.
func (m *Manager) Health(ctx context.Context) (HealthReport, error) {
	if err := m.ready(); err != nil {
		return HealthReport{}, err
	}

	report := HealthReport{
		Healthy: true,
		Checks:  make(map[string]QueueCheck, len(m.defs)),
	}
	unhealthy := 0

	for name := range m.defs {
		counts, err := m.store.Counts(ctx, name)
		if err != nil {
			report.Healthy = false
			report.Checks[name] = QueueCheck{Healthy: false, Reason: err.Error()}
			unhealthy++
			continue
		}

		check := QueueCheck{Healthy: true, Counts: counts}
		finished := counts.Completed + counts.Failed
		if finished > 0 {
			check.FailureRate = float64(counts.Failed) / float64(finished)
		}

		switch {
		case check.FailureRate > maxFailureRate:
			check.Healthy = false
			check.Reason = fmt.Sprintf("failure rate %.1f%% exceeds %.0f%%",
				check.FailureRate*100, maxFailureRate*100)
		case counts.Waiting > maxWaitingDepth:
			check.Healthy = false
			check.Reason = fmt.Sprintf("waiting depth %d exceeds %d", counts.Waiting, maxWaitingDepth)
		case counts.Active > maxActiveCount:
			check.Healthy = false
			check.Reason = fmt.Sprintf("active count %d exceeds %d", counts.Active, maxActiveCount)
		}

		if !check.Healthy {
			report.Healthy = false
			unhealthy++
		}
		report.Checks[name] = check
	}

	if report.Healthy {
		report.Summary = fmt.Sprintf("all %d queues healthy", len(m.defs))
	} else {
		report.Summary = fmt.Sprintf("%d of %d queues unhealthy", unhealthy, len(m.defs))
	}
	return report, nil
}
