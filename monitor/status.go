package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
)

// Phase classifies an owner's inactivity.
type Phase string

const (
	PhaseNormal        Phase = "normal"
	PhaseReminder      Phase = "reminder"
	PhaseGraceEligible Phase = "grace_eligible"
	PhasePaused        Phase = "paused"
	PhaseMaintenance   Phase = "maintenance"
)

// Thresholds of the derived phases, in percent of the inactivity threshold.
const (
	reminderPercentage = 75
	gracePercentage    = 100
)

func phaseFor(pct float64) Phase {
	switch {
	case pct >= gracePercentage:
		return PhaseGraceEligible
	case pct >= reminderPercentage:
		return PhaseReminder
	default:
		return PhaseNormal
	}
}

// Status is the inactivity state of one owner at EvaluatedAt.
type Status struct {
	OwnerID     uuid.UUID `json:"ownerId"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
	Phase       Phase     `json:"phase"`

	// LastActivity is the most recent ledger record, or the account creation
	// time when there is none.
	LastActivity        time.Time     `json:"lastActivity"`
	RawElapsed          time.Duration `json:"rawElapsedMs"`
	ExcusedDowntime     time.Duration `json:"excusedDowntimeMs"`
	InactivityDuration  time.Duration `json:"inactivityDurationMs"`
	Threshold           time.Duration `json:"thresholdMs"`
	ThresholdPercentage float64       `json:"thresholdPercentage"`
	TimeRemaining       time.Duration `json:"timeRemainingMs"`

	// HandoverStatus is set while the owner has an active process, or when
	// the owner's latest process completed.
	HandoverStatus      interfaces.HandoverStatus `json:"handoverStatus,omitempty"`
	ProcessID           *uuid.UUID                `json:"processId,omitempty"`
	HandoverInitiatedAt *time.Time                `json:"handoverInitiatedAt,omitempty"`
	HandoverCompletedAt *time.Time                `json:"handoverCompletedAt,omitempty"`
}

// MarshalJSON reports durations in milliseconds.
func (s Status) MarshalJSON() ([]byte, error) {
	type plain Status
	return json.Marshal(struct {
		plain
		RawElapsed         int64 `json:"rawElapsedMs"`
		ExcusedDowntime    int64 `json:"excusedDowntimeMs"`
		InactivityDuration int64 `json:"inactivityDurationMs"`
		Threshold          int64 `json:"thresholdMs"`
		TimeRemaining      int64 `json:"timeRemainingMs"`
	}{
		plain:              plain(s),
		RawElapsed:         s.RawElapsed.Milliseconds(),
		ExcusedDowntime:    s.ExcusedDowntime.Milliseconds(),
		InactivityDuration: s.InactivityDuration.Milliseconds(),
		Threshold:          s.Threshold.Milliseconds(),
		TimeRemaining:      s.TimeRemaining.Milliseconds(),
	})
}

// ComputeStatus measures the owner's inactivity against their threshold.
//
// Closed maintenance and outage windows that started at or after the last
// activity are subtracted from the elapsed time. Open windows are not counted
// until they end. Paused owners and a system in maintenance short-circuit to
// the corresponding phase without measuring.
func (m *Monitor) ComputeStatus(ctx context.Context, ownerID uuid.UUID) (*Status, error) {
	owner, err := m.store.Owners().Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	status := &Status{
		OwnerID:     ownerID,
		EvaluatedAt: now,
		Threshold:   owner.Threshold(),
	}

	if err := m.attachHandover(ctx, status); err != nil {
		return nil, err
	}

	if owner.TrackingPaused(now) {
		status.Phase = PhasePaused
		return status, nil
	}
	maintenance, err := m.inMaintenance(ctx, now)
	if err != nil {
		return nil, err
	}
	if maintenance {
		status.Phase = PhaseMaintenance
		return status, nil
	}

	origin, err := m.ledger.InactivityOrigin(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to determine last activity: %w", err)
	}
	excused, err := m.excusedDowntime(ctx, origin, now)
	if err != nil {
		return nil, err
	}

	status.LastActivity = origin
	status.RawElapsed = now.Sub(origin)
	status.ExcusedDowntime = excused
	status.InactivityDuration = max(0, status.RawElapsed-excused)
	status.ThresholdPercentage = min(100, float64(status.InactivityDuration)/float64(status.Threshold)*100)
	status.TimeRemaining = max(0, status.Threshold-status.InactivityDuration)
	status.Phase = phaseFor(status.ThresholdPercentage)
	return status, nil
}

func (m *Monitor) attachHandover(ctx context.Context, status *Status) error {
	p, err := m.store.Handovers().FindActiveByOwner(ctx, status.OwnerID)
	if errors.Is(err, interfaces.ErrNotFound) {
		p, err = m.lastCompleted(ctx, status.OwnerID)
	}
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	id, initiated := p.ID, p.InitiatedAt
	status.HandoverStatus = p.Status
	status.ProcessID = &id
	status.HandoverInitiatedAt = &initiated
	status.HandoverCompletedAt = p.CompletedAt
	return nil
}

// lastCompleted returns the owner's most recent process if it completed.
func (m *Monitor) lastCompleted(ctx context.Context, ownerID uuid.UUID) (*interfaces.HandoverProcess, error) {
	processes, err := m.store.Handovers().ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(processes) == 0 || processes[0].Status != interfaces.StatusCompleted || processes[0].CompletedAt == nil {
		return nil, nil
	}
	return &processes[0], nil
}

// excusedDowntime sums closed excused windows that started at or after since.
// Windows are clipped to now.
func (m *Monitor) excusedDowntime(ctx context.Context, since, now time.Time) (time.Duration, error) {
	windows, err := m.store.Downtime().ClosedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to load downtime windows: %w", err)
	}
	var total time.Duration
	for _, w := range windows {
		if !w.Status.Excused() || !w.Closed() || w.Start.Before(since) {
			continue
		}
		end := *w.End
		if end.After(now) {
			end = now
		}
		if end.After(w.Start) {
			total += end.Sub(w.Start)
		}
	}
	return total, nil
}

func (m *Monitor) inMaintenance(ctx context.Context, now time.Time) (bool, error) {
	w, err := m.store.Downtime().Current(ctx, now)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read system status: %w", err)
	}
	return w.Status == interfaces.SystemMaintenance, nil
}
