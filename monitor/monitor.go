package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/kvstore"
	"github.com/ruteri/custody-switch/notify"
	"go.uber.org/atomic"
)

// Config controls evaluation and sweep pacing.
type Config struct {
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	InterBatchDelay time.Duration `yaml:"inter_batch_delay"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	// Interval is the period of the internal tick. Zero leaves sweeps to an
	// external scheduler.
	Interval time.Duration `yaml:"interval"`
}

var DefaultConfig = Config{
	BatchSize:       100,
	Concurrency:     8,
	InterBatchDelay: 100 * time.Millisecond,
	LockTTL:         time.Minute,
	Interval:        time.Hour,
}

// Ledger provides the origin of an owner's inactivity clock.
type Ledger interface {
	InactivityOrigin(ctx context.Context, owner *interfaces.Owner) (time.Time, error)
}

// Handover is the part of the orchestrator the monitor drives.
type Handover interface {
	InitiateHandover(ctx context.Context, ownerID uuid.UUID) (*interfaces.HandoverProcess, error)
	CancelHandover(ctx context.Context, ownerID uuid.UUID, reason string) (*interfaces.HandoverProcess, error)
	ProcessExpiredGracePeriods(ctx context.Context, limit int) (int, error)
}

// Reminders sends cooldown-limited inactivity reminders.
type Reminders interface {
	SendReminder(ctx context.Context, ownerID uuid.UUID, reminder interfaces.ReminderType) (*notify.Result, error)
}

// Action is what an evaluation did.
type Action string

const (
	ActionNone       Action = "none"
	ActionReminded   Action = "reminded"
	ActionSuppressed Action = "suppressed"
	ActionInitiated  Action = "initiated"
	ActionCancelled  Action = "cancelled"
)

// Evaluation is the outcome of evaluating one owner.
type Evaluation struct {
	Status    *Status                 `json:"status"`
	Action    Action                  `json:"action"`
	Reminder  interfaces.ReminderType `json:"reminder,omitempty"`
	ProcessID *uuid.UUID              `json:"processId,omitempty"`
}

// Monitor evaluates owners' inactivity and turns it into reminders and
// handover transitions.
type Monitor struct {
	store     interfaces.Store
	ledger    Ledger
	handover  Handover
	reminders Reminders
	locker    interfaces.Locker
	clock     interfaces.Clock
	log       *slog.Logger
	cfg       Config

	sweeping *atomic.Bool
}

// New validates cfg and returns a Monitor. A nil clock or logger falls back
// to the system clock and slog.Default.
func New(store interfaces.Store, ledger Ledger, handover Handover, reminders Reminders, locker interfaces.Locker, clock interfaces.Clock, log *slog.Logger, cfg Config) (*Monitor, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", interfaces.ErrValidation)
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("%w: concurrency must be positive", interfaces.ErrValidation)
	}
	if cfg.LockTTL <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", interfaces.ErrValidation)
	}
	if cfg.InterBatchDelay < 0 {
		return nil, fmt.Errorf("%w: inter-batch delay must not be negative", interfaces.ErrValidation)
	}
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		store:     store,
		ledger:    ledger,
		handover:  handover,
		reminders: reminders,
		locker:    locker,
		clock:     clock,
		log:       log,
		cfg:       cfg,
		sweeping:  atomic.NewBool(false),
	}, nil
}

// LockKey is the KV key that keeps evaluations of one owner from overlapping.
func LockKey(ownerID uuid.UUID) string {
	return "monitor:" + ownerID.String()
}

// Evaluate computes the owner's status and acts on it:
//   - owner activity after a handover started cancels it while in the grace period
//   - 100% with no active process starts a handover, unless the latest
//     process completed and the owner has not been active since
//   - 75%, 85% and 95% request the first, second and final reminder
//
// Paused owners and a system in maintenance are left alone. Evaluations of
// the same owner never overlap; a concurrent one fails with ErrLockHeld.
func (m *Monitor) Evaluate(ctx context.Context, ownerID uuid.UUID) (*Evaluation, error) {
	var ev *Evaluation
	err := kvstore.WithLock(ctx, m.locker, LockKey(ownerID), m.cfg.LockTTL, m.log, func(ctx context.Context) error {
		var err error
		ev, err = m.evaluate(ctx, ownerID)
		return err
	})
	return ev, err
}

func (m *Monitor) evaluate(ctx context.Context, ownerID uuid.UUID) (*Evaluation, error) {
	status, err := m.ComputeStatus(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ev := &Evaluation{Status: status, Action: ActionNone, ProcessID: status.ProcessID}

	switch status.Phase {
	case PhasePaused, PhaseMaintenance:
		return ev, nil
	case PhaseNormal, PhaseReminder, PhaseGraceEligible:
	default:
		return nil, fmt.Errorf("unknown phase %q", status.Phase)
	}

	switch status.HandoverStatus {
	case "":
	case interfaces.StatusCompleted:
		// Custody was handed over. Only activity after completion rearms the switch.
		if !status.LastActivity.After(*status.HandoverCompletedAt) {
			return ev, nil
		}
	default:
		if status.HandoverStatus == interfaces.StatusGracePeriod && status.LastActivity.After(*status.HandoverInitiatedAt) {
			p, err := m.handover.CancelHandover(ctx, ownerID, "owner activity detected")
			if err != nil {
				return nil, err
			}
			if p != nil {
				ev.Action = ActionCancelled
			}
		}
		return ev, nil
	}

	if status.Phase == PhaseGraceEligible {
		p, err := m.handover.InitiateHandover(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		id := p.ID
		ev.Action = ActionInitiated
		ev.ProcessID = &id
		return ev, nil
	}

	reminder, due := interfaces.ReminderForPercentage(status.ThresholdPercentage)
	if !due {
		return ev, nil
	}
	res, err := m.reminders.SendReminder(ctx, ownerID, reminder)
	if err != nil {
		return nil, err
	}
	ev.Reminder = reminder
	if res.Suppressed {
		ev.Action = ActionSuppressed
	} else {
		ev.Action = ActionReminded
	}
	return ev, nil
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", interfaces.ErrValidation)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("Inactivity sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
