package handover

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
	"github.com/ruteri/custody-switch/metrics"
	"github.com/ruteri/custody-switch/notify"
)

// Config holds the timing parameters of the orchestrator.
type Config struct {
	// GracePeriod is the time the owner has to cancel after a handover starts.
	GracePeriod time.Duration `yaml:"grace_period"`
	// LockTTL bounds how long a per-owner lock survives a crashed holder.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// RequiredConfirmations is the number of successor confirmations that
	// make a process ready for transfer.
	RequiredConfirmations int `yaml:"required_confirmations"`
}

var DefaultConfig = Config{
	GracePeriod:           72 * time.Hour,
	LockTTL:               30 * time.Second,
	RequiredConfirmations: 1,
}

// ActivityRecorder appends signed records to the activity ledger.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, ownerID uuid.UUID, activityType interfaces.ActivityType, metadata interfaces.Metadata, clientType string, at time.Time) (*interfaces.ActivityRecord, error)
}

// Notifier delivers the messages emitted on handover transitions.
type Notifier interface {
	SendOwnerNotice(ctx context.Context, ownerID uuid.UUID, notificationType interfaces.NotificationType, process *interfaces.HandoverProcess) (*notify.Result, error)
	SendHandoverAlert(ctx context.Context, ownerID uuid.UUID, successors []interfaces.Successor, processID uuid.UUID) (*notify.AlertReport, error)
}

// Orchestrator drives the handover state machine:
//
//	grace_period -> awaiting_successors -> verification_pending -> ready_for_transfer -> completed
//
// with cancelled reachable from every non-terminal state.
//
// Every mutation holds the owner's lock in the KV store and commits through a
// store transaction whose status write is a compare-and-set against the
// status it read. Messages go out only after the transition has committed.
type Orchestrator struct {
	store    interfaces.Store
	locker   interfaces.Locker
	ledger   ActivityRecorder
	notifier Notifier
	clock    interfaces.Clock
	log      *slog.Logger
	cfg      Config
}

// NewOrchestrator validates cfg and returns an Orchestrator. The ledger and
// notifier may be nil, in which case transitions are neither recorded nor
// announced.
func NewOrchestrator(store interfaces.Store, locker interfaces.Locker, ledger ActivityRecorder, notifier Notifier, clock interfaces.Clock, log *slog.Logger, cfg Config) (*Orchestrator, error) {
	if cfg.GracePeriod <= 0 {
		return nil, fmt.Errorf("%w: grace period must be positive", interfaces.ErrValidation)
	}
	if cfg.LockTTL <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", interfaces.ErrValidation)
	}
	if cfg.RequiredConfirmations < 1 {
		return nil, fmt.Errorf("%w: at least one confirmation is required", interfaces.ErrValidation)
	}
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		locker:   locker,
		ledger:   ledger,
		notifier: notifier,
		clock:    clock,
		log:      log,
		cfg:      cfg,
	}, nil
}

// LockKey is the KV key serializing handover mutations of one owner.
func LockKey(ownerID uuid.UUID) string {
	return "handover:" + ownerID.String()
}

// ActiveProcess returns the owner's non-terminal process or interfaces.ErrNotFound.
func (o *Orchestrator) ActiveProcess(ctx context.Context, ownerID uuid.UUID) (*interfaces.HandoverProcess, error) {
	return o.store.Handovers().FindActiveByOwner(ctx, ownerID)
}

// InitiateHandover starts a grace period for the owner. If a process is
// already active it is returned unchanged.
func (o *Orchestrator) InitiateHandover(ctx context.Context, ownerID uuid.UUID) (*interfaces.HandoverProcess, error) {
	var (
		process *interfaces.HandoverProcess
		created bool
	)
	err := o.mutate(ctx, ownerID, func(tx interfaces.Store) error {
		if _, err := tx.Owners().Get(ctx, ownerID); err != nil {
			return err
		}
		existing, err := tx.Handovers().FindActiveByOwner(ctx, ownerID)
		if err == nil {
			process = existing
			return nil
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			return err
		}

		now := o.clock.Now()
		process = &interfaces.HandoverProcess{
			ID:                    uuid.New(),
			OwnerID:               ownerID,
			Status:                interfaces.StatusGracePeriod,
			InitiatedAt:           now,
			GracePeriodEnds:       now.Add(o.cfg.GracePeriod),
			RequiredConfirmations: o.cfg.RequiredConfirmations,
			Responses:             map[string]interfaces.ResponseRecord{},
			UpdatedAt:             now,
		}
		if err := tx.Handovers().Create(ctx, process); err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, interfaces.ErrConflict) {
		// Another writer won the active slot without holding our lock.
		return o.store.Handovers().FindActiveByOwner(ctx, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initiate handover: %w", err)
	}
	if !created {
		return process, nil
	}

	o.recordTransition(process, "")
	o.notifyOwner(ctx, process, interfaces.NotificationHandoverInitiated)
	return process, nil
}

// CancelHandover cancels the owner's active process, if any, and records a
// handover-cancelled activity so the inactivity clock restarts. Shares already
// released stay released. It returns nil when nothing was active.
func (o *Orchestrator) CancelHandover(ctx context.Context, ownerID uuid.UUID, reason string) (*interfaces.HandoverProcess, error) {
	if reason == "" {
		reason = "cancelled by owner"
	}

	var process *interfaces.HandoverProcess
	var from interfaces.HandoverStatus
	err := o.mutate(ctx, ownerID, func(tx interfaces.Store) error {
		p, err := tx.Handovers().FindActiveByOwner(ctx, ownerID)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := o.clock.Now()
		from = p.Status
		p.Status = interfaces.StatusCancelled
		p.CancelledAt = &now
		p.CancellationReason = reason
		if err := o.transition(ctx, tx, from, p); err != nil {
			return err
		}
		process = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel handover: %w", err)
	}
	if process == nil {
		return nil, nil
	}

	o.recordTransition(process, from)
	o.recordCancellation(ctx, process, from)
	o.notifyOwner(ctx, process, interfaces.NotificationHandoverCancelled)
	return process, nil
}

// recordCancellation appends a handover-cancelled activity, which restarts
// the owner's inactivity clock.
func (o *Orchestrator) recordCancellation(ctx context.Context, p *interfaces.HandoverProcess, from interfaces.HandoverStatus) {
	if o.ledger == nil {
		return
	}
	_, err := o.ledger.RecordActivity(ctx, p.OwnerID, interfaces.ActivityHandoverCancelled, interfaces.Metadata{
		"processId": p.ID.String(),
		"reason":    p.CancellationReason,
		"status":    from.String(),
	}, interfaces.ClientSystem, *p.CancelledAt)
	if err != nil {
		o.log.Error("Failed to record handover cancellation in ledger",
			slog.String("owner_id", p.OwnerID.String()),
			slog.String("process_id", p.ID.String()),
			"err", err)
	}
}

// ProcessGracePeriodExpiration moves a process out of its grace period and
// alerts the owner's successors. It is a no-op for a process in any other
// status, so re-running it is safe.
func (o *Orchestrator) ProcessGracePeriodExpiration(ctx context.Context, processID uuid.UUID) (*interfaces.HandoverProcess, error) {
	current, err := o.store.Handovers().Get(ctx, processID)
	if err != nil {
		return nil, err
	}
	if current.Status != interfaces.StatusGracePeriod {
		return current, nil
	}

	var (
		process    *interfaces.HandoverProcess
		successors []interfaces.Successor
		advanced   bool
	)
	err = o.mutate(ctx, current.OwnerID, func(tx interfaces.Store) error {
		p, err := tx.Handovers().Get(ctx, processID)
		if err != nil {
			return err
		}
		process = p
		if p.Status != interfaces.StatusGracePeriod {
			return nil
		}

		p.Status = interfaces.StatusAwaitingSuccessors
		if err := o.transition(ctx, tx, interfaces.StatusGracePeriod, p); err != nil {
			return err
		}
		successors, err = tx.Successors().ListByOwner(ctx, p.OwnerID)
		if err != nil {
			return err
		}
		advanced = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process grace period expiration: %w", err)
	}
	if !advanced {
		return process, nil
	}

	o.recordTransition(process, interfaces.StatusGracePeriod)
	if o.notifier != nil {
		report, err := o.notifier.SendHandoverAlert(ctx, process.OwnerID, successors, process.ID)
		if err != nil {
			o.log.Error("Failed to alert successors",
				slog.String("process_id", process.ID.String()),
				"err", err)
		} else {
			o.log.Info("Successors alerted",
				slog.String("process_id", process.ID.String()),
				slog.Int("sent", report.Sent),
				slog.Int("failed", report.Failed),
				slog.Int("manual_followup", len(report.ManualFollowup)))
		}
	}
	return process, nil
}

// ProcessSuccessorResponse records a verified successor's answer. The first
// response moves the process from awaiting_successors to verification_pending.
// Reaching the required number of confirmations then makes it ready for
// transfer. When every verified successor has declined the process is
// cancelled and the owner's inactivity clock restarts.
func (o *Orchestrator) ProcessSuccessorResponse(ctx context.Context, processID, successorID uuid.UUID, response interfaces.SuccessorResponse) (*interfaces.HandoverProcess, error) {
	if !response.Valid() {
		return nil, fmt.Errorf("%w: unknown response %q", interfaces.ErrValidation, response)
	}
	current, err := o.store.Handovers().Get(ctx, processID)
	if err != nil {
		return nil, err
	}

	var (
		process *interfaces.HandoverProcess
		from    interfaces.HandoverStatus
		steps   []interfaces.HandoverStatus
	)
	err = o.mutate(ctx, current.OwnerID, func(tx interfaces.Store) error {
		p, err := tx.Handovers().Get(ctx, processID)
		if err != nil {
			return err
		}
		process = p
		from = p.Status
		switch p.Status {
		case interfaces.StatusAwaitingSuccessors, interfaces.StatusVerificationPending:
		case interfaces.StatusGracePeriod, interfaces.StatusReadyForTransfer, interfaces.StatusCompleted, interfaces.StatusCancelled:
			return fmt.Errorf("%w: handover is %s and not accepting responses", interfaces.ErrConflict, p.Status)
		default:
			return fmt.Errorf("%w: unknown handover status %q", interfaces.ErrValidation, p.Status)
		}

		successor, err := tx.Successors().Get(ctx, successorID)
		if err != nil {
			return err
		}
		if successor.OwnerID != p.OwnerID {
			return fmt.Errorf("%w: successor does not belong to this handover", interfaces.ErrValidation)
		}
		if !successor.Verified {
			return fmt.Errorf("%w: successor is not verified", interfaces.ErrValidation)
		}

		key := successorID.String()
		if previous, ok := p.Responses[key]; ok && previous.Response == response {
			return nil
		}
		if p.Responses == nil {
			p.Responses = map[string]interfaces.ResponseRecord{}
		}
		now := o.clock.Now()
		p.Responses[key] = interfaces.ResponseRecord{Response: response, RespondedAt: now}

		successors, err := tx.Successors().ListByOwner(ctx, p.OwnerID)
		if err != nil {
			return err
		}

		status := p.Status
		if status == interfaces.StatusAwaitingSuccessors {
			p.Status = interfaces.StatusVerificationPending
			if err := o.transition(ctx, tx, status, p); err != nil {
				return err
			}
			steps = append(steps, p.Status)
			status = p.Status
		}

		next := nextAfterResponse(p, successors)
		if next == status {
			if len(steps) > 0 {
				return nil
			}
			// Response recorded without a status change.
			return tx.Handovers().Transition(ctx, status, stamp(p, now))
		}
		p.Status = next
		if next == interfaces.StatusCancelled {
			p.CancelledAt = &now
			p.CancellationReason = "all successors declined"
		}
		if err := o.transition(ctx, tx, status, p); err != nil {
			return err
		}
		steps = append(steps, next)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process successor response: %w", err)
	}

	prev := from
	for _, step := range steps {
		o.recordTransition(&interfaces.HandoverProcess{ID: process.ID, OwnerID: process.OwnerID, Status: step}, prev)
		prev = step
	}
	if len(steps) > 0 && process.Status == interfaces.StatusCancelled {
		o.recordCancellation(ctx, process, from)
		o.notifyOwner(ctx, process, interfaces.NotificationHandoverCancelled)
	}
	return process, nil
}

// nextAfterResponse derives the status implied by the recorded responses of
// a process in verification_pending.
func nextAfterResponse(p *interfaces.HandoverProcess, successors []interfaces.Successor) interfaces.HandoverStatus {
	if p.Confirmations() >= p.RequiredConfirmations {
		return interfaces.StatusReadyForTransfer
	}

	pending := 0
	for _, s := range successors {
		if !s.Verified {
			continue
		}
		if _, answered := p.Responses[s.ID.String()]; !answered {
			pending++
		}
	}
	if pending == 0 && p.Confirmations() == 0 {
		return interfaces.StatusCancelled
	}
	return interfaces.StatusVerificationPending
}

// MarkReadyForTransfer releases a verification_pending process that has at
// least one confirmation but fewer than required. It is the manual path used
// after out-of-band verification.
func (o *Orchestrator) MarkReadyForTransfer(ctx context.Context, processID uuid.UUID) (*interfaces.HandoverProcess, error) {
	return o.advance(ctx, processID, interfaces.StatusVerificationPending, interfaces.StatusReadyForTransfer, func(p *interfaces.HandoverProcess) error {
		if p.Confirmations() == 0 {
			return fmt.Errorf("%w: no successor has confirmed", interfaces.ErrConflict)
		}
		return nil
	})
}

// CompleteHandover marks a ready process as completed once transfer is done.
func (o *Orchestrator) CompleteHandover(ctx context.Context, processID uuid.UUID) (*interfaces.HandoverProcess, error) {
	return o.advance(ctx, processID, interfaces.StatusReadyForTransfer, interfaces.StatusCompleted, func(p *interfaces.HandoverProcess) error {
		now := o.clock.Now()
		p.CompletedAt = &now
		return nil
	})
}

// ProcessExpiredGracePeriods advances every process whose grace period has
// ended, up to limit (all when limit <= 0). Failures are logged per process
// and do not stop the batch. It returns how many processes advanced.
func (o *Orchestrator) ProcessExpiredGracePeriods(ctx context.Context, limit int) (int, error) {
	expired, err := o.store.Handovers().ListExpiredGracePeriods(ctx, o.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired grace periods: %w", err)
	}

	advanced := 0
	for _, p := range expired {
		if ctx.Err() != nil {
			return advanced, ctx.Err()
		}
		updated, err := o.ProcessGracePeriodExpiration(ctx, p.ID)
		if err != nil {
			o.log.Warn("Failed to process expired grace period",
				slog.String("process_id", p.ID.String()),
				slog.String("owner_id", p.OwnerID.String()),
				"err", err)
			continue
		}
		if updated.Status == interfaces.StatusAwaitingSuccessors {
			advanced++
		}
	}
	return advanced, nil
}

// advance performs a single guarded step from one status to the next.
func (o *Orchestrator) advance(ctx context.Context, processID uuid.UUID, from, to interfaces.HandoverStatus, check func(p *interfaces.HandoverProcess) error) (*interfaces.HandoverProcess, error) {
	current, err := o.store.Handovers().Get(ctx, processID)
	if err != nil {
		return nil, err
	}

	var process *interfaces.HandoverProcess
	err = o.mutate(ctx, current.OwnerID, func(tx interfaces.Store) error {
		p, err := tx.Handovers().Get(ctx, processID)
		if err != nil {
			return err
		}
		if p.Status != from {
			return fmt.Errorf("%w: handover is %s, expected %s", interfaces.ErrConflict, p.Status, from)
		}
		if err := check(p); err != nil {
			return err
		}
		p.Status = to
		if err := o.transition(ctx, tx, from, p); err != nil {
			return err
		}
		process = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to move handover to %s: %w", to, err)
	}
	o.recordTransition(process, from)
	return process, nil
}

func (o *Orchestrator) mutate(ctx context.Context, ownerID uuid.UUID, fn func(tx interfaces.Store) error) error {
	return kvstore.WithLock(ctx, o.locker, LockKey(ownerID), o.cfg.LockTTL, o.log, func(ctx context.Context) error {
		return o.store.WithTx(ctx, fn)
	})
}

// transition writes p if the state machine allows moving from -> p.Status.
func (o *Orchestrator) transition(ctx context.Context, tx interfaces.Store, from interfaces.HandoverStatus, p *interfaces.HandoverProcess) error {
	if !from.CanTransitionTo(p.Status) {
		return fmt.Errorf("%w: cannot move handover from %s to %s", interfaces.ErrConflict, from, p.Status)
	}
	return tx.Handovers().Transition(ctx, from, stamp(p, o.clock.Now()))
}

func stamp(p *interfaces.HandoverProcess, now time.Time) *interfaces.HandoverProcess {
	p.UpdatedAt = now
	p.SyncActiveSlot()
	return p
}

func (o *Orchestrator) recordTransition(p *interfaces.HandoverProcess, from interfaces.HandoverStatus) {
	metrics.HandoverTransitionsTotal.WithLabelValues(p.Status.String()).Inc()
	attrs := []any{
		slog.String("owner_id", p.OwnerID.String()),
		slog.String("process_id", p.ID.String()),
		slog.String("status", p.Status.String()),
	}
	if from != "" {
		attrs = append(attrs, slog.String("from", from.String()))
	}
	o.log.Info("Handover transition", attrs...)
}

func (o *Orchestrator) notifyOwner(ctx context.Context, p *interfaces.HandoverProcess, t interfaces.NotificationType) {
	if o.notifier == nil {
		return
	}
	if _, err := o.notifier.SendOwnerNotice(ctx, p.OwnerID, t, p); err != nil {
		o.log.Error("Failed to notify owner",
			slog.String("owner_id", p.OwnerID.String()),
			slog.String("type", t.String()),
			"err", err)
	}
}
