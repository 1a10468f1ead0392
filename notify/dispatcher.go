package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/metrics"
)

// Cooldowns is the minimum interval between two successful reminders of the
// same type to the same owner.
type Cooldowns struct {
	First  time.Duration `yaml:"first"`
	Second time.Duration `yaml:"second"`
	Final  time.Duration `yaml:"final"`
}

// DefaultCooldowns are 24h, 12h and 6h for the first, second and final reminder.
var DefaultCooldowns = Cooldowns{
	First:  24 * time.Hour,
	Second: 12 * time.Hour,
	Final:  6 * time.Hour,
}

// For returns the cooldown of a reminder type.
func (c Cooldowns) For(r interfaces.ReminderType) (time.Duration, error) {
	switch r {
	case interfaces.ReminderFirst:
		return c.First, nil
	case interfaces.ReminderSecond:
		return c.Second, nil
	case interfaces.ReminderFinal:
		return c.Final, nil
	default:
		return 0, fmt.Errorf("%w: unknown reminder type %q", interfaces.ErrValidation, r)
	}
}

// Result describes one attempted notification.
type Result struct {
	// Suppressed is set when a reminder was skipped because of its cooldown.
	// Nothing is sent or recorded in that case.
	Suppressed    bool
	NextAllowedAt time.Time

	Delivery *interfaces.NotificationDelivery
}

// Sent reports whether the message was handed to the sender.
func (r *Result) Sent() bool {
	return r.Delivery != nil && r.Delivery.Status.Successful()
}

// AlertReport summarizes a handover alert fan-out.
type AlertReport struct {
	Sent           int
	Failed         int
	ManualFollowup []uuid.UUID
	Deliveries     []interfaces.NotificationDelivery
}

// Dispatcher turns reminders and handover events into messages, enforces
// reminder cooldowns and records every delivery attempt.
//
// Delivery failures are recorded with status failed and never returned as
// errors. Errors are returned only for invalid input and store failures.
type Dispatcher struct {
	store     interfaces.Store
	sender    interfaces.MessageSender
	clock     interfaces.Clock
	log       *slog.Logger
	cooldowns Cooldowns
}

func NewDispatcher(store interfaces.Store, sender interfaces.MessageSender, clock interfaces.Clock, log *slog.Logger, cooldowns Cooldowns) *Dispatcher {
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		sender:    sender,
		clock:     clock,
		log:       log,
		cooldowns: cooldowns,
	}
}

// SendReminder emails the owner an inactivity reminder unless a reminder of
// the same type succeeded within its cooldown.
func (d *Dispatcher) SendReminder(ctx context.Context, ownerID uuid.UUID, reminder interfaces.ReminderType) (*Result, error) {
	cooldown, err := d.cooldowns.For(reminder)
	if err != nil {
		return nil, err
	}
	owner, err := d.store.Owners().Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	notificationType := reminder.NotificationType()

	last, err := d.store.Deliveries().LastSuccessful(ctx, ownerID, notificationType)
	switch {
	case err == nil:
		if next := last.CreatedAt.Add(cooldown); now.Before(next) {
			metrics.RemindersSuppressedTotal.WithLabelValues(reminder.String()).Inc()
			d.log.Debug("Reminder suppressed by cooldown",
				slog.String("owner_id", ownerID.String()),
				slog.String("reminder", reminder.String()),
				slog.Time("next_allowed_at", next))
			return &Result{Suppressed: true, NextAllowedAt: next}, nil
		}
	case errors.Is(err, interfaces.ErrNotFound):
	default:
		return nil, err
	}

	subject, body, err := reminderMessage(reminder, owner)
	if err != nil {
		return nil, err
	}
	delivery, err := d.deliver(ctx, &interfaces.NotificationDelivery{
		OwnerID:          ownerID,
		NotificationType: notificationType,
		Method:           interfaces.MethodEmail,
		Recipient:        owner.Email,
	}, subject, body)
	if err != nil {
		return nil, err
	}
	return &Result{Delivery: delivery, NextAllowedAt: now.Add(cooldown)}, nil
}

// SendHandoverAlert notifies every successor of an owner whose handover left
// the grace period. Verified successors holding an encrypted share receive it
// in the message. The others are recorded for manual follow-up instead of
// being skipped.
func (d *Dispatcher) SendHandoverAlert(ctx context.Context, ownerID uuid.UUID, successors []interfaces.Successor, processID uuid.UUID) (*AlertReport, error) {
	report := &AlertReport{}
	for i := range successors {
		s := &successors[i]
		pid := processID
		delivery := &interfaces.NotificationDelivery{
			OwnerID:           ownerID,
			Recipient:         s.Email,
			HandoverProcessID: &pid,
		}

		if reason := followupReason(s); reason != "" {
			delivery.NotificationType = interfaces.NotificationManualFollowup
			delivery.Method = interfaces.MethodManual
			delivery.Status = interfaces.DeliveryPending
			delivery.ErrorMessage = reason
			delivery.CreatedAt = d.clock.Now()
			if err := d.store.Deliveries().Record(ctx, delivery); err != nil {
				return report, fmt.Errorf("failed to record follow-up: %w", err)
			}
			metrics.NotificationDeliveriesTotal.WithLabelValues(string(delivery.NotificationType), string(delivery.Status)).Inc()
			d.log.Warn("Successor needs manual follow-up",
				slog.String("owner_id", ownerID.String()),
				slog.String("successor_id", s.ID.String()),
				slog.String("reason", reason))
			report.ManualFollowup = append(report.ManualFollowup, s.ID)
			report.Deliveries = append(report.Deliveries, *delivery)
			continue
		}

		subject, body := alertMessage(s, processID)
		delivery.NotificationType = interfaces.NotificationHandoverAlert
		delivery.Method = interfaces.MethodEmail
		recorded, err := d.deliver(ctx, delivery, subject, body)
		if err != nil {
			return report, err
		}
		if recorded.Status.Successful() {
			report.Sent++
		} else {
			report.Failed++
		}
		report.Deliveries = append(report.Deliveries, *recorded)
	}
	return report, nil
}

// SendOwnerNotice informs the owner of a handover event.
func (d *Dispatcher) SendOwnerNotice(ctx context.Context, ownerID uuid.UUID, notificationType interfaces.NotificationType, process *interfaces.HandoverProcess) (*Result, error) {
	owner, err := d.store.Owners().Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	subject, body, err := ownerNotice(notificationType, process)
	if err != nil {
		return nil, err
	}

	delivery := &interfaces.NotificationDelivery{
		OwnerID:          ownerID,
		NotificationType: notificationType,
		Method:           interfaces.MethodEmail,
		Recipient:        owner.Email,
	}
	if process != nil {
		pid := process.ID
		delivery.HandoverProcessID = &pid
	}
	recorded, err := d.deliver(ctx, delivery, subject, body)
	if err != nil {
		return nil, err
	}
	return &Result{Delivery: recorded}, nil
}

// deliver sends one message and records the outcome. Only the store error is
// returned.
func (d *Dispatcher) deliver(ctx context.Context, delivery *interfaces.NotificationDelivery, subject, body string) (*interfaces.NotificationDelivery, error) {
	externalID, sendErr := d.sender.Send(ctx, delivery.Recipient, subject, body)
	if sendErr != nil {
		delivery.Status = interfaces.DeliveryFailed
		delivery.ErrorMessage = sendErr.Error()
		d.log.Error("Notification delivery failed",
			slog.String("owner_id", delivery.OwnerID.String()),
			slog.String("type", delivery.NotificationType.String()),
			"err", sendErr)
	} else {
		delivery.Status = interfaces.DeliverySent
		delivery.ExternalID = externalID
	}
	delivery.CreatedAt = d.clock.Now()

	if err := d.store.Deliveries().Record(ctx, delivery); err != nil {
		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}
	metrics.NotificationDeliveriesTotal.WithLabelValues(delivery.NotificationType.String(), delivery.Status.String()).Inc()
	return delivery, nil
}

func followupReason(s *interfaces.Successor) string {
	switch {
	case !s.Verified:
		return "successor has not verified their contact details"
	case !s.HasShare():
		return "no encrypted share provisioned for successor"
	default:
		return ""
	}
}
