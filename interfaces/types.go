package interfaces

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MinInactivityThresholdDays is the shortest inactivity threshold an owner may configure.
	MinInactivityThresholdDays = 30
	// MaxInactivityThresholdDays is the longest inactivity threshold an owner may configure.
	MaxInactivityThresholdDays = 365
	// DefaultInactivityThresholdDays applies when an owner is created without an explicit threshold.
	DefaultInactivityThresholdDays = 90
)

// Metadata is an opaque key/value map. The ledger signs it as-is and never interprets it.
type Metadata map[string]any

// ActivityType enumerates the owner actions the ledger records.
type ActivityType string

const (
	ActivityLogin               ActivityType = "login"
	ActivityVaultAccess         ActivityType = "vault-access"
	ActivitySettingsChange      ActivityType = "settings-change"
	ActivityManualCheckin       ActivityType = "manual-checkin"
	ActivityAPIRequest          ActivityType = "api-request"
	ActivitySuccessorManagement ActivityType = "successor-management"
	ActivityHandoverCancelled   ActivityType = "handover-cancelled"
)

// Valid reports whether t is one of the known activity types.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityLogin, ActivityVaultAccess, ActivitySettingsChange, ActivityManualCheckin,
		ActivityAPIRequest, ActivitySuccessorManagement, ActivityHandoverCancelled:
		return true
	default:
		return false
	}
}

func (t ActivityType) String() string {
	return string(t)
}

// ParseActivityType converts a string into an ActivityType.
func ParseActivityType(s string) (ActivityType, error) {
	t := ActivityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown activity type %q", ErrValidation, s)
	}
	return t, nil
}

// Client types reported by callers. The set is open: the ledger records whatever it is given.
const (
	ClientWeb    = "web"
	ClientMobile = "mobile"
	ClientAPI    = "api"
	ClientCLI    = "cli"
	ClientSystem = "system"
)

// SystemStatus is the operational state declared by a downtime window.
type SystemStatus string

const (
	SystemOperational SystemStatus = "operational"
	SystemMaintenance SystemStatus = "maintenance"
	SystemOutage      SystemStatus = "outage"
)

// Valid reports whether s is a known system status.
func (s SystemStatus) Valid() bool {
	switch s {
	case SystemOperational, SystemMaintenance, SystemOutage:
		return true
	default:
		return false
	}
}

// Excused reports whether inactivity during a window of this status is not held against owners.
func (s SystemStatus) Excused() bool {
	switch s {
	case SystemMaintenance, SystemOutage:
		return true
	case SystemOperational:
		return false
	default:
		return false
	}
}

func (s SystemStatus) String() string {
	return string(s)
}

// HandoverStatus is the state of a handover process.
type HandoverStatus string

const (
	StatusGracePeriod         HandoverStatus = "grace_period"
	StatusAwaitingSuccessors  HandoverStatus = "awaiting_successors"
	StatusVerificationPending HandoverStatus = "verification_pending"
	StatusReadyForTransfer    HandoverStatus = "ready_for_transfer"
	StatusCompleted           HandoverStatus = "completed"
	StatusCancelled           HandoverStatus = "cancelled"
)

// Valid reports whether s is a known handover status.
func (s HandoverStatus) Valid() bool {
	switch s {
	case StatusGracePeriod, StatusAwaitingSuccessors, StatusVerificationPending,
		StatusReadyForTransfer, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s HandoverStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusGracePeriod, StatusAwaitingSuccessors, StatusVerificationPending, StatusReadyForTransfer:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s HandoverStatus) CanTransitionTo(next HandoverStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	switch s {
	case StatusGracePeriod:
		return next == StatusAwaitingSuccessors
	case StatusAwaitingSuccessors:
		return next == StatusVerificationPending
	case StatusVerificationPending:
		return next == StatusReadyForTransfer
	case StatusReadyForTransfer:
		return next == StatusCompleted
	default:
		return false
	}
}

func (s HandoverStatus) String() string {
	return string(s)
}

// ReminderType is the escalation level of an inactivity reminder.
type ReminderType string

const (
	ReminderFirst  ReminderType = "first"
	ReminderSecond ReminderType = "second"
	ReminderFinal  ReminderType = "final"
)

// Valid reports whether r is a known reminder type.
func (r ReminderType) Valid() bool {
	switch r {
	case ReminderFirst, ReminderSecond, ReminderFinal:
		return true
	default:
		return false
	}
}

// Threshold returns the inactivity percentage at which the reminder becomes due.
func (r ReminderType) Threshold() float64 {
	switch r {
	case ReminderFirst:
		return 75
	case ReminderSecond:
		return 85
	case ReminderFinal:
		return 95
	default:
		return 0
	}
}

// NotificationType maps the reminder onto its delivery record type.
func (r ReminderType) NotificationType() NotificationType {
	switch r {
	case ReminderFirst:
		return NotificationFirstReminder
	case ReminderSecond:
		return NotificationSecondReminder
	case ReminderFinal:
		return NotificationFinalReminder
	default:
		return ""
	}
}

func (r ReminderType) String() string {
	return string(r)
}

// ReminderForPercentage returns the highest reminder band reached by pct.
// The boolean is false below the first band.
func ReminderForPercentage(pct float64) (ReminderType, bool) {
	switch {
	case pct >= ReminderFinal.Threshold():
		return ReminderFinal, true
	case pct >= ReminderSecond.Threshold():
		return ReminderSecond, true
	case pct >= ReminderFirst.Threshold():
		return ReminderFirst, true
	default:
		return "", false
	}
}

// NotificationType enumerates every message the dispatcher can emit.
type NotificationType string

const (
	NotificationFirstReminder     NotificationType = "first_reminder"
	NotificationSecondReminder    NotificationType = "second_reminder"
	NotificationFinalReminder     NotificationType = "final_reminder"
	NotificationHandoverInitiated NotificationType = "handover_initiated"
	NotificationHandoverCancelled NotificationType = "handover_cancelled"
	NotificationHandoverAlert     NotificationType = "handover_alert"
	NotificationManualFollowup    NotificationType = "manual_followup"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationFirstReminder, NotificationSecondReminder, NotificationFinalReminder,
		NotificationHandoverInitiated, NotificationHandoverCancelled,
		NotificationHandoverAlert, NotificationManualFollowup:
		return true
	default:
		return false
	}
}

func (t NotificationType) String() string {
	return string(t)
}

// DeliveryStatus is the outcome of a single message delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
)

// Successful reports whether the delivery counts towards reminder cooldowns.
func (s DeliveryStatus) Successful() bool {
	switch s {
	case DeliverySent, DeliveryDelivered:
		return true
	case DeliveryPending, DeliveryFailed, DeliveryBounced:
		return false
	default:
		return false
	}
}

func (s DeliveryStatus) String() string {
	return string(s)
}

// DeliveryMethod is the channel a notification went out on.
type DeliveryMethod string

const (
	MethodEmail  DeliveryMethod = "email"
	MethodSMS    DeliveryMethod = "sms"
	MethodManual DeliveryMethod = "manual"
)

// SuccessorResponse is a successor's answer to a handover alert.
type SuccessorResponse string

const (
	ResponseConfirmed SuccessorResponse = "confirmed"
	ResponseDeclined  SuccessorResponse = "declined"
)

// Valid reports whether r is a known response.
func (r SuccessorResponse) Valid() bool {
	switch r {
	case ResponseConfirmed, ResponseDeclined:
		return true
	default:
		return false
	}
}

// Owner is the account whose secrets are protected by the switch.
type Owner struct {
	ID                      uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Email                   string     `gorm:"type:text;not null" json:"email"`
	InactivityThresholdDays int        `gorm:"not null;default:90" json:"inactivityThresholdDays"`
	IsPaused                bool       `gorm:"not null;default:false" json:"isPaused"`
	PausedUntil             *time.Time `json:"pausedUntil,omitempty"`
	LastLoginAt             *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt               time.Time  `gorm:"not null" json:"createdAt"`
}

// Validate checks the owner's configurable fields.
func (o *Owner) Validate() error {
	if o.Email == "" {
		return fmt.Errorf("%w: owner email is required", ErrValidation)
	}
	if o.InactivityThresholdDays < MinInactivityThresholdDays || o.InactivityThresholdDays > MaxInactivityThresholdDays {
		return fmt.Errorf("%w: inactivity threshold must be between %d and %d days",
			ErrValidation, MinInactivityThresholdDays, MaxInactivityThresholdDays)
	}
	return nil
}

// TrackingPaused reports whether inactivity tracking is suspended at now.
// PausedUntil is ignored unless IsPaused is set.
func (o *Owner) TrackingPaused(now time.Time) bool {
	if !o.IsPaused {
		return false
	}
	return o.PausedUntil == nil || o.PausedUntil.After(now)
}

// Threshold returns the inactivity threshold as a duration.
func (o *Owner) Threshold() time.Duration {
	return time.Duration(o.InactivityThresholdDays) * 24 * time.Hour
}

// ActivityRecord is one signed, immutable ledger entry.
type ActivityRecord struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID      uuid.UUID    `gorm:"type:uuid;not null;index:idx_activity_owner_ts,priority:1" json:"ownerId"`
	ActivityType ActivityType `gorm:"type:text;not null" json:"activityType"`
	ClientType   string       `gorm:"type:text;not null" json:"clientType"`
	Timestamp    time.Time    `gorm:"column:occurred_at;not null;index:idx_activity_owner_ts,priority:2" json:"timestamp"`
	Metadata     Metadata     `gorm:"type:text;serializer:json" json:"metadata,omitempty"`
	Signature    string       `gorm:"type:text;not null" json:"signature"`
}

// DowntimeWindow is a declared interval of system unavailability.
type DowntimeWindow struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	Status      SystemStatus `gorm:"type:text;not null" json:"status"`
	Start       time.Time    `gorm:"column:starts_at;not null;index" json:"start"`
	End         *time.Time   `gorm:"column:ends_at" json:"end,omitempty"`
	Description string       `gorm:"type:text" json:"description,omitempty"`
}

// Closed reports whether the window has a recorded end.
func (w *DowntimeWindow) Closed() bool {
	return w.End != nil
}

// Duration returns the length of a closed window, or zero for an open one.
func (w *DowntimeWindow) Duration() time.Duration {
	if w.End == nil || w.End.Before(w.Start) {
		return 0
	}
	return w.End.Sub(w.Start)
}

// Covers reports whether t falls inside the window. Open windows extend indefinitely.
func (w *DowntimeWindow) Covers(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return w.End == nil || t.Before(*w.End)
}

// Successor is a person designated to receive custody of an owner's secrets.
type Successor struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID           uuid.UUID  `gorm:"type:uuid;not null;index" json:"ownerId"`
	Email             string     `gorm:"type:text;not null" json:"email"`
	Name              string     `gorm:"type:text" json:"name,omitempty"`
	VerificationToken string     `gorm:"type:text;not null;uniqueIndex" json:"-"`
	Verified          bool       `gorm:"not null;default:false" json:"verified"`
	VerifiedAt        *time.Time `json:"verifiedAt,omitempty"`
	HandoverDelayDays int        `gorm:"not null;default:0" json:"handoverDelayDays"`
	PublicKey         []byte     `json:"publicKey,omitempty"`
	EncryptedShare    []byte     `json:"-"`
	ShareIndex        int        `gorm:"not null;default:0" json:"shareIndex,omitempty"`
	ShareContentID    string     `gorm:"type:text" json:"shareContentId,omitempty"`
	CreatedAt         time.Time  `gorm:"not null" json:"createdAt"`
}

// HasShare reports whether an encrypted share has been provisioned for the successor.
func (s *Successor) HasShare() bool {
	return len(s.EncryptedShare) > 0
}

// ResponseRecord is a successor's recorded answer within a handover process.
type ResponseRecord struct {
	Response    SuccessorResponse `json:"response"`
	RespondedAt time.Time         `json:"respondedAt"`
}

// HandoverProcess tracks one attempt to transfer custody of an owner's secrets.
//
// ActiveOwnerID mirrors OwnerID while the process is non-terminal and is nil
// otherwise. It carries a unique index so the store itself refuses a second
// active process for the same owner.
type HandoverProcess struct {
	ID                    uuid.UUID                 `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID               uuid.UUID                 `gorm:"type:uuid;not null;index" json:"ownerId"`
	ActiveOwnerID         *uuid.UUID                `gorm:"type:uuid;uniqueIndex" json:"-"`
	Status                HandoverStatus            `gorm:"type:text;not null;index" json:"status"`
	InitiatedAt           time.Time                 `gorm:"not null" json:"initiatedAt"`
	GracePeriodEnds       time.Time                 `gorm:"not null;index" json:"gracePeriodEnds"`
	CancelledAt           *time.Time                `json:"cancelledAt,omitempty"`
	CancellationReason    string                    `gorm:"type:text" json:"cancellationReason,omitempty"`
	CompletedAt           *time.Time                `json:"completedAt,omitempty"`
	RequiredConfirmations int                       `gorm:"not null;default:1" json:"requiredConfirmations"`
	Responses             map[string]ResponseRecord `gorm:"type:text;serializer:json" json:"responses,omitempty"`
	Metadata              Metadata                  `gorm:"type:text;serializer:json" json:"metadata,omitempty"`
	UpdatedAt             time.Time                 `json:"updatedAt"`
}

// IsActive reports whether the process is non-terminal.
func (p *HandoverProcess) IsActive() bool {
	return !p.Status.IsTerminal()
}

// Confirmations counts successors that confirmed the handover.
func (p *HandoverProcess) Confirmations() int {
	n := 0
	for _, r := range p.Responses {
		if r.Response == ResponseConfirmed {
			n++
		}
	}
	return n
}

// SyncActiveSlot keeps ActiveOwnerID consistent with Status.
func (p *HandoverProcess) SyncActiveSlot() {
	if p.IsActive() {
		owner := p.OwnerID
		p.ActiveOwnerID = &owner
		return
	}
	p.ActiveOwnerID = nil
}

// NotificationDelivery is the audit trail of one outbound message.
type NotificationDelivery struct {
	ID                uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID           uuid.UUID        `gorm:"type:uuid;not null;index:idx_delivery_owner_type,priority:1" json:"ownerId"`
	NotificationType  NotificationType `gorm:"type:text;not null;index:idx_delivery_owner_type,priority:2" json:"notificationType"`
	Method            DeliveryMethod   `gorm:"type:text;not null" json:"method"`
	Recipient         string           `gorm:"type:text;not null" json:"recipient"`
	Status            DeliveryStatus   `gorm:"type:text;not null" json:"status"`
	ErrorMessage      string           `gorm:"type:text" json:"errorMessage,omitempty"`
	ExternalID        string           `gorm:"type:text" json:"externalId,omitempty"`
	HandoverProcessID *uuid.UUID       `gorm:"type:uuid;index" json:"handoverProcessId,omitempty"`
	CreatedAt         time.Time        `gorm:"not null" json:"createdAt"`
}
