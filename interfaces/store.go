package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OwnerStore persists owners.
type OwnerStore interface {
	Create(ctx context.Context, owner *Owner) error
	Get(ctx context.Context, id uuid.UUID) (*Owner, error)
	Update(ctx context.Context, owner *Owner) error

	// UpdateLastLogin advances the owner's last-seen marker. Older timestamps are ignored.
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error

	// ListActive returns owners whose tracking is not paused at now, ordered by ID,
	// starting strictly after afterID. Pass uuid.Nil to start from the beginning.
	ListActive(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]Owner, error)
}

// ActivityStore is the append-only backing store of the activity ledger.
type ActivityStore interface {
	Append(ctx context.Context, record *ActivityRecord) error

	// Latest returns the most recent record for the owner or ErrNotFound.
	Latest(ctx context.Context, ownerID uuid.UUID) (*ActivityRecord, error)

	// InRange returns records with from <= Timestamp < to in ascending timestamp order.
	InRange(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]ActivityRecord, error)
}

// DowntimeStore holds declared downtime windows.
type DowntimeStore interface {
	Create(ctx context.Context, window *DowntimeWindow) error

	// Close records the end of an open window.
	Close(ctx context.Context, id uuid.UUID, end time.Time) error

	// ClosedSince returns closed maintenance and outage windows that started at or after since.
	ClosedSince(ctx context.Context, since time.Time) ([]DowntimeWindow, error)

	// Current returns the window covering now, or ErrNotFound when the system is operational.
	Current(ctx context.Context, now time.Time) (*DowntimeWindow, error)
}

// SuccessorStore persists successors.
type SuccessorStore interface {
	Create(ctx context.Context, successor *Successor) error
	Get(ctx context.Context, id uuid.UUID) (*Successor, error)
	GetByToken(ctx context.Context, token string) (*Successor, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Successor, error)
	Update(ctx context.Context, successor *Successor) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// HandoverStore persists handover processes.
type HandoverStore interface {
	// Create inserts a new process. It returns ErrConflict when the owner already
	// has an active process.
	Create(ctx context.Context, process *HandoverProcess) error

	Get(ctx context.Context, id uuid.UUID) (*HandoverProcess, error)

	// FindActiveByOwner returns the owner's non-terminal process or ErrNotFound.
	FindActiveByOwner(ctx context.Context, ownerID uuid.UUID) (*HandoverProcess, error)

	// ListByOwner returns the owner's processes, most recently initiated first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]HandoverProcess, error)

	// ListExpiredGracePeriods returns processes still in the grace period whose
	// GracePeriodEnds is not after now.
	ListExpiredGracePeriods(ctx context.Context, now time.Time, limit int) ([]HandoverProcess, error)

	// Transition overwrites the stored process only if its current status equals from.
	// It returns ErrConflict when the stored status differs and ErrNotFound when the
	// process does not exist.
	Transition(ctx context.Context, from HandoverStatus, process *HandoverProcess) error
}

// DeliveryStore records notification deliveries.
type DeliveryStore interface {
	Record(ctx context.Context, delivery *NotificationDelivery) error

	// LastSuccessful returns the most recent sent or delivered notification of the
	// given type for the owner, or ErrNotFound.
	LastSuccessful(ctx context.Context, ownerID uuid.UUID, notificationType NotificationType) (*NotificationDelivery, error)

	ListByProcess(ctx context.Context, processID uuid.UUID) ([]NotificationDelivery, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]NotificationDelivery, error)
}

// Store aggregates the durable entity stores.
type Store interface {
	Owners() OwnerStore
	Activities() ActivityStore
	Downtime() DowntimeStore
	Successors() SuccessorStore
	Handovers() HandoverStore
	Deliveries() DeliveryStore

	// WithTx runs fn inside a transaction. All writes made through tx commit
	// together or not at all.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
