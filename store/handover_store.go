package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
	"gorm.io/gorm"
)

type handoverStore struct{ db *gorm.DB }

// Create relies on the unique index over active_owner_id to reject a second
// active process for the same owner.
func (hs *handoverStore) Create(ctx context.Context, p *interfaces.HandoverProcess) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.SyncActiveSlot()
	return translate(hs.db.WithContext(ctx).Create(p).Error)
}

func (hs *handoverStore) Get(ctx context.Context, id uuid.UUID) (*interfaces.HandoverProcess, error) {
	var p interfaces.HandoverProcess
	if err := hs.db.WithContext(ctx).Take(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (hs *handoverStore) FindActiveByOwner(ctx context.Context, ownerID uuid.UUID) (*interfaces.HandoverProcess, error) {
	var p interfaces.HandoverProcess
	if err := hs.db.WithContext(ctx).Take(&p, "active_owner_id = ?", ownerID).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (hs *handoverStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]interfaces.HandoverProcess, error) {
	var processes []interfaces.HandoverProcess
	err := hs.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("initiated_at DESC").
		Find(&processes).Error
	return processes, translate(err)
}

func (hs *handoverStore) ListExpiredGracePeriods(ctx context.Context, now time.Time, limit int) ([]interfaces.HandoverProcess, error) {
	var processes []interfaces.HandoverProcess
	err := hs.db.WithContext(ctx).
		Where("status = ? AND grace_period_ends <= ?", string(interfaces.StatusGracePeriod), now).
		Order("grace_period_ends ASC").
		Scopes(limitTo(limit)).
		Find(&processes).Error
	return processes, translate(err)
}

func (hs *handoverStore) Transition(ctx context.Context, from interfaces.HandoverStatus, p *interfaces.HandoverProcess) error {
	p.SyncActiveSlot()
	res := hs.db.WithContext(ctx).
		Model(p).
		Where("status = ?", string(from)).
		Select("*").
		Omit("id", "owner_id", "initiated_at").
		Updates(p)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := hs.Get(ctx, p.ID); err != nil {
			return err
		}
		return interfaces.ErrConflict
	}
	return nil
}
