package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
	"gorm.io/gorm"
)

type activityStore struct{ db *gorm.DB }

func (as *activityStore) Append(ctx context.Context, r *interfaces.ActivityRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return translate(as.db.WithContext(ctx).Create(r).Error)
}

func (as *activityStore) Latest(ctx context.Context, ownerID uuid.UUID) (*interfaces.ActivityRecord, error) {
	var r interfaces.ActivityRecord
	err := as.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("occurred_at DESC").
		Take(&r).Error
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (as *activityStore) InRange(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]interfaces.ActivityRecord, error) {
	var records []interfaces.ActivityRecord
	err := as.db.WithContext(ctx).
		Where("owner_id = ? AND occurred_at >= ? AND occurred_at < ?", ownerID, from, to).
		Order("occurred_at ASC").
		Find(&records).Error
	return records, translate(err)
}
