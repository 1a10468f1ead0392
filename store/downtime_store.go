package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
	"gorm.io/gorm"
)

type downtimeStore struct{ db *gorm.DB }

var excusedStatuses = []string{
	string(interfaces.SystemMaintenance),
	string(interfaces.SystemOutage),
}

func (ds *downtimeStore) Create(ctx context.Context, w *interfaces.DowntimeWindow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return translate(ds.db.WithContext(ctx).Create(w).Error)
}

func (ds *downtimeStore) Close(ctx context.Context, id uuid.UUID, end time.Time) error {
	res := ds.db.WithContext(ctx).
		Model(&interfaces.DowntimeWindow{}).
		Where("id = ? AND ends_at IS NULL", id).
		Update("ends_at", end)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (ds *downtimeStore) ClosedSince(ctx context.Context, since time.Time) ([]interfaces.DowntimeWindow, error) {
	var windows []interfaces.DowntimeWindow
	err := ds.db.WithContext(ctx).
		Where("status IN ? AND starts_at >= ? AND ends_at IS NOT NULL", excusedStatuses, since).
		Order("starts_at ASC").
		Find(&windows).Error
	return windows, translate(err)
}

func (ds *downtimeStore) Current(ctx context.Context, now time.Time) (*interfaces.DowntimeWindow, error) {
	var w interfaces.DowntimeWindow
	err := ds.db.WithContext(ctx).
		Where("status IN ? AND starts_at <= ? AND (ends_at IS NULL OR ends_at > ?)", excusedStatuses, now, now).
		Order("starts_at DESC").
		Take(&w).Error
	if err != nil {
		return nil, translate(err)
	}
	return &w, nil
}
