package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
	"gorm.io/gorm"
)

type ownerStore struct{ db *gorm.DB }

func (s *ownerStore) Create(ctx context.Context, o *interfaces.Owner) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return translate(s.db.WithContext(ctx).Create(o).Error)
}

func (s *ownerStore) Get(ctx context.Context, id uuid.UUID) (*interfaces.Owner, error) {
	var o interfaces.Owner
	if err := s.db.WithContext(ctx).Take(&o, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

func (s *ownerStore) Update(ctx context.Context, o *interfaces.Owner) error {
	res := s.db.WithContext(ctx).Model(o).Select("*").Omit("id", "created_at").Updates(o)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *ownerStore) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&interfaces.Owner{}).
		Where("id = ? AND (last_login_at IS NULL OR last_login_at < ?)", id, at).
		Update("last_login_at", at)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&interfaces.Owner{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return translate(err)
		}
		if n == 0 {
			return interfaces.ErrNotFound
		}
	}
	return nil
}

func (s *ownerStore) ListActive(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]interfaces.Owner, error) {
	var owners []interfaces.Owner
	err := s.db.WithContext(ctx).
		Where("is_paused = ? OR (paused_until IS NOT NULL AND paused_until <= ?)", false, now).
		Where("id > ?", afterID).
		Order("id ASC").
		Scopes(limitTo(limit)).
		Find(&owners).Error
	return owners, translate(err)
}
