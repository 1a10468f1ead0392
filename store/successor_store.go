package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
	"gorm.io/gorm"
)

type successorStore struct{ db *gorm.DB }

func (ss *successorStore) Create(ctx context.Context, s *interfaces.Successor) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return translate(ss.db.WithContext(ctx).Create(s).Error)
}

func (ss *successorStore) Get(ctx context.Context, id uuid.UUID) (*interfaces.Successor, error) {
	var s interfaces.Successor
	if err := ss.db.WithContext(ctx).Take(&s, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (ss *successorStore) GetByToken(ctx context.Context, token string) (*interfaces.Successor, error) {
	var s interfaces.Successor
	if err := ss.db.WithContext(ctx).Take(&s, "verification_token = ?", token).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (ss *successorStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]interfaces.Successor, error) {
	var successors []interfaces.Successor
	err := ss.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&successors).Error
	return successors, translate(err)
}

func (ss *successorStore) Update(ctx context.Context, s *interfaces.Successor) error {
	res := ss.db.WithContext(ctx).Model(s).Select("*").Omit("id", "owner_id", "created_at").Updates(s)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (ss *successorStore) Delete(ctx context.Context, id uuid.UUID) error {
	res := ss.db.WithContext(ctx).Delete(&interfaces.Successor{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
