package store

import (
	"context"
	"errors"

	"github.com/ruteri/custody-switch/interfaces"
	"gorm.io/gorm"
)

// GormStore implements interfaces.Store on a relational database.
type GormStore struct {
	DB *gorm.DB
}

var _ interfaces.Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{DB: db} }

func (s *GormStore) Owners() interfaces.OwnerStore         { return &ownerStore{s.DB} }
func (s *GormStore) Activities() interfaces.ActivityStore  { return &activityStore{s.DB} }
func (s *GormStore) Downtime() interfaces.DowntimeStore    { return &downtimeStore{s.DB} }
func (s *GormStore) Successors() interfaces.SuccessorStore { return &successorStore{s.DB} }
func (s *GormStore) Handovers() interfaces.HandoverStore   { return &handoverStore{s.DB} }
func (s *GormStore) Deliveries() interfaces.DeliveryStore  { return &deliveryStore{s.DB} }

func (s *GormStore) WithTx(ctx context.Context, fn func(tx interfaces.Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{DB: tx})
	})
}

// translate maps gorm errors onto the shared error taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return interfaces.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return interfaces.ErrConflict
	default:
		return err
	}
}

// limitTo applies a LIMIT clause only for positive limits.
func limitTo(limit int) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}
