package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
	"gorm.io/gorm"
)

type deliveryStore struct{ db *gorm.DB }

var successfulStatuses = []string{
	string(interfaces.DeliverySent),
	string(interfaces.DeliveryDelivered),
}

func (ds *deliveryStore) Record(ctx context.Context, d *interfaces.NotificationDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return translate(ds.db.WithContext(ctx).Create(d).Error)
}

func (ds *deliveryStore) LastSuccessful(ctx context.Context, ownerID uuid.UUID, t interfaces.NotificationType) (*interfaces.NotificationDelivery, error) {
	var d interfaces.NotificationDelivery
	err := ds.db.WithContext(ctx).
		Where("owner_id = ? AND notification_type = ? AND status IN ?", ownerID, string(t), successfulStatuses).
		Order("created_at DESC").
		Take(&d).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (ds *deliveryStore) ListByProcess(ctx context.Context, processID uuid.UUID) ([]interfaces.NotificationDelivery, error) {
	var deliveries []interfaces.NotificationDelivery
	err := ds.db.WithContext(ctx).
		Where("handover_process_id = ?", processID).
		Order("created_at ASC").
		Find(&deliveries).Error
	return deliveries, translate(err)
}

func (ds *deliveryStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]interfaces.NotificationDelivery, error) {
	var deliveries []interfaces.NotificationDelivery
	err := ds.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&deliveries).Error
	return deliveries, translate(err)
}
