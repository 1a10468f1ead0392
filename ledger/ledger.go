package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/metrics"
)

// MinSecretLength is the shortest signing secret New accepts.
const MinSecretLength = 32

// TimestampLayout is the ISO-8601 form signed into every record. Timestamps
// are truncated to millisecond precision in UTC before signing and storage.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Ledger is the append-only, HMAC-signed record of owner activity.
//
// Rotating the signing secret invalidates verification of every record signed
// under the previous secret.
type Ledger struct {
	store  interfaces.Store
	secret []byte
	clock  interfaces.Clock
	log    *slog.Logger
}

// New returns a Ledger signing with signingSecret, which must be at least
// MinSecretLength bytes.
func New(store interfaces.Store, signingSecret []byte, clock interfaces.Clock, log *slog.Logger) (*Ledger, error) {
	if len(signingSecret) < MinSecretLength {
		return nil, fmt.Errorf("%w: signing secret must be at least %d bytes", interfaces.ErrValidation, MinSecretLength)
	}
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:  store,
		secret: append([]byte(nil), signingSecret...),
		clock:  clock,
		log:    log,
	}, nil
}

// RecordActivity signs and appends one record. A zero at means now. Logins also
// advance the owner's LastLoginAt in the same transaction.
func (l *Ledger) RecordActivity(ctx context.Context, ownerID uuid.UUID, activityType interfaces.ActivityType, metadata interfaces.Metadata, clientType string, at time.Time) (*interfaces.ActivityRecord, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id is required", interfaces.ErrValidation)
	}
	if !activityType.Valid() {
		return nil, fmt.Errorf("%w: unknown activity type %q", interfaces.ErrValidation, activityType)
	}
	if clientType == "" {
		return nil, fmt.Errorf("%w: client type is required", interfaces.ErrValidation)
	}
	if at.IsZero() {
		at = l.clock.Now()
	}

	normalized, err := normalizeMetadata(metadata)
	if err != nil {
		return nil, err
	}

	record := &interfaces.ActivityRecord{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		ActivityType: activityType,
		ClientType:   clientType,
		Timestamp:    at.UTC().Truncate(time.Millisecond),
		Metadata:     normalized,
	}
	if record.Signature, err = l.sign(record); err != nil {
		return nil, err
	}

	err = l.store.WithTx(ctx, func(tx interfaces.Store) error {
		if _, err := tx.Owners().Get(ctx, ownerID); err != nil {
			return err
		}
		if err := tx.Activities().Append(ctx, record); err != nil {
			return err
		}
		if activityType == interfaces.ActivityLogin {
			return tx.Owners().UpdateLastLogin(ctx, ownerID, record.Timestamp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record activity: %w", err)
	}

	metrics.LedgerRecordsTotal.WithLabelValues(activityType.String()).Inc()
	l.log.Debug("Recorded activity",
		slog.String("owner_id", ownerID.String()),
		slog.String("activity_type", activityType.String()),
		slog.String("client_type", clientType))
	return record, nil
}

// VerifyIntegrity recomputes the record's signature. A mismatch returns an
// error wrapping interfaces.ErrIntegrity.
func (l *Ledger) VerifyIntegrity(record *interfaces.ActivityRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", interfaces.ErrValidation)
	}
	expected, err := l.sign(record)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(record.Signature)) {
		metrics.LedgerIntegrityFailuresTotal.Inc()
		l.log.Warn("Activity record failed integrity check",
			slog.String("record_id", record.ID.String()),
			slog.String("owner_id", record.OwnerID.String()))
		return fmt.Errorf("%w: activity record %s", interfaces.ErrIntegrity, record.ID)
	}
	return nil
}

// GetLastActivity returns the owner's most recent record, or nil when the
// owner has none. The record is verified before it is returned.
func (l *Ledger) GetLastActivity(ctx context.Context, ownerID uuid.UUID) (*interfaces.ActivityRecord, error) {
	record, err := l.store.Activities().Latest(ctx, ownerID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := l.VerifyIntegrity(record); err != nil {
		return nil, err
	}
	return record, nil
}

// InactivityOrigin is the instant the owner's inactivity clock starts from:
// the last recorded activity, or the account creation time.
func (l *Ledger) InactivityOrigin(ctx context.Context, owner *interfaces.Owner) (time.Time, error) {
	record, err := l.GetLastActivity(ctx, owner.ID)
	if err != nil {
		return time.Time{}, err
	}
	if record == nil {
		return owner.CreatedAt, nil
	}
	return record.Timestamp, nil
}

// sign computes the hex HMAC-SHA256 of the canonical form of the record.
func (l *Ledger) sign(record *interfaces.ActivityRecord) (string, error) {
	payload, err := canonicalize(record)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, l.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// canonicalize serializes the signed fields. encoding/json writes map keys in
// sorted order at every nesting level, which makes the output canonical.
func canonicalize(record *interfaces.ActivityRecord) ([]byte, error) {
	metadata := map[string]any(record.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload := map[string]any{
		"ownerId":    record.OwnerID.String(),
		"type":       record.ActivityType.String(),
		"clientType": record.ClientType,
		"timestamp":  record.Timestamp.UTC().Format(TimestampLayout),
		"metadata":   metadata,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not serializable", interfaces.ErrValidation)
	}
	return out, nil
}

// normalizeMetadata round-trips metadata through JSON so the signed value is
// exactly what a store returns after decoding it.
func normalizeMetadata(metadata interfaces.Metadata) (interfaces.Metadata, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not serializable", interfaces.ErrValidation)
	}
	var out interfaces.Metadata
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: metadata is not serializable", interfaces.ErrValidation)
	}
	return out, nil
}
