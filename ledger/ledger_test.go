package ledger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/storage"
	"github.com/ruteri/custody-switch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret = bytes.Repeat([]byte{0x42}, MinSecretLength)
	start      = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
)

type fixture struct {
	ledger *Ledger
	store  *store.MemoryStore
	clock  *common.FakeClock
	owner  *interfaces.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	clock := common.NewFakeClock(start)
	owner := &interfaces.Owner{
		Email:                   "owner@example.com",
		InactivityThresholdDays: interfaces.DefaultInactivityThresholdDays,
		CreatedAt:               start.Add(-48 * time.Hour),
	}
	require.NoError(t, s.Owners().Create(context.Background(), owner))

	l, err := New(s, testSecret, clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return &fixture{ledger: l, store: s, clock: clock, owner: owner}
}

func TestNew_RejectsShortSecret(t *testing.T) {
	_, err := New(store.NewMemoryStore(), []byte("short"), nil, nil)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestRecordActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	at := start.Add(1234567 * time.Microsecond)
	record, err := f.ledger.RecordActivity(ctx, f.owner.ID, interfaces.ActivityVaultAccess,
		interfaces.Metadata{"vault": "primary", "items": 3}, interfaces.ClientWeb, at)
	require.NoError(t, err)

	assert.Equal(t, at.Truncate(time.Millisecond), record.Timestamp)
	assert.Len(t, record.Signature, 64)
	assert.Equal(t, float64(3), record.Metadata["items"], "metadata is stored in its decoded JSON form")
	assert.NoError(t, f.ledger.VerifyIntegrity(record))

	stored, err := f.ledger.GetLastActivity(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, stored.ID)

	owner, err := f.store.Owners().Get(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Nil(t, owner.LastLoginAt, "only logins move the last-seen marker")
}

func TestRecordActivity_DefaultsToClock(t *testing.T) {
	f := newFixture(t)
	record, err := f.ledger.RecordActivity(context.Background(), f.owner.ID, interfaces.ActivityManualCheckin, nil, interfaces.ClientCLI, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, start, record.Timestamp)
}

func TestRecordActivity_LoginAdvancesLastLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.RecordActivity(ctx, f.owner.ID, interfaces.ActivityLogin, nil, interfaces.ClientMobile, time.Time{})
	require.NoError(t, err)

	owner, err := f.store.Owners().Get(ctx, f.owner.ID)
	require.NoError(t, err)
	require.NotNil(t, owner.LastLoginAt)
	assert.Equal(t, start, *owner.LastLoginAt)
}

func TestRecordActivity_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.RecordActivity(ctx, uuid.Nil, interfaces.ActivityLogin, nil, interfaces.ClientWeb, start)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = f.ledger.RecordActivity(ctx, f.owner.ID, "teleport", nil, interfaces.ClientWeb, start)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = f.ledger.RecordActivity(ctx, f.owner.ID, interfaces.ActivityLogin, nil, "", start)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = f.ledger.RecordActivity(ctx, f.owner.ID, interfaces.ActivityLogin, interfaces.Metadata{"ch": make(chan int)}, interfaces.ClientWeb, start)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = f.ledger.RecordActivity(ctx, uuid.New(), interfaces.ActivityLogin, nil, interfaces.ClientWeb, start)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestVerifyIntegrity_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	record, err := f.ledger.RecordActivity(context.Background(), f.owner.ID, interfaces.ActivitySettingsChange,
		interfaces.Metadata{"field": "threshold"}, interfaces.ClientAPI, start)
	require.NoError(t, err)

	tests := []struct {
		name   string
		tamper func(r *interfaces.ActivityRecord)
	}{
		{"timestamp", func(r *interfaces.ActivityRecord) { r.Timestamp = r.Timestamp.Add(time.Millisecond) }},
		{"type", func(r *interfaces.ActivityRecord) { r.ActivityType = interfaces.ActivityLogin }},
		{"client", func(r *interfaces.ActivityRecord) { r.ClientType = interfaces.ClientWeb }},
		{"owner", func(r *interfaces.ActivityRecord) { r.OwnerID = uuid.New() }},
		{"metadata", func(r *interfaces.ActivityRecord) { r.Metadata = interfaces.Metadata{"field": "email"} }},
		{"signature", func(r *interfaces.ActivityRecord) { r.Signature = strings.Repeat("0", 64) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			copied := *record
			tt.tamper(&copied)
			assert.ErrorIs(t, f.ledger.VerifyIntegrity(&copied), interfaces.ErrIntegrity)
		})
	}

	rotated, err := New(f.store, bytes.Repeat([]byte{0x43}, MinSecretLength), f.clock, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, rotated.VerifyIntegrity(record), interfaces.ErrIntegrity, "rotating the secret invalidates old records")
}

func TestInactivityOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	origin, err := f.ledger.InactivityOrigin(ctx, f.owner)
	require.NoError(t, err)
	assert.Equal(t, f.owner.CreatedAt, origin, "without activity the clock starts at account creation")

	_, err = f.ledger.RecordActivity(ctx, f.owner.ID, interfaces.ActivityLogin, nil, interfaces.ClientWeb, start.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.ledger.RecordActivity(ctx, f.owner.ID, interfaces.ActivityAPIRequest, nil, interfaces.ClientAPI, start.Add(3*time.Hour))
	require.NoError(t, err)

	origin, err = f.ledger.InactivityOrigin(ctx, f.owner)
	require.NoError(t, err)
	assert.Equal(t, start.Add(3*time.Hour), origin, "latest record across all client types")
}

func TestInactivityOrigin_TamperedLatestRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	forged := &interfaces.ActivityRecord{
		OwnerID:      f.owner.ID,
		ActivityType: interfaces.ActivityLogin,
		ClientType:   interfaces.ClientWeb,
		Timestamp:    start,
		Signature:    "forged",
	}
	require.NoError(t, f.store.Activities().Append(ctx, forged))

	_, err := f.ledger.InactivityOrigin(ctx, f.owner)
	assert.ErrorIs(t, err, interfaces.ErrIntegrity)
}

func TestAuditAndExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.ledger.RecordActivity(ctx, f.owner.ID, interfaces.ActivityLogin, interfaces.Metadata{"n": i}, interfaces.ClientWeb, start.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	forged := &interfaces.ActivityRecord{
		OwnerID:      f.owner.ID,
		ActivityType: interfaces.ActivityManualCheckin,
		ClientType:   interfaces.ClientWeb,
		Timestamp:    start.Add(90 * time.Minute),
		Signature:    "forged",
	}
	require.NoError(t, f.store.Activities().Append(ctx, forged))

	report, err := f.ledger.AuditRange(ctx, f.owner.ID, start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 3, report.Verified)
	assert.Equal(t, []uuid.UUID{forged.ID}, report.Tampered)
	assert.False(t, report.Intact())

	_, err = f.ledger.AuditRange(ctx, f.owner.ID, start, start)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	backend, err := storage.NewFileBackend(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	id, err := f.ledger.ExportRange(ctx, backend, f.owner.ID, start, start.Add(2*time.Hour))
	require.NoError(t, err)

	data, err := backend.Fetch(ctx, id, interfaces.KindEvidence)
	require.NoError(t, err)

	evidence, verified, err := f.ledger.VerifyEvidence(data)
	require.NoError(t, err)
	assert.Len(t, evidence.Records, 3)
	assert.Equal(t, 2, verified.Verified)
	assert.Equal(t, []uuid.UUID{forged.ID}, verified.Tampered)

	_, _, err = f.ledger.VerifyEvidence([]byte("{"))
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}
