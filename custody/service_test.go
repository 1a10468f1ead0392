package custody

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/cryptoutils"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/kms"
	"github.com/ruteri/custody-switch/ledger"
	"github.com/ruteri/custody-switch/storage"
	"github.com/ruteri/custody-switch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	service *Service
	store   *store.MemoryStore
	ledger  *ledger.Ledger
	archive *storage.FileBackend
	owner   *interfaces.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := common.NewFakeClock(now)
	s := store.NewMemoryStore()
	owner := &interfaces.Owner{Email: "owner@example.com", InactivityThresholdDays: 90, CreatedAt: now}
	require.NoError(t, s.Owners().Create(context.Background(), owner))

	l, err := ledger.New(s, bytes.Repeat([]byte{9}, ledger.MinSecretLength), clock, log)
	require.NoError(t, err)
	archive, err := storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)

	return &fixture{
		service: NewService(s, l, archive, clock, log),
		store:   s,
		ledger:  l,
		archive: archive,
		owner:   owner,
	}
}

func (f *fixture) verified(t *testing.T, email string, publicKey []byte) *interfaces.Successor {
	t.Helper()
	ctx := context.Background()
	s, err := f.service.AddSuccessor(ctx, f.owner.ID, NewSuccessor{Email: email, PublicKeyPEM: publicKey})
	require.NoError(t, err)
	s, err = f.service.VerifySuccessor(ctx, s.VerificationToken)
	require.NoError(t, err)
	return s
}

func TestAddAndVerifySuccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.service.AddSuccessor(ctx, f.owner.ID, NewSuccessor{Email: "Alice <alice@example.com>", Name: "Alice", HandoverDelayDays: 7})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", s.Email)
	assert.False(t, s.Verified)
	assert.Len(t, s.VerificationToken, 64)

	last, err := f.ledger.GetLastActivity(ctx, f.owner.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, interfaces.ActivitySuccessorManagement, last.ActivityType)

	verified, err := f.service.VerifySuccessor(ctx, s.VerificationToken)
	require.NoError(t, err)
	assert.True(t, verified.Verified)
	require.NotNil(t, verified.VerifiedAt)
	assert.Equal(t, now, *verified.VerifiedAt)

	_, err = f.service.VerifySuccessor(ctx, s.VerificationToken)
	assert.ErrorIs(t, err, interfaces.ErrConflict, "a token verifies exactly once")

	_, err = f.service.VerifySuccessor(ctx, "unknown")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAddSuccessor_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		owner   uuid.UUID
		in      NewSuccessor
		wantErr error
	}{
		{"bad email", f.owner.ID, NewSuccessor{Email: "not-an-email"}, interfaces.ErrValidation},
		{"negative delay", f.owner.ID, NewSuccessor{Email: "a@example.com", HandoverDelayDays: -1}, interfaces.ErrValidation},
		{"bad public key", f.owner.ID, NewSuccessor{Email: "a@example.com", PublicKeyPEM: []byte("junk")}, interfaces.ErrValidation},
		{"unknown owner", uuid.New(), NewSuccessor{Email: "a@example.com"}, interfaces.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.AddSuccessor(ctx, tt.owner, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRemoveSuccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.verified(t, "bob@example.com", nil)

	assert.ErrorIs(t, f.service.RemoveSuccessor(ctx, uuid.New(), s.ID), interfaces.ErrNotFound)

	process := &interfaces.HandoverProcess{
		OwnerID:         f.owner.ID,
		Status:          interfaces.StatusGracePeriod,
		InitiatedAt:     now,
		GracePeriodEnds: now.Add(72 * time.Hour),
	}
	require.NoError(t, f.store.Handovers().Create(ctx, process))
	assert.ErrorIs(t, f.service.RemoveSuccessor(ctx, f.owner.ID, s.ID), interfaces.ErrConflict)

	process.Status = interfaces.StatusCancelled
	require.NoError(t, f.store.Handovers().Transition(ctx, interfaces.StatusGracePeriod, process))

	require.NoError(t, f.service.RemoveSuccessor(ctx, f.owner.ID, s.ID))
	_, err := f.store.Successors().Get(ctx, s.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestProvisionShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	privateKey, publicKey, err := cryptoutils.GenerateSealingKeyPair()
	require.NoError(t, err)

	alice := f.verified(t, "alice@example.com", nil)
	bob := f.verified(t, "bob@example.com", nil)
	carol := f.verified(t, "carol@example.com", publicKey)
	pending, err := f.service.AddSuccessor(ctx, f.owner.ID, NewSuccessor{Email: "dave@example.com"})
	require.NoError(t, err)

	passphrases := map[uuid.UUID][]byte{
		alice.ID: []byte("alice-passphrase"),
		bob.ID:   []byte("bob-passphrase"),
	}
	masterKey := make([]byte, 32)
	_, err = rand.Read(masterKey)
	require.NoError(t, err)

	prov, err := f.service.ProvisionShares(ctx, f.owner.ID, masterKey, 2, passphrases)
	require.NoError(t, err)
	assert.Equal(t, 2, prov.Threshold)
	assert.Equal(t, 3, prov.Shares)
	assert.Equal(t, kms.KeyCheckValue(masterKey), prov.KeyCheck)

	load := func(id uuid.UUID) *interfaces.Successor {
		s, err := f.store.Successors().Get(ctx, id)
		require.NoError(t, err)
		return s
	}
	open := func(s *interfaces.Successor, secret []byte, publicKeySealed bool) kms.Share {
		sealed, err := kms.ParseSealedShare(s.EncryptedShare)
		require.NoError(t, err)
		assert.Equal(t, s.ShareIndex, int(sealed.X))

		var share kms.Share
		if publicKeySealed {
			share, err = sealed.OpenWithPrivateKey(secret)
		} else {
			share, err = sealed.OpenWithPassphrase(secret)
		}
		require.NoError(t, err)
		return share
	}

	storedAlice, storedCarol := load(alice.ID), load(carol.ID)
	assert.False(t, load(pending.ID).HasShare(), "unverified successors get no share")

	archivedID, err := interfaces.NewContentIDFromHex(storedAlice.ShareContentID)
	require.NoError(t, err)
	archived, err := f.archive.Fetch(ctx, archivedID, interfaces.KindShare)
	require.NoError(t, err)
	assert.Equal(t, storedAlice.EncryptedShare, archived)

	recovery, err := kms.NewCustodyRecovery(kms.RecoveryConfig{Threshold: 2, KeyCheck: prov.KeyCheck})
	require.NoError(t, err)
	require.NoError(t, recovery.SubmitShare("alice", open(storedAlice, passphrases[alice.ID], false)))
	require.NoError(t, recovery.SubmitShare("carol", open(storedCarol, privateKey, true)))
	recovered, err := recovery.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, masterKey, recovered)

	// A new distribution replaces the previous shares and their archive.
	_, err = f.service.ProvisionShares(ctx, f.owner.ID, masterKey, 3, passphrases)
	require.NoError(t, err)
	assert.NotEqual(t, storedAlice.EncryptedShare, load(alice.ID).EncryptedShare)
	_, err = f.archive.Fetch(ctx, archivedID, interfaces.KindShare)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestProvisionShares_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.verified(t, "alice@example.com", nil)
	bob := f.verified(t, "bob@example.com", nil)
	masterKey := bytes.Repeat([]byte{0xab}, 32)

	_, err := f.service.ProvisionShares(ctx, f.owner.ID, masterKey, 2, map[uuid.UUID][]byte{alice.ID: []byte("alice-passphrase")})
	assert.ErrorIs(t, err, interfaces.ErrValidation, "bob has no passphrase")

	both := map[uuid.UUID][]byte{alice.ID: []byte("alice-passphrase"), bob.ID: []byte("bob-passphrase")}
	_, err = f.service.ProvisionShares(ctx, f.owner.ID, masterKey, 3, both)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "threshold above successor count")

	_, err = f.service.ProvisionShares(ctx, f.owner.ID, masterKey[:8], 2, both)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "short master key")

	require.NoError(t, f.store.Handovers().Create(ctx, &interfaces.HandoverProcess{
		OwnerID:         f.owner.ID,
		Status:          interfaces.StatusAwaitingSuccessors,
		InitiatedAt:     now,
		GracePeriodEnds: now,
	}))
	_, err = f.service.ProvisionShares(ctx, f.owner.ID, masterKey, 2, both)
	assert.ErrorIs(t, err, interfaces.ErrConflict)
	assert.False(t, func() bool {
		s, err := f.store.Successors().Get(ctx, alice.ID)
		require.NoError(t, err)
		return s.HasShare()
	}())
}
