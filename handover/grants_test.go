package handover

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var grantSecret = bytes.Repeat([]byte{0x5a}, MinGrantSecretLength)

func (f *fixture) grants(t *testing.T) *GrantIssuer {
	t.Helper()
	g, err := NewGrantIssuer(f.store, f.kv, f.clock, f.log, GrantConfig{Secret: grantSecret, TTL: 15 * time.Minute})
	require.NoError(t, err)
	return g
}

func (f *fixture) readyProcess(t *testing.T, successor *interfaces.Successor) *interfaces.HandoverProcess {
	t.Helper()
	p := f.awaitingProcess(t)
	p, err := f.orch.ProcessSuccessorResponse(context.Background(), p.ID, successor.ID, interfaces.ResponseConfirmed)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusReadyForTransfer, p.Status)
	return p
}

func TestNewGrantIssuer_Validation(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	_, err := NewGrantIssuer(f.store, f.kv, f.clock, nil, GrantConfig{Secret: []byte("short"), TTL: time.Minute})
	assert.ErrorIs(t, err, interfaces.ErrValidation)
	_, err = NewGrantIssuer(f.store, f.kv, f.clock, nil, GrantConfig{Secret: grantSecret})
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestRetrievalGrant_IssueAndRedeemOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	s := f.addSuccessor(t, true)
	p := f.readyProcess(t, s)
	g := f.grants(t)

	token, err := g.IssueRetrievalGrant(ctx, p.ID, s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	r, err := g.RedeemRetrievalGrant(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, p.ID, r.ProcessID)
	assert.Equal(t, s.ID, r.SuccessorID)
	assert.Equal(t, []byte("sealed-share"), r.EncryptedShare)
	assert.Equal(t, 1, r.ShareIndex)

	_, err = g.RedeemRetrievalGrant(ctx, token)
	assert.ErrorIs(t, err, interfaces.ErrConflict)
}

func TestRetrievalGrant_IssueRequiresReadyAndConfirmed(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	cfg := DefaultConfig
	cfg.RequiredConfirmations = 2
	orch, err := NewOrchestrator(f.store, f.kv, f.ledger, f.notifier, f.clock, f.log, cfg)
	require.NoError(t, err)
	f.orch = orch

	a := f.addSuccessor(t, true)
	b := f.addSuccessor(t, true)
	p := f.awaitingProcess(t)
	g := f.grants(t)

	_, err = g.IssueRetrievalGrant(ctx, p.ID, a.ID)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	_, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, a.ID, interfaces.ResponseConfirmed)
	require.NoError(t, err)
	_, err = f.orch.MarkReadyForTransfer(ctx, p.ID)
	require.NoError(t, err)

	_, err = g.IssueRetrievalGrant(ctx, p.ID, b.ID)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "b never confirmed")

	_, err = g.IssueRetrievalGrant(ctx, p.ID, a.ID)
	assert.NoError(t, err)
}

func TestRetrievalGrant_RedeemRechecksState(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	s := f.addSuccessor(t, true)
	p := f.readyProcess(t, s)
	g := f.grants(t)

	token, err := g.IssueRetrievalGrant(ctx, p.ID, s.ID)
	require.NoError(t, err)

	_, err = f.orch.CancelHandover(ctx, f.owner.ID, "owner returned")
	require.NoError(t, err)

	_, err = g.RedeemRetrievalGrant(ctx, token)
	assert.ErrorIs(t, err, interfaces.ErrConflict)
}

func TestRetrievalGrant_RejectsBadTokens(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	s := f.addSuccessor(t, true)
	p := f.readyProcess(t, s)
	g := f.grants(t)

	token, err := g.IssueRetrievalGrant(ctx, p.ID, s.ID)
	require.NoError(t, err)

	other, err := NewGrantIssuer(f.store, f.kv, f.clock, f.log, GrantConfig{Secret: bytes.Repeat([]byte{1}, 32), TTL: time.Minute})
	require.NoError(t, err)
	_, err = other.RedeemRetrievalGrant(ctx, token)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "wrong secret")

	_, err = g.RedeemRetrievalGrant(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	f.clock.Advance(16 * time.Minute)
	_, err = g.RedeemRetrievalGrant(ctx, token)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "expired")

	_, err = g.IssueRetrievalGrant(ctx, uuid.New(), s.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
