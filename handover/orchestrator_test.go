package handover

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/kvstore"
	"github.com/ruteri/custody-switch/ledger"
	"github.com/ruteri/custody-switch/notify"
	"github.com/ruteri/custody-switch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []interfaces.NotificationType
	alerts  []uuid.UUID
	alerted [][]interfaces.Successor
}

func (n *recordingNotifier) SendOwnerNotice(ctx context.Context, ownerID uuid.UUID, t interfaces.NotificationType, p *interfaces.HandoverProcess) (*notify.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, t)
	return &notify.Result{}, nil
}

func (n *recordingNotifier) SendHandoverAlert(ctx context.Context, ownerID uuid.UUID, successors []interfaces.Successor, processID uuid.UUID) (*notify.AlertReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, processID)
	n.alerted = append(n.alerted, successors)
	return &notify.AlertReport{Sent: len(successors)}, nil
}

type fixture struct {
	orch     *Orchestrator
	store    *store.MemoryStore
	kv       *kvstore.MemoryKV
	ledger   *ledger.Ledger
	notifier *recordingNotifier
	clock    *common.FakeClock
	owner    *interfaces.Owner
	log      *slog.Logger
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := common.NewFakeClock(start)
	s := store.NewMemoryStore()
	kv := kvstore.NewMemoryKV(clock)

	owner := &interfaces.Owner{
		Email:                   "owner@example.com",
		InactivityThresholdDays: 30,
		CreatedAt:               start.Add(-60 * 24 * time.Hour),
	}
	require.NoError(t, s.Owners().Create(ctx, owner))

	l, err := ledger.New(s, bytes.Repeat([]byte{7}, ledger.MinSecretLength), clock, log)
	require.NoError(t, err)

	n := &recordingNotifier{}
	orch, err := NewOrchestrator(s, kv, l, n, clock, log, cfg)
	require.NoError(t, err)
	return &fixture{orch: orch, store: s, kv: kv, ledger: l, notifier: n, clock: clock, owner: owner, log: log}
}

func (f *fixture) addSuccessor(t *testing.T, verified bool) *interfaces.Successor {
	t.Helper()
	s := &interfaces.Successor{
		OwnerID:           f.owner.ID,
		Email:             uuid.NewString()[:8] + "@example.com",
		VerificationToken: uuid.NewString(),
		Verified:          verified,
		EncryptedShare:    []byte("sealed-share"),
		ShareIndex:        1,
		CreatedAt:         start,
	}
	require.NoError(t, f.store.Successors().Create(context.Background(), s))
	return s
}

func TestNewOrchestrator_Validation(t *testing.T) {
	s := store.NewMemoryStore()
	kv := kvstore.NewMemoryKV(nil)
	for name, cfg := range map[string]Config{
		"no grace period":  {LockTTL: time.Second, RequiredConfirmations: 1},
		"no lock ttl":      {GracePeriod: time.Hour, RequiredConfirmations: 1},
		"no confirmations": {GracePeriod: time.Hour, LockTTL: time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewOrchestrator(s, kv, nil, nil, nil, nil, cfg)
			assert.ErrorIs(t, err, interfaces.ErrValidation)
		})
	}
}

func TestInitiateHandover_Idempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()

	first, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusGracePeriod, first.Status)
	assert.Equal(t, start, first.InitiatedAt)
	assert.Equal(t, start.Add(72*time.Hour), first.GracePeriodEnds)

	f.clock.Advance(time.Hour)
	second, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.InitiatedAt, second.InitiatedAt)

	assert.Equal(t, []interfaces.NotificationType{interfaces.NotificationHandoverInitiated}, f.notifier.notices)
}

func TestInitiateHandover_UnknownOwner(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	_, err := f.orch.InitiateHandover(context.Background(), uuid.New())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestInitiateHandover_Concurrent(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[uuid.UUID]struct{}{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := f.orch.InitiateHandover(ctx, f.owner.ID)
			if err != nil {
				assert.ErrorIs(t, err, interfaces.ErrLockHeld)
				return
			}
			mu.Lock()
			ids[p.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	active, err := f.orch.ActiveProcess(ctx, f.owner.ID)
	require.NoError(t, err)
	for id := range ids {
		assert.Equal(t, active.ID, id)
	}
	all, err := f.store.Handovers().ListByOwner(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInitiateHandover_LockHeld(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()

	token, err := f.kv.AcquireLock(ctx, LockKey(f.owner.ID), time.Minute)
	require.NoError(t, err)

	_, err = f.orch.InitiateHandover(ctx, f.owner.ID)
	assert.ErrorIs(t, err, interfaces.ErrLockHeld)

	require.NoError(t, f.kv.ReleaseLock(ctx, LockKey(f.owner.ID), token))
	_, err = f.orch.InitiateHandover(ctx, f.owner.ID)
	assert.NoError(t, err)
}

func TestCancelThenInitiate(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()

	first, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	cancelled, err := f.orch.CancelHandover(ctx, f.owner.ID, "owner is back")
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, first.ID, cancelled.ID)
	assert.Equal(t, interfaces.StatusCancelled, cancelled.Status)
	assert.Equal(t, "owner is back", cancelled.CancellationReason)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, start.Add(2*time.Hour), *cancelled.CancelledAt)

	last, err := f.ledger.GetLastActivity(ctx, f.owner.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, interfaces.ActivityHandoverCancelled, last.ActivityType)
	assert.Equal(t, first.ID.String(), last.Metadata["processId"])

	second, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := f.store.Handovers().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCancelled, old.Status)

	assert.Equal(t, []interfaces.NotificationType{
		interfaces.NotificationHandoverInitiated,
		interfaces.NotificationHandoverCancelled,
		interfaces.NotificationHandoverInitiated,
	}, f.notifier.notices)
}

func TestCancelHandover_NothingActive(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	p, err := f.orch.CancelHandover(context.Background(), f.owner.ID, "")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, f.notifier.notices)
}

func TestProcessGracePeriodExpiration(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	s1 := f.addSuccessor(t, true)
	s2 := f.addSuccessor(t, false)

	p, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)

	advanced, err := f.orch.ProcessGracePeriodExpiration(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusAwaitingSuccessors, advanced.Status)
	require.Len(t, f.notifier.alerts, 1)
	assert.Equal(t, p.ID, f.notifier.alerts[0])
	var alerted []uuid.UUID
	for _, s := range f.notifier.alerted[0] {
		alerted = append(alerted, s.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{s1.ID, s2.ID}, alerted)

	again, err := f.orch.ProcessGracePeriodExpiration(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusAwaitingSuccessors, again.Status)
	assert.Len(t, f.notifier.alerts, 1, "re-processing must not alert twice")

	_, err = f.orch.ProcessGracePeriodExpiration(ctx, uuid.New())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestProcessGracePeriodExpiration_CancelledIsNoop(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()

	p, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)
	_, err = f.orch.CancelHandover(ctx, f.owner.ID, "")
	require.NoError(t, err)

	got, err := f.orch.ProcessGracePeriodExpiration(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCancelled, got.Status)
	assert.Empty(t, f.notifier.alerts)
}

func TestProcessExpiredGracePeriods(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()

	other := &interfaces.Owner{Email: "other@example.com", InactivityThresholdDays: 30, CreatedAt: start}
	require.NoError(t, f.store.Owners().Create(ctx, other))

	early, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)
	f.clock.Advance(48 * time.Hour)
	late, err := f.orch.InitiateHandover(ctx, other.ID)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	n, err := f.orch.ProcessExpiredGracePeriods(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Handovers().Get(ctx, early.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusAwaitingSuccessors, got.Status)
	got, err = f.store.Handovers().Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusGracePeriod, got.Status)

	n, err = f.orch.ProcessExpiredGracePeriods(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func (f *fixture) awaitingProcess(t *testing.T) *interfaces.HandoverProcess {
	t.Helper()
	ctx := context.Background()
	p, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)
	p, err = f.orch.ProcessGracePeriodExpiration(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusAwaitingSuccessors, p.Status)
	return p
}

func TestSuccessorResponses(t *testing.T) {
	cfg := DefaultConfig
	cfg.RequiredConfirmations = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	a := f.addSuccessor(t, true)
	b := f.addSuccessor(t, true)
	c := f.addSuccessor(t, true)
	p := f.awaitingProcess(t)

	got, err := f.orch.ProcessSuccessorResponse(ctx, p.ID, a.ID, interfaces.ResponseConfirmed)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusVerificationPending, got.Status)
	assert.Equal(t, 1, got.Confirmations())

	got, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, a.ID, interfaces.ResponseConfirmed)
	require.NoError(t, err, "repeating a response is a no-op")
	assert.Equal(t, 1, got.Confirmations())

	got, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, b.ID, interfaces.ResponseDeclined)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusVerificationPending, got.Status)

	got, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, c.ID, interfaces.ResponseConfirmed)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusReadyForTransfer, got.Status)
	assert.NotNil(t, got.ActiveOwnerID, "ready_for_transfer still holds the active slot")

	_, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, b.ID, interfaces.ResponseConfirmed)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	done, err := f.orch.CompleteHandover(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = f.orch.ActiveProcess(ctx, f.owner.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestSuccessorResponses_AllDeclined(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	a := f.addSuccessor(t, true)
	b := f.addSuccessor(t, true)
	f.addSuccessor(t, false)
	p := f.awaitingProcess(t)

	_, err := f.orch.ProcessSuccessorResponse(ctx, p.ID, a.ID, interfaces.ResponseDeclined)
	require.NoError(t, err)
	got, err := f.orch.ProcessSuccessorResponse(ctx, p.ID, b.ID, interfaces.ResponseDeclined)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCancelled, got.Status)
	assert.Equal(t, "all successors declined", got.CancellationReason)
	assert.Contains(t, f.notifier.notices, interfaces.NotificationHandoverCancelled)

	last, err := f.ledger.GetLastActivity(ctx, f.owner.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, interfaces.ActivityHandoverCancelled, last.ActivityType)
	assert.Equal(t, p.ID.String(), last.Metadata["processId"])
	assert.Equal(t, start, last.Timestamp, "inactivity clock restarts at cancellation")
}

// transitionLog returns the "from->to" pairs logged by the orchestrator.
func transitionLog(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var steps []string
	dec := json.NewDecoder(buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		if line["msg"] != "Handover transition" {
			continue
		}
		from, _ := line["from"].(string)
		steps = append(steps, from+"->"+line["status"].(string))
	}
	return steps
}

func TestSuccessorResponses_FirstResponseStepsThroughVerification(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	a := f.addSuccessor(t, true)
	f.addSuccessor(t, true)
	p := f.awaitingProcess(t)

	var buf bytes.Buffer
	orch, err := NewOrchestrator(f.store, f.kv, f.ledger, f.notifier, f.clock, slog.New(slog.NewJSONHandler(&buf, nil)), DefaultConfig)
	require.NoError(t, err)

	got, err := orch.ProcessSuccessorResponse(ctx, p.ID, a.ID, interfaces.ResponseConfirmed)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusReadyForTransfer, got.Status)
	assert.Equal(t, []string{
		"awaiting_successors->verification_pending",
		"verification_pending->ready_for_transfer",
	}, transitionLog(t, &buf))

	stored, err := f.store.Handovers().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusReadyForTransfer, stored.Status)
	assert.Equal(t, 1, stored.Confirmations())
}

func TestSuccessorResponses_DeclineStaysInVerification(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	a := f.addSuccessor(t, true)
	f.addSuccessor(t, true)
	p := f.awaitingProcess(t)

	got, err := f.orch.ProcessSuccessorResponse(ctx, p.ID, a.ID, interfaces.ResponseDeclined)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusVerificationPending, got.Status)

	got, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, a.ID, interfaces.ResponseConfirmed)
	require.NoError(t, err, "a successor may change their answer")
	assert.Equal(t, interfaces.StatusReadyForTransfer, got.Status)
}

func TestGracePeriodExpiration_AlertsAllSuccessorsRegardlessOfDelay(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	for _, delay := range []int{0, 3, 14} {
		s := f.addSuccessor(t, true)
		s.HandoverDelayDays = delay
		require.NoError(t, f.store.Successors().Update(ctx, s))
	}

	p, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)
	f.clock.Advance(DefaultConfig.GracePeriod)
	_, err = f.orch.ProcessGracePeriodExpiration(ctx, p.ID)
	require.NoError(t, err)

	require.Len(t, f.notifier.alerted, 1)
	delays := []int{}
	for _, s := range f.notifier.alerted[0] {
		delays = append(delays, s.HandoverDelayDays)
	}
	assert.ElementsMatch(t, []int{0, 3, 14}, delays, "every successor is alerted at grace expiry")
}

func TestSuccessorResponses_Rejected(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()
	verified := f.addSuccessor(t, true)
	unverified := f.addSuccessor(t, false)

	p, err := f.orch.InitiateHandover(ctx, f.owner.ID)
	require.NoError(t, err)
	_, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, verified.ID, interfaces.ResponseConfirmed)
	assert.ErrorIs(t, err, interfaces.ErrConflict, "grace period does not accept responses")

	_, err = f.orch.ProcessGracePeriodExpiration(ctx, p.ID)
	require.NoError(t, err)

	_, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, unverified.ID, interfaces.ResponseConfirmed)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, verified.ID, interfaces.SuccessorResponse("maybe"))
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	stranger := &interfaces.Successor{OwnerID: uuid.New(), Email: "x@example.com", VerificationToken: uuid.NewString(), Verified: true, CreatedAt: start}
	require.NoError(t, f.store.Successors().Create(ctx, stranger))
	_, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, stranger.ID, interfaces.ResponseConfirmed)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestMarkReadyForTransfer(t *testing.T) {
	cfg := DefaultConfig
	cfg.RequiredConfirmations = 3
	f := newFixture(t, cfg)
	ctx := context.Background()
	a := f.addSuccessor(t, true)
	b := f.addSuccessor(t, true)
	p := f.awaitingProcess(t)

	_, err := f.orch.MarkReadyForTransfer(ctx, p.ID)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	_, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, a.ID, interfaces.ResponseDeclined)
	require.NoError(t, err)
	_, err = f.orch.MarkReadyForTransfer(ctx, p.ID)
	assert.ErrorIs(t, err, interfaces.ErrConflict, "no confirmation yet")

	_, err = f.orch.ProcessSuccessorResponse(ctx, p.ID, b.ID, interfaces.ResponseConfirmed)
	require.NoError(t, err)
	got, err := f.orch.MarkReadyForTransfer(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusReadyForTransfer, got.Status)

	_, err = f.orch.CancelHandover(ctx, f.owner.ID, "owner returned")
	require.NoError(t, err)
	_, err = f.orch.CompleteHandover(ctx, p.ID)
	assert.ErrorIs(t, err, interfaces.ErrConflict)
}
