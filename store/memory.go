package store

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
)

// MemoryStore is an in-process implementation of interfaces.Store for tests
// and single-node development. WithTx serializes transactions and rolls back
// every change when fn fails.
type MemoryStore struct {
	mu   *sync.Mutex
	data *memoryData
	tx   bool
}

var _ interfaces.Store = (*MemoryStore)(nil)

type memoryData struct {
	owners     map[uuid.UUID]interfaces.Owner
	activities map[uuid.UUID][]interfaces.ActivityRecord
	downtime   map[uuid.UUID]interfaces.DowntimeWindow
	successors map[uuid.UUID]interfaces.Successor
	handovers  map[uuid.UUID]interfaces.HandoverProcess
	deliveries []interfaces.NotificationDelivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		data: &memoryData{
			owners:     make(map[uuid.UUID]interfaces.Owner),
			activities: make(map[uuid.UUID][]interfaces.ActivityRecord),
			downtime:   make(map[uuid.UUID]interfaces.DowntimeWindow),
			successors: make(map[uuid.UUID]interfaces.Successor),
			handovers:  make(map[uuid.UUID]interfaces.HandoverProcess),
		},
	}
}

func (m *MemoryStore) Owners() interfaces.OwnerStore         { return &memoryOwners{m} }
func (m *MemoryStore) Activities() interfaces.ActivityStore  { return &memoryActivities{m} }
func (m *MemoryStore) Downtime() interfaces.DowntimeStore    { return &memoryDowntime{m} }
func (m *MemoryStore) Successors() interfaces.SuccessorStore { return &memorySuccessors{m} }
func (m *MemoryStore) Handovers() interfaces.HandoverStore   { return &memoryHandovers{m} }
func (m *MemoryStore) Deliveries() interfaces.DeliveryStore  { return &memoryDeliveries{m} }

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx interfaces.Store) error) error {
	if m.tx {
		return fn(m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.snapshot()
	tx := &MemoryStore{mu: m.mu, data: m.data, tx: true}
	if err := fn(tx); err != nil {
		*m.data = snapshot
		return err
	}
	return nil
}

// locked runs fn under the store mutex unless the caller already holds it
// through WithTx.
func (m *MemoryStore) locked(fn func(d *memoryData) error) error {
	if !m.tx {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	return fn(m.data)
}

// Stored values are never mutated in place, so a shallow copy of the
// top-level containers is a complete snapshot.
func (d *memoryData) snapshot() memoryData {
	activities := make(map[uuid.UUID][]interfaces.ActivityRecord, len(d.activities))
	for id, records := range d.activities {
		activities[id] = slices.Clone(records)
	}
	return memoryData{
		owners:     maps.Clone(d.owners),
		activities: activities,
		downtime:   maps.Clone(d.downtime),
		successors: maps.Clone(d.successors),
		handovers:  maps.Clone(d.handovers),
		deliveries: slices.Clone(d.deliveries),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func cloneOwner(o interfaces.Owner) interfaces.Owner {
	o.PausedUntil = cloneTime(o.PausedUntil)
	o.LastLoginAt = cloneTime(o.LastLoginAt)
	return o
}

func cloneActivity(r interfaces.ActivityRecord) interfaces.ActivityRecord {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

func cloneWindow(w interfaces.DowntimeWindow) interfaces.DowntimeWindow {
	w.End = cloneTime(w.End)
	return w
}

func cloneSuccessor(s interfaces.Successor) interfaces.Successor {
	s.VerifiedAt = cloneTime(s.VerifiedAt)
	s.PublicKey = bytes.Clone(s.PublicKey)
	s.EncryptedShare = bytes.Clone(s.EncryptedShare)
	return s
}

func cloneProcess(p interfaces.HandoverProcess) interfaces.HandoverProcess {
	p.ActiveOwnerID = cloneUUID(p.ActiveOwnerID)
	p.CancelledAt = cloneTime(p.CancelledAt)
	p.CompletedAt = cloneTime(p.CompletedAt)
	p.Responses = maps.Clone(p.Responses)
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

func cloneDelivery(d interfaces.NotificationDelivery) interfaces.NotificationDelivery {
	d.HandoverProcessID = cloneUUID(d.HandoverProcessID)
	return d
}

type memoryOwners struct{ m *MemoryStore }

func (s *memoryOwners) Create(ctx context.Context, o *interfaces.Owner) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return s.m.locked(func(d *memoryData) error {
		if _, exists := d.owners[o.ID]; exists {
			return interfaces.ErrConflict
		}
		d.owners[o.ID] = cloneOwner(*o)
		return nil
	})
}

func (s *memoryOwners) Get(ctx context.Context, id uuid.UUID) (*interfaces.Owner, error) {
	var out interfaces.Owner
	err := s.m.locked(func(d *memoryData) error {
		o, ok := d.owners[id]
		if !ok {
			return interfaces.ErrNotFound
		}
		out = cloneOwner(o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memoryOwners) Update(ctx context.Context, o *interfaces.Owner) error {
	return s.m.locked(func(d *memoryData) error {
		existing, ok := d.owners[o.ID]
		if !ok {
			return interfaces.ErrNotFound
		}
		updated := cloneOwner(*o)
		updated.CreatedAt = existing.CreatedAt
		d.owners[o.ID] = updated
		return nil
	})
}

func (s *memoryOwners) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.m.locked(func(d *memoryData) error {
		o, ok := d.owners[id]
		if !ok {
			return interfaces.ErrNotFound
		}
		if o.LastLoginAt != nil && !o.LastLoginAt.Before(at) {
			return nil
		}
		o = cloneOwner(o)
		o.LastLoginAt = &at
		d.owners[id] = o
		return nil
	})
}

func (s *memoryOwners) ListActive(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]interfaces.Owner, error) {
	var out []interfaces.Owner
	err := s.m.locked(func(d *memoryData) error {
		after := afterID.String()
		for _, o := range d.owners {
			if o.TrackingPaused(now) || o.ID.String() <= after {
				continue
			}
			out = append(out, cloneOwner(o))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type memoryActivities struct{ m *MemoryStore }

func (s *memoryActivities) Append(ctx context.Context, r *interfaces.ActivityRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return s.m.locked(func(d *memoryData) error {
		records := slices.Clone(d.activities[r.OwnerID])
		idx := sort.Search(len(records), func(i int) bool { return records[i].Timestamp.After(r.Timestamp) })
		records = slices.Insert(records, idx, cloneActivity(*r))
		d.activities[r.OwnerID] = records
		return nil
	})
}

func (s *memoryActivities) Latest(ctx context.Context, ownerID uuid.UUID) (*interfaces.ActivityRecord, error) {
	var out interfaces.ActivityRecord
	err := s.m.locked(func(d *memoryData) error {
		records := d.activities[ownerID]
		if len(records) == 0 {
			return interfaces.ErrNotFound
		}
		out = cloneActivity(records[len(records)-1])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memoryActivities) InRange(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]interfaces.ActivityRecord, error) {
	var out []interfaces.ActivityRecord
	err := s.m.locked(func(d *memoryData) error {
		for _, r := range d.activities[ownerID] {
			if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
				continue
			}
			out = append(out, cloneActivity(r))
		}
		return nil
	})
	return out, err
}

type memoryDowntime struct{ m *MemoryStore }

func (s *memoryDowntime) Create(ctx context.Context, w *interfaces.DowntimeWindow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return s.m.locked(func(d *memoryData) error {
		d.downtime[w.ID] = cloneWindow(*w)
		return nil
	})
}

func (s *memoryDowntime) Close(ctx context.Context, id uuid.UUID, end time.Time) error {
	return s.m.locked(func(d *memoryData) error {
		w, ok := d.downtime[id]
		if !ok || w.End != nil {
			return interfaces.ErrNotFound
		}
		w.End = &end
		d.downtime[id] = w
		return nil
	})
}

func (s *memoryDowntime) ClosedSince(ctx context.Context, since time.Time) ([]interfaces.DowntimeWindow, error) {
	var out []interfaces.DowntimeWindow
	err := s.m.locked(func(d *memoryData) error {
		for _, w := range d.downtime {
			if w.Status.Excused() && w.End != nil && !w.Start.Before(since) {
				out = append(out, cloneWindow(w))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, err
}

func (s *memoryDowntime) Current(ctx context.Context, now time.Time) (*interfaces.DowntimeWindow, error) {
	var out *interfaces.DowntimeWindow
	err := s.m.locked(func(d *memoryData) error {
		for _, w := range d.downtime {
			if !w.Status.Excused() || !w.Covers(now) {
				continue
			}
			if out == nil || w.Start.After(out.Start) {
				c := cloneWindow(w)
				out = &c
			}
		}
		if out == nil {
			return interfaces.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type memorySuccessors struct{ m *MemoryStore }

func (s *memorySuccessors) Create(ctx context.Context, succ *interfaces.Successor) error {
	if succ.ID == uuid.Nil {
		succ.ID = uuid.New()
	}
	if succ.CreatedAt.IsZero() {
		succ.CreatedAt = time.Now().UTC()
	}
	return s.m.locked(func(d *memoryData) error {
		for _, existing := range d.successors {
			if existing.ID == succ.ID || existing.VerificationToken == succ.VerificationToken {
				return interfaces.ErrConflict
			}
		}
		d.successors[succ.ID] = cloneSuccessor(*succ)
		return nil
	})
}

func (s *memorySuccessors) Get(ctx context.Context, id uuid.UUID) (*interfaces.Successor, error) {
	var out interfaces.Successor
	err := s.m.locked(func(d *memoryData) error {
		succ, ok := d.successors[id]
		if !ok {
			return interfaces.ErrNotFound
		}
		out = cloneSuccessor(succ)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memorySuccessors) GetByToken(ctx context.Context, token string) (*interfaces.Successor, error) {
	var out *interfaces.Successor
	err := s.m.locked(func(d *memoryData) error {
		for _, succ := range d.successors {
			if succ.VerificationToken == token {
				c := cloneSuccessor(succ)
				out = &c
				return nil
			}
		}
		return interfaces.ErrNotFound
	})
	return out, err
}

func (s *memorySuccessors) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]interfaces.Successor, error) {
	var out []interfaces.Successor
	err := s.m.locked(func(d *memoryData) error {
		for _, succ := range d.successors {
			if succ.OwnerID == ownerID {
				out = append(out, cloneSuccessor(succ))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (s *memorySuccessors) Update(ctx context.Context, succ *interfaces.Successor) error {
	return s.m.locked(func(d *memoryData) error {
		existing, ok := d.successors[succ.ID]
		if !ok {
			return interfaces.ErrNotFound
		}
		updated := cloneSuccessor(*succ)
		updated.OwnerID = existing.OwnerID
		updated.CreatedAt = existing.CreatedAt
		d.successors[succ.ID] = updated
		return nil
	})
}

func (s *memorySuccessors) Delete(ctx context.Context, id uuid.UUID) error {
	return s.m.locked(func(d *memoryData) error {
		if _, ok := d.successors[id]; !ok {
			return interfaces.ErrNotFound
		}
		delete(d.successors, id)
		return nil
	})
}

type memoryHandovers struct{ m *MemoryStore }

func (s *memoryHandovers) Create(ctx context.Context, p *interfaces.HandoverProcess) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.SyncActiveSlot()
	return s.m.locked(func(d *memoryData) error {
		if _, exists := d.handovers[p.ID]; exists {
			return interfaces.ErrConflict
		}
		if p.ActiveOwnerID != nil && activeProcess(d, *p.ActiveOwnerID) != nil {
			return interfaces.ErrConflict
		}
		d.handovers[p.ID] = cloneProcess(*p)
		return nil
	})
}

func activeProcess(d *memoryData, ownerID uuid.UUID) *interfaces.HandoverProcess {
	for _, p := range d.handovers {
		if p.ActiveOwnerID != nil && *p.ActiveOwnerID == ownerID {
			c := cloneProcess(p)
			return &c
		}
	}
	return nil
}

func (s *memoryHandovers) Get(ctx context.Context, id uuid.UUID) (*interfaces.HandoverProcess, error) {
	var out interfaces.HandoverProcess
	err := s.m.locked(func(d *memoryData) error {
		p, ok := d.handovers[id]
		if !ok {
			return interfaces.ErrNotFound
		}
		out = cloneProcess(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memoryHandovers) FindActiveByOwner(ctx context.Context, ownerID uuid.UUID) (*interfaces.HandoverProcess, error) {
	var out *interfaces.HandoverProcess
	err := s.m.locked(func(d *memoryData) error {
		out = activeProcess(d, ownerID)
		if out == nil {
			return interfaces.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *memoryHandovers) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]interfaces.HandoverProcess, error) {
	var out []interfaces.HandoverProcess
	err := s.m.locked(func(d *memoryData) error {
		for _, p := range d.handovers {
			if p.OwnerID == ownerID {
				out = append(out, cloneProcess(p))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.After(out[j].InitiatedAt) })
	return out, err
}

func (s *memoryHandovers) ListExpiredGracePeriods(ctx context.Context, now time.Time, limit int) ([]interfaces.HandoverProcess, error) {
	var out []interfaces.HandoverProcess
	err := s.m.locked(func(d *memoryData) error {
		for _, p := range d.handovers {
			if p.Status == interfaces.StatusGracePeriod && !p.GracePeriodEnds.After(now) {
				out = append(out, cloneProcess(p))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].GracePeriodEnds.Before(out[j].GracePeriodEnds) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s *memoryHandovers) Transition(ctx context.Context, from interfaces.HandoverStatus, p *interfaces.HandoverProcess) error {
	p.SyncActiveSlot()
	return s.m.locked(func(d *memoryData) error {
		existing, ok := d.handovers[p.ID]
		if !ok {
			return interfaces.ErrNotFound
		}
		if existing.Status != from {
			return interfaces.ErrConflict
		}
		if p.ActiveOwnerID != nil {
			if other := activeProcess(d, *p.ActiveOwnerID); other != nil && other.ID != p.ID {
				return interfaces.ErrConflict
			}
		}
		updated := cloneProcess(*p)
		updated.OwnerID = existing.OwnerID
		updated.InitiatedAt = existing.InitiatedAt
		d.handovers[p.ID] = updated
		return nil
	})
}

type memoryDeliveries struct{ m *MemoryStore }

func (s *memoryDeliveries) Record(ctx context.Context, delivery *interfaces.NotificationDelivery) error {
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}
	return s.m.locked(func(d *memoryData) error {
		d.deliveries = append(slices.Clone(d.deliveries), cloneDelivery(*delivery))
		return nil
	})
}

func (s *memoryDeliveries) LastSuccessful(ctx context.Context, ownerID uuid.UUID, t interfaces.NotificationType) (*interfaces.NotificationDelivery, error) {
	var out *interfaces.NotificationDelivery
	err := s.m.locked(func(d *memoryData) error {
		for _, delivery := range d.deliveries {
			if delivery.OwnerID != ownerID || delivery.NotificationType != t || !delivery.Status.Successful() {
				continue
			}
			if out == nil || !delivery.CreatedAt.Before(out.CreatedAt) {
				c := cloneDelivery(delivery)
				out = &c
			}
		}
		if out == nil {
			return interfaces.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *memoryDeliveries) ListByProcess(ctx context.Context, processID uuid.UUID) ([]interfaces.NotificationDelivery, error) {
	var out []interfaces.NotificationDelivery
	err := s.m.locked(func(d *memoryData) error {
		for _, delivery := range d.deliveries {
			if delivery.HandoverProcessID != nil && *delivery.HandoverProcessID == processID {
				out = append(out, cloneDelivery(delivery))
			}
		}
		return nil
	})
	return out, err
}

func (s *memoryDeliveries) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]interfaces.NotificationDelivery, error) {
	var out []interfaces.NotificationDelivery
	err := s.m.locked(func(d *memoryData) error {
		for _, delivery := range d.deliveries {
			if delivery.OwnerID == ownerID {
				out = append(out, cloneDelivery(delivery))
			}
		}
		return nil
	})
	return out, err
}
