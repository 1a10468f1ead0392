package custody

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/cryptoutils"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/kms"
)

// MaxHandoverDelayDays bounds the per-successor handover delay.
const MaxHandoverDelayDays = 365

const tokenBytes = 32

// ActivityRecorder appends signed records to the activity ledger.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, ownerID uuid.UUID, activityType interfaces.ActivityType, metadata interfaces.Metadata, clientType string, at time.Time) (*interfaces.ActivityRecord, error)
}

// NewSuccessor describes a successor to add.
type NewSuccessor struct {
	Email             string
	Name              string
	HandoverDelayDays int
	// PublicKeyPEM, when set, receives shares sealed to this P-256 key
	// instead of a passphrase-derived key.
	PublicKeyPEM []byte
}

// Provisioning summarizes a share distribution.
type Provisioning struct {
	Threshold int `json:"threshold"`
	Shares    int `json:"shares"`
	// KeyCheck fingerprints the split master key so a later recovery can
	// tell whether it reconstructed the right one.
	KeyCheck []byte `json:"keyCheck"`
}

// Service manages an owner's successors and the encrypted shares they hold.
//
// Successors are created unverified, verified exactly once through their
// token, and may be removed while no handover is active. Sealed shares are
// written to the successor rows and, when an archive is configured, to a
// content-addressed backend.
type Service struct {
	store   interfaces.Store
	ledger  ActivityRecorder
	archive interfaces.ArchiveBackend
	clock   interfaces.Clock
	log     *slog.Logger
}

// NewService returns a Service. ledger and archive may be nil.
func NewService(store interfaces.Store, ledger ActivityRecorder, archive interfaces.ArchiveBackend, clock interfaces.Clock, log *slog.Logger) *Service {
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, ledger: ledger, archive: archive, clock: clock, log: log}
}

// ListSuccessors returns the owner's successors, oldest first.
func (s *Service) ListSuccessors(ctx context.Context, ownerID uuid.UUID) ([]interfaces.Successor, error) {
	return s.store.Successors().ListByOwner(ctx, ownerID)
}

// AddSuccessor creates an unverified successor with a fresh verification
// token. The token is returned on the successor for delivery to its owner.
func (s *Service) AddSuccessor(ctx context.Context, ownerID uuid.UUID, in NewSuccessor) (*interfaces.Successor, error) {
	addr, err := mail.ParseAddress(in.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid successor email", interfaces.ErrValidation)
	}
	if in.HandoverDelayDays < 0 || in.HandoverDelayDays > MaxHandoverDelayDays {
		return nil, fmt.Errorf("%w: handover delay must be between 0 and %d days", interfaces.ErrValidation, MaxHandoverDelayDays)
	}
	if len(in.PublicKeyPEM) > 0 {
		if _, err := cryptoutils.ParseSealingPublicKey(in.PublicKeyPEM); err != nil {
			return nil, err
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	successor := &interfaces.Successor{
		ID:                uuid.New(),
		OwnerID:           ownerID,
		Email:             addr.Address,
		Name:              in.Name,
		VerificationToken: token,
		HandoverDelayDays: in.HandoverDelayDays,
		PublicKey:         in.PublicKeyPEM,
		CreatedAt:         s.clock.Now(),
	}

	err = s.store.WithTx(ctx, func(tx interfaces.Store) error {
		if _, err := tx.Owners().Get(ctx, ownerID); err != nil {
			return err
		}
		return tx.Successors().Create(ctx, successor)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add successor: %w", err)
	}

	s.record(ctx, ownerID, interfaces.Metadata{"action": "add", "successorId": successor.ID.String()})
	return successor, nil
}

// VerifySuccessor marks the successor holding token as verified. A token can
// be used once; reuse returns interfaces.ErrConflict.
func (s *Service) VerifySuccessor(ctx context.Context, token string) (*interfaces.Successor, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: verification token is required", interfaces.ErrValidation)
	}

	var successor *interfaces.Successor
	err := s.store.WithTx(ctx, func(tx interfaces.Store) error {
		found, err := tx.Successors().GetByToken(ctx, token)
		if err != nil {
			return err
		}
		if found.Verified {
			return fmt.Errorf("%w: successor already verified", interfaces.ErrConflict)
		}
		now := s.clock.Now()
		found.Verified = true
		found.VerifiedAt = &now
		if err := tx.Successors().Update(ctx, found); err != nil {
			return err
		}
		successor = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Successor verified",
		slog.String("owner_id", successor.OwnerID.String()),
		slog.String("successor_id", successor.ID.String()))
	return successor, nil
}

// RemoveSuccessor deletes a successor and its archived share. It fails with
// interfaces.ErrConflict while the owner has an active handover.
func (s *Service) RemoveSuccessor(ctx context.Context, ownerID, successorID uuid.UUID) error {
	var removed *interfaces.Successor
	err := s.store.WithTx(ctx, func(tx interfaces.Store) error {
		successor, err := tx.Successors().Get(ctx, successorID)
		if err != nil {
			return err
		}
		if successor.OwnerID != ownerID {
			return interfaces.ErrNotFound
		}
		if err := noActiveHandover(ctx, tx, ownerID); err != nil {
			return err
		}
		if err := tx.Successors().Delete(ctx, successorID); err != nil {
			return err
		}
		removed = successor
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove successor: %w", err)
	}

	s.discardArchived(ctx, removed.ShareContentID)
	s.record(ctx, ownerID, interfaces.Metadata{"action": "remove", "successorId": successorID.String()})
	return nil
}

// ProvisionShares splits masterKey among the owner's verified successors so
// that any threshold of them can reconstruct it. Each share is sealed with the
// successor's public key when one is registered and with their passphrase
// otherwise. Shares from an earlier distribution are replaced, and
// successors outside the new distribution lose theirs.
func (s *Service) ProvisionShares(ctx context.Context, ownerID uuid.UUID, masterKey []byte, threshold int, passphrases map[uuid.UUID][]byte) (*Provisioning, error) {
	successors, err := s.store.Successors().ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var recipients []kms.Recipient
	for _, succ := range successors {
		if !succ.Verified {
			continue
		}
		r := kms.Recipient{ID: succ.ID.String()}
		switch {
		case len(succ.PublicKey) > 0:
			r.PublicKeyPEM = succ.PublicKey
		case len(passphrases[succ.ID]) > 0:
			r.Passphrase = passphrases[succ.ID]
		default:
			return nil, fmt.Errorf("%w: no passphrase for successor %s", interfaces.ErrValidation, succ.ID)
		}
		recipients = append(recipients, r)
	}
	if len(recipients) < threshold {
		return nil, fmt.Errorf("%w: %d verified successors cannot meet threshold %d", interfaces.ErrValidation, len(recipients), threshold)
	}

	k, sealed, err := kms.NewCustodyKMS(masterKey, kms.CustodyConfig{Threshold: threshold, Recipients: recipients})
	if err != nil {
		return nil, err
	}
	keyCheck := k.KeyCheck()
	k.Lock()

	blobs := make(map[uuid.UUID][]byte, len(sealed))
	indexes := make(map[uuid.UUID]int, len(sealed))
	archived := make(map[uuid.UUID]interfaces.ContentID, len(sealed))
	for id, share := range sealed {
		blob, err := share.Marshal()
		if err != nil {
			return nil, err
		}
		successorID := uuid.MustParse(id)
		blobs[successorID] = blob
		indexes[successorID] = int(share.X)
	}
	if s.archive != nil {
		for successorID, blob := range blobs {
			cid, err := s.archive.Store(ctx, blob, interfaces.KindShare)
			if err != nil {
				s.discardAll(ctx, archived)
				return nil, fmt.Errorf("failed to archive sealed share: %w", err)
			}
			archived[successorID] = cid
		}
	}

	var replaced []string
	err = s.store.WithTx(ctx, func(tx interfaces.Store) error {
		if err := noActiveHandover(ctx, tx, ownerID); err != nil {
			return err
		}
		current, err := tx.Successors().ListByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		for i := range current {
			succ := &current[i]
			blob, included := blobs[succ.ID]
			if !included && !succ.HasShare() && succ.ShareContentID == "" {
				continue
			}
			if succ.ShareContentID != "" {
				replaced = append(replaced, succ.ShareContentID)
			}
			succ.EncryptedShare = blob
			succ.ShareIndex = indexes[succ.ID]
			succ.ShareContentID = ""
			if cid, ok := archived[succ.ID]; ok {
				succ.ShareContentID = cid.String()
			}
			if err := tx.Successors().Update(ctx, succ); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.discardAll(ctx, archived)
		return nil, fmt.Errorf("failed to store sealed shares: %w", err)
	}

	kept := make(map[string]struct{}, len(archived))
	for _, cid := range archived {
		kept[cid.String()] = struct{}{}
	}
	for _, old := range replaced {
		if _, ok := kept[old]; !ok {
			s.discardArchived(ctx, old)
		}
	}

	s.record(ctx, ownerID, interfaces.Metadata{"action": "provision", "threshold": threshold, "shares": len(blobs)})
	s.log.Info("Shares provisioned",
		slog.String("owner_id", ownerID.String()),
		slog.Int("threshold", threshold),
		slog.Int("shares", len(blobs)))
	return &Provisioning{Threshold: threshold, Shares: len(blobs), KeyCheck: keyCheck}, nil
}

func noActiveHandover(ctx context.Context, tx interfaces.Store, ownerID uuid.UUID) error {
	_, err := tx.Handovers().FindActiveByOwner(ctx, ownerID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: a handover is in progress", interfaces.ErrConflict)
	case errors.Is(err, interfaces.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (s *Service) discardAll(ctx context.Context, ids map[uuid.UUID]interfaces.ContentID) {
	for _, cid := range ids {
		s.discardArchived(ctx, cid.String())
	}
}

func (s *Service) discardArchived(ctx context.Context, contentID string) {
	if s.archive == nil || contentID == "" {
		return
	}
	cid, err := interfaces.NewContentIDFromHex(contentID)
	if err != nil {
		s.log.Warn("Invalid archived share reference", slog.String("content_id", contentID))
		return
	}
	if err := s.archive.Delete(ctx, cid, interfaces.KindShare); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		s.log.Warn("Failed to delete archived share",
			slog.String("content_id", contentID),
			"err", err)
	}
}

func (s *Service) record(ctx context.Context, ownerID uuid.UUID, metadata interfaces.Metadata) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.RecordActivity(ctx, ownerID, interfaces.ActivitySuccessorManagement, metadata, interfaces.ClientSystem, time.Time{}); err != nil {
		s.log.Error("Failed to record successor management activity",
			slog.String("owner_id", ownerID.String()),
			"err", err)
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate verification token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
