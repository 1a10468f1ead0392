package kms

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/custody-switch/interfaces"
)

// MinMasterKeyLength is the shortest master key CustodyKMS accepts.
const MinMasterKeyLength = 32

var (
	// ErrLocked is returned when the master key is requested before recovery completes.
	ErrLocked = errors.New("KMS is locked - need more shares to unlock")
	// ErrAlreadyUnlocked is returned when shares are submitted after recovery completed.
	ErrAlreadyUnlocked = errors.New("KMS is already unlocked")
)

// Recipient is a successor that receives one sealed share. Exactly one of
// Passphrase or PublicKeyPEM must be set.
type Recipient struct {
	ID           string
	Passphrase   []byte
	PublicKeyPEM []byte
}

// CustodyConfig contains configuration parameters for splitting a master key.
type CustodyConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the master key
	Threshold int
	// Recipients receive one sealed share each, in order
	Recipients []Recipient
}

// RecoveryConfig contains configuration parameters for recovering a master key.
type RecoveryConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the master key
	Threshold int
	// RecipientIDs restricts who may submit shares. Empty allows anyone.
	RecipientIDs []string
	// KeyCheck, when set, is compared with KeyCheckValue of the reconstructed key.
	KeyCheck []byte
}

// CustodyKMS holds an owner's master key and manages its distribution to
// successors with Shamir secret sharing.
//
// On setup the master key is split and every share is sealed for its
// recipient; plaintext shares are wiped before NewCustodyKMS returns. On
// recovery the KMS starts locked and collects shares until the threshold is
// reached, then reconstructs the master key and keeps it only in memory.
type CustodyKMS struct {
	mu             sync.RWMutex
	masterKey      []byte           // The reconstructed master key, stored only in memory
	isUnlocked     bool             // Whether enough shares have been submitted
	threshold      int              // Minimum number of shares required
	receivedShares map[string]Share // Shares submitted so far, by recipient
	recipients     map[string]struct{}
	keyCheck       []byte
}

// KeyCheckValue is a non-secret fingerprint of a master key. It lets recovery
// detect that the submitted shares reconstructed the wrong key.
func KeyCheckValue(masterKey []byte) []byte {
	sum := sha256.Sum256(append([]byte("custody-switch/key-check/"), masterKey...))
	return sum[:8]
}

// NewCustodyKMS splits masterKey into one share per recipient and seals each
// share. The returned map is keyed by recipient ID.
func NewCustodyKMS(masterKey []byte, config CustodyConfig) (*CustodyKMS, map[string]*SealedShare, error) {
	if len(masterKey) < MinMasterKeyLength {
		return nil, nil, fmt.Errorf("%w: master key must be at least %d bytes", interfaces.ErrValidation, MinMasterKeyLength)
	}
	if config.Threshold < MinThreshold {
		return nil, nil, fmt.Errorf("%w: threshold must be at least %d", interfaces.ErrValidation, MinThreshold)
	}
	if len(config.Recipients) < config.Threshold {
		return nil, nil, fmt.Errorf("%w: total shares must be at least equal to threshold", interfaces.ErrValidation)
	}

	seen := make(map[string]struct{}, len(config.Recipients))
	for _, r := range config.Recipients {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("%w: recipient without ID", interfaces.ErrValidation)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate recipient %s", interfaces.ErrValidation, r.ID)
		}
		if (len(r.Passphrase) == 0) == (len(r.PublicKeyPEM) == 0) {
			return nil, nil, fmt.Errorf("%w: recipient %s needs exactly one of passphrase or public key", interfaces.ErrValidation, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	shares, err := Split(masterKey, len(config.Recipients), config.Threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split master key: %w", err)
	}
	defer func() {
		for i := range shares {
			shares[i].Wipe()
		}
	}()

	sealed := make(map[string]*SealedShare, len(config.Recipients))
	for i, r := range config.Recipients {
		var s *SealedShare
		if len(r.PublicKeyPEM) > 0 {
			s, err = SealWithPublicKey(shares[i], r.PublicKeyPEM)
		} else {
			s, err = SealWithPassphrase(shares[i], r.Passphrase)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to seal share for %s: %w", r.ID, err)
		}
		sealed[r.ID] = s
	}

	kms := &CustodyKMS{
		masterKey:      append([]byte(nil), masterKey...),
		isUnlocked:     true,
		threshold:      config.Threshold,
		receivedShares: make(map[string]Share),
		recipients:     seen,
		keyCheck:       KeyCheckValue(masterKey),
	}
	return kms, sealed, nil
}

// NewCustodyRecovery creates a locked CustodyKMS that unlocks once enough
// shares have been submitted.
func NewCustodyRecovery(config RecoveryConfig) (*CustodyKMS, error) {
	if config.Threshold < MinThreshold {
		return nil, fmt.Errorf("%w: threshold must be at least %d", interfaces.ErrValidation, MinThreshold)
	}

	kms := &CustodyKMS{
		threshold:      config.Threshold,
		receivedShares: make(map[string]Share),
		recipients:     make(map[string]struct{}, len(config.RecipientIDs)),
		keyCheck:       append([]byte(nil), config.KeyCheck...),
	}
	for _, id := range config.RecipientIDs {
		kms.recipients[id] = struct{}{}
	}
	return kms, nil
}

// SubmitShare records a recipient's share. When the threshold is reached the
// master key is reconstructed and the KMS unlocks.
//
// If a key check value is configured and the reconstructed key does not match
// it, all collected shares are discarded and interfaces.ErrIntegrity is returned.
func (k *CustodyKMS) SubmitShare(recipientID string, share Share) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.isUnlocked {
		return ErrAlreadyUnlocked
	}

	if len(k.recipients) > 0 {
		if _, ok := k.recipients[recipientID]; !ok {
			return fmt.Errorf("%w: unregistered recipient", interfaces.ErrValidation)
		}
	}
	if share.X == 0 || len(share.Y) == 0 {
		return fmt.Errorf("%w: malformed share", interfaces.ErrValidation)
	}
	for id, existing := range k.receivedShares {
		if id != recipientID && existing.X == share.X {
			return fmt.Errorf("%w: share x-coordinate %d already submitted", interfaces.ErrValidation, share.X)
		}
	}

	if previous, ok := k.receivedShares[recipientID]; ok {
		previous.Wipe()
	}
	k.receivedShares[recipientID] = Share{X: share.X, Y: append([]byte(nil), share.Y...)}

	return k.tryReconstruct()
}

// tryReconstruct attempts to reconstruct the master key from the received shares.
func (k *CustodyKMS) tryReconstruct() error {
	if len(k.receivedShares) < k.threshold {
		return nil // Not enough shares yet, but this is not an error
	}

	shares := make([]Share, 0, len(k.receivedShares))
	for _, share := range k.receivedShares {
		shares = append(shares, share)
	}

	masterKey, err := ReconstructWithThreshold(shares, k.threshold)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master key: %w", err)
	}

	defer k.clearShares()

	if len(k.keyCheck) > 0 && subtle.ConstantTimeCompare(KeyCheckValue(masterKey), k.keyCheck) != 1 {
		wipeBytes(masterKey)
		return fmt.Errorf("%w: reconstructed key does not match key check value", interfaces.ErrIntegrity)
	}

	k.masterKey = masterKey
	k.isUnlocked = true
	return nil
}

func (k *CustodyKMS) clearShares() {
	for id, share := range k.receivedShares {
		share.Wipe()
		delete(k.receivedShares, id)
	}
}

// SubmittedShares returns how many shares are waiting for reconstruction.
func (k *CustodyKMS) SubmittedShares() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.receivedShares)
}

// Threshold returns the number of shares required to unlock.
func (k *CustodyKMS) Threshold() int {
	return k.threshold
}

// IsUnlocked returns whether the master key is available.
func (k *CustodyKMS) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.isUnlocked
}

// KeyCheck returns the key check value of the held master key, or the
// configured one while locked.
func (k *CustodyKMS) KeyCheck() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]byte(nil), k.keyCheck...)
}

// MasterKey returns a copy of the master key. It returns ErrLocked until recovery completes.
func (k *CustodyKMS) MasterKey() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.isUnlocked {
		return nil, ErrLocked
	}
	return bytes.Clone(k.masterKey), nil
}

// Lock wipes the master key and any pending shares.
func (k *CustodyKMS) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()

	wipeBytes(k.masterKey)
	k.masterKey = nil
	k.isUnlocked = false
	k.clearShares()
}
