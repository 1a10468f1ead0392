package kms

import (
	"encoding/json"
	"fmt"

	"github.com/ruteri/custody-switch/cryptoutils"
	"github.com/ruteri/custody-switch/interfaces"
)

// SealedShareVersion is the current SealedShare encoding version.
const SealedShareVersion = 1

// SealMethod names how a share was sealed for its successor.
type SealMethod string

const (
	// SealPassphrase seals with a PBKDF2-derived AES-256-GCM key.
	SealPassphrase SealMethod = "passphrase"
	// SealPublicKey seals with ECIES to the successor's P-256 public key.
	SealPublicKey SealMethod = "public-key"
)

// SealedShare is the encrypted form of a share as stored on a successor and
// released during handover. The x-coordinate stays in the clear so recovery
// can detect duplicates before anything is decrypted.
type SealedShare struct {
	Version    int                           `json:"version"`
	Method     SealMethod                    `json:"method"`
	X          byte                          `json:"x"`
	Iterations int                           `json:"iterations,omitempty"`
	Salt       []byte                        `json:"salt,omitempty"`
	Payload    *cryptoutils.EncryptedPayload `json:"payload,omitempty"`
	Sealed     []byte                        `json:"sealed,omitempty"`
}

// SealWithPassphrase encrypts a share under a key derived from passphrase.
func SealWithPassphrase(share Share, passphrase []byte) (*SealedShare, error) {
	encoded, err := share.MarshalBinary()
	if err != nil {
		return nil, err
	}
	defer wipeBytes(encoded)

	salt, err := cryptoutils.NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := cryptoutils.DeriveKey(passphrase, salt, cryptoutils.DefaultIterations)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(key[:])

	payload, err := cryptoutils.Encrypt(encoded, key)
	if err != nil {
		return nil, err
	}

	return &SealedShare{
		Version:    SealedShareVersion,
		Method:     SealPassphrase,
		X:          share.X,
		Iterations: cryptoutils.DefaultIterations,
		Salt:       salt,
		Payload:    payload,
	}, nil
}

// SealWithPublicKey encrypts a share to a PEM-encoded P-256 public key.
func SealWithPublicKey(share Share, publicKeyPEM []byte) (*SealedShare, error) {
	encoded, err := share.MarshalBinary()
	if err != nil {
		return nil, err
	}
	defer wipeBytes(encoded)

	sealed, err := cryptoutils.EncryptWithPublicKey(publicKeyPEM, encoded)
	if err != nil {
		return nil, err
	}

	return &SealedShare{
		Version: SealedShareVersion,
		Method:  SealPublicKey,
		X:       share.X,
		Sealed:  sealed,
	}, nil
}

// OpenWithPassphrase decrypts a passphrase-sealed share.
func (s *SealedShare) OpenWithPassphrase(passphrase []byte) (Share, error) {
	if s.Method != SealPassphrase || s.Payload == nil {
		return Share{}, fmt.Errorf("%w: share is not passphrase-sealed", interfaces.ErrValidation)
	}
	key, err := cryptoutils.DeriveKey(passphrase, s.Salt, s.Iterations)
	if err != nil {
		return Share{}, err
	}
	defer wipeBytes(key[:])

	encoded, err := cryptoutils.Decrypt(s.Payload, key)
	if err != nil {
		return Share{}, err
	}
	defer wipeBytes(encoded)
	return s.decode(encoded)
}

// OpenWithPrivateKey decrypts a public-key-sealed share.
func (s *SealedShare) OpenWithPrivateKey(privateKeyPEM []byte) (Share, error) {
	if s.Method != SealPublicKey || len(s.Sealed) == 0 {
		return Share{}, fmt.Errorf("%w: share is not public-key-sealed", interfaces.ErrValidation)
	}
	encoded, err := cryptoutils.DecryptWithPrivateKey(privateKeyPEM, s.Sealed)
	if err != nil {
		return Share{}, err
	}
	defer wipeBytes(encoded)
	return s.decode(encoded)
}

func (s *SealedShare) decode(encoded []byte) (Share, error) {
	share, err := ParseShare(encoded)
	if err != nil {
		return Share{}, err
	}
	if share.X != s.X {
		share.Wipe()
		return Share{}, fmt.Errorf("%w: sealed share x-coordinate mismatch", interfaces.ErrIntegrity)
	}
	return share, nil
}

// Marshal returns the JSON encoding of the sealed share.
func (s *SealedShare) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// ParseSealedShare decodes the JSON produced by Marshal.
func ParseSealedShare(data []byte) (*SealedShare, error) {
	var s SealedShare
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: malformed sealed share", interfaces.ErrValidation)
	}
	if s.Version != SealedShareVersion {
		return nil, fmt.Errorf("%w: unsupported sealed share version %d", interfaces.ErrValidation, s.Version)
	}
	switch s.Method {
	case SealPassphrase, SealPublicKey:
	default:
		return nil, fmt.Errorf("%w: unknown seal method %q", interfaces.ErrValidation, s.Method)
	}
	if s.X == 0 {
		return nil, fmt.Errorf("%w: sealed share has no x-coordinate", interfaces.ErrValidation)
	}
	return &s, nil
}
