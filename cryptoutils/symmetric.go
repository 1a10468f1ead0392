package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/ruteri/custody-switch/interfaces"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count and also the minimum accepted.
	DefaultIterations = 100000
	// MinPasswordLength is the shortest password DeriveKey accepts.
	MinPasswordLength = 8
	// MinSaltLength is the shortest salt DeriveKey accepts.
	MinSaltLength = 16
	// SaltLength is the size of salts produced by NewSalt.
	SaltLength = 16
	// KeySize is the AES-256 key size.
	KeySize = 32
	// IVSize is the GCM nonce size.
	IVSize = 12
	// AlgorithmAES256GCM tags payloads produced by Encrypt.
	AlgorithmAES256GCM = "aes-256-gcm"
)

// Key is a 256-bit symmetric key for AES-256-GCM. The zero value counts as missing.
type Key [KeySize]byte

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k == Key{}
}

// NewKeyFromBytes copies a raw 32-byte key.
func NewKeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: key must be %d bytes", interfaces.ErrValidation, KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// EncryptedPayload is the output of Encrypt. Encoding it for transport is the caller's concern.
type EncryptedPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Algorithm  string `json:"algorithm"`
}

// NewSalt returns SaltLength random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives an AES-256 key from a password with PBKDF2-HMAC-SHA256.
// Identical inputs always produce the identical key.
func DeriveKey(password, salt []byte, iterations int) (Key, error) {
	var key Key
	if len(password) < MinPasswordLength {
		return key, fmt.Errorf("%w: password must be at least %d bytes", interfaces.ErrValidation, MinPasswordLength)
	}
	if len(salt) < MinSaltLength {
		return key, fmt.Errorf("%w: salt must be at least %d bytes", interfaces.ErrValidation, MinSaltLength)
	}
	if iterations < DefaultIterations {
		return key, fmt.Errorf("%w: iterations must be at least %d", interfaces.ErrValidation, DefaultIterations)
	}

	derived := pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
	if len(derived) != KeySize {
		return key, interfaces.ErrKeyDerivation
	}
	copy(key[:], derived)
	wipeBytes(derived)
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random IV.
// The IV is always generated here and never accepted from the caller.
func Encrypt(plaintext []byte, key Key) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext is empty", interfaces.ErrValidation)
	}
	if key.IsZero() {
		return nil, fmt.Errorf("%w: key is missing", interfaces.ErrValidation)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return &EncryptedPayload{
		Ciphertext: aead.Seal(nil, iv, plaintext, nil),
		IV:         iv,
		Algorithm:  AlgorithmAES256GCM,
	}, nil
}

// Decrypt opens a payload produced by Encrypt. Every failure is reported as
// interfaces.ErrDecryption without further detail.
func Decrypt(payload *EncryptedPayload, key Key) ([]byte, error) {
	if payload == nil {
		return nil, interfaces.ErrDecryption
	}
	if payload.Algorithm != "" && payload.Algorithm != AlgorithmAES256GCM {
		return nil, interfaces.ErrDecryption
	}
	return DecryptParts(payload.Ciphertext, payload.IV, key)
}

// DecryptParts opens ciphertext sealed under iv. Every failure is reported as
// interfaces.ErrDecryption without further detail.
func DecryptParts(ciphertext, iv []byte, key Key) ([]byte, error) {
	if key.IsZero() || len(iv) != IVSize || len(ciphertext) == 0 {
		return nil, interfaces.ErrDecryption
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, interfaces.ErrDecryption
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, interfaces.ErrDecryption
	}
	return plaintext, nil
}

// EncryptValue serializes v as JSON and encrypts it.
func EncryptValue(v any, key Key) (*EncryptedPayload, error) {
	if isNil(v) {
		return nil, fmt.Errorf("%w: value is nil", interfaces.ErrValidation)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: value is not serializable: %v", interfaces.ErrValidation, err)
	}
	defer wipeBytes(data)
	return Encrypt(data, key)
}

// DecryptValue decrypts a payload produced by EncryptValue into out.
func DecryptValue(payload *EncryptedPayload, key Key, out any) error {
	if isNil(out) {
		return fmt.Errorf("%w: output is nil", interfaces.ErrValidation)
	}
	data, err := Decrypt(payload, key)
	if err != nil {
		return err
	}
	defer wipeBytes(data)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decrypted value does not match output type", interfaces.ErrValidation)
	}
	return nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
