package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/custody-switch/interfaces"
)

// GenerateSealingKeyPair creates a P-256 key pair for successors that want
// their share sealed to a public key instead of a passphrase.
//
// Returns:
//   - Private key in PEM format ("EC PRIVATE KEY")
//   - Public key in PEM format ("PUBLIC KEY")
func GenerateSealingKeyPair() ([]byte, []byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})
	return privatePEM, publicPEM, nil
}

// ParseSealingPublicKey validates a PEM-encoded P-256 public key.
func ParseSealingPublicKey(publicKeyPEM []byte) (*ecdh.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode public key PEM", interfaces.ErrValidation)
	}

	publicKeyInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key", interfaces.ErrValidation)
	}

	publicKey, ok := publicKeyInterface.(*ecdsa.PublicKey)
	if !ok || publicKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 public key", interfaces.ErrValidation)
	}
	return publicKey.ECDH()
}

func parseSealingPrivateKey(privateKeyPEM []byte) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey.ECDH()
}

// EncryptWithPublicKey encrypts data using ECIES with the given public key PEM.
// It uses ECDH on P-256, SHA-256 of the shared secret as the AES-256 key, and
// AES-GCM for authenticated encryption. A fresh ephemeral key is generated for
// each call.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][iv][ciphertext]
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: plaintext is empty", interfaces.ErrValidation)
	}

	publicKey, err := ParseSealingPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	ephemeralKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeralKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	sharedSecret := sha256.Sum256(shared)
	wipeBytes(shared)

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	aesGCM, err := newGCM(Key(sharedSecret))
	if err != nil {
		return nil, err
	}
	ciphertext := aesGCM.Seal(nil, iv, data, nil)

	ephemeralPublicKeyBytes := ephemeralKey.PublicKey().Bytes()

	result := make([]byte, 0, 2+len(ephemeralPublicKeyBytes)+len(iv)+len(ciphertext))
	result = binary.BigEndian.AppendUint16(result, uint16(len(ephemeralPublicKeyBytes)))
	result = append(result, ephemeralPublicKeyBytes...)
	result = append(result, iv...)
	result = append(result, ciphertext...)
	return result, nil
}

// DecryptWithPrivateKey decrypts data produced by EncryptWithPublicKey.
// Malformed input, a wrong key and tampering all return interfaces.ErrDecryption.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte) ([]byte, error) {
	privateKey, err := parseSealingPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
	}

	if len(encryptedData) < 2 {
		return nil, interfaces.ErrDecryption
	}
	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+IVSize+1 {
		return nil, interfaces.ErrDecryption
	}

	ephemeralKey, err := ecdh.P256().NewPublicKey(encryptedData[2 : 2+ephemeralKeyLen])
	if err != nil {
		return nil, interfaces.ErrDecryption
	}

	shared, err := privateKey.ECDH(ephemeralKey)
	if err != nil {
		return nil, interfaces.ErrDecryption
	}
	sharedSecret := sha256.Sum256(shared)
	wipeBytes(shared)

	ivStart := 2 + ephemeralKeyLen
	iv := encryptedData[ivStart : ivStart+IVSize]
	ciphertext := encryptedData[ivStart+IVSize:]

	block, err := aes.NewCipher(sharedSecret[:])
	if err != nil {
		return nil, interfaces.ErrDecryption
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, interfaces.ErrDecryption
	}

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, interfaces.ErrDecryption
	}
	return plaintext, nil
}
