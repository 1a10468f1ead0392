// Package cryptoutils provides the symmetric and asymmetric primitives that
// protect owner key material and successor shares.
//
// # Symmetric Encryption
//
//   - DeriveKey: PBKDF2-HMAC-SHA256, at least 100000 iterations, 32-byte output
//   - Encrypt / Decrypt: AES-256-GCM with a 96-bit IV generated inside Encrypt
//   - EncryptValue / DecryptValue: JSON serialization around Encrypt / Decrypt
//
// Decrypt never distinguishes a wrong key from tampered data. Every failure is
// interfaces.ErrDecryption.
//
// # Sealing to Public Keys
//
// Successors may register a P-256 public key. Shares are then sealed with ECIES:
//
//   - ECDH with a fresh ephemeral key per call
//   - SHA-256 of the shared secret as the AES-256 key
//   - AES-GCM for authenticated encryption
//
// The sealed format is:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// # Usage Example
//
//	salt, _ := cryptoutils.NewSalt()
//	key, err := cryptoutils.DeriveKey([]byte(passphrase), salt, cryptoutils.DefaultIterations)
//	if err != nil {
//	    return err
//	}
//	payload, err := cryptoutils.Encrypt(share, key)
package cryptoutils
