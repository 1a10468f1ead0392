// Package kms provides threshold secret sharing and custody of an owner's
// master key.
//
// # Secret Sharing
//
// Split, Reconstruct and VerifyShares implement (t, n) Shamir secret sharing
// over GF(2^8) with the AES reduction polynomial:
//
//	// Split divides secret into n shares, any t of which reconstruct it.
//	func Split(secret []byte, n, t int) ([]Share, error)
//
//	// Reconstruct interpolates the secret at x = 0.
//	func Reconstruct(shares []Share) ([]byte, error)
//
// Shares are evaluated at x = 1..n. Each call draws fresh random coefficients,
// so splitting the same secret twice yields unrelated share sets.
//
// Shares do not carry their threshold. Reconstruct given fewer than t shares
// returns an incorrect secret without error; ReconstructWithThreshold refuses
// instead and is what recovery uses.
//
// ## Share Encoding
//
// Share.MarshalBinary emits the y-values followed by a single x-coordinate
// byte. This is the layout of github.com/hashicorp/vault/shamir, and shares
// can be exchanged with it in both directions.
//
// # CustodyKMS
//
// CustodyKMS splits an owner's master key for successors. Each share is sealed
// for its recipient, either with a passphrase (PBKDF2 + AES-256-GCM) or with
// ECIES to a registered public key, and the plaintext shares are wiped.
//
// ## Master Key Protection
//
//   - Split into N shares, requiring M (threshold) shares to reconstruct
//   - Each share sealed to a different successor
//   - Reconstructed key exists only in memory
//   - An optional key check value detects a wrong reconstruction
//
// # Usage Example
//
//	kms, sealed, err := kms.NewCustodyKMS(masterKey, kms.CustodyConfig{
//	    Threshold:  2,
//	    Recipients: recipients,
//	})
//
//	recovery, _ := kms.NewCustodyRecovery(kms.RecoveryConfig{Threshold: 2})
//	share, err := sealed["alice"].OpenWithPassphrase(passphrase)
//	err = recovery.SubmitShare("alice", share)
package kms
