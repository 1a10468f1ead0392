package kms

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/ruteri/custody-switch/interfaces"
)

const (
	// MinThreshold is the smallest number of shares that can reconstruct a secret.
	MinThreshold = 2
	// MaxShares is the largest share set GF(256) allows with non-zero x-coordinates.
	MaxShares = 255
)

// Share is one point of a Shamir share set. X is the evaluation point (1..255)
// and Y holds one polynomial value per secret byte.
//
// Shares do not record the threshold of the set they came from.
type Share struct {
	X byte
	Y []byte
}

// MarshalBinary encodes the share as Y followed by a single X tag byte,
// the layout used by github.com/hashicorp/vault/shamir.
func (s Share) MarshalBinary() ([]byte, error) {
	if s.X == 0 || len(s.Y) == 0 {
		return nil, fmt.Errorf("%w: malformed share", interfaces.ErrValidation)
	}
	out := make([]byte, len(s.Y)+1)
	copy(out, s.Y)
	out[len(s.Y)] = s.X
	return out, nil
}

// UnmarshalBinary decodes the layout produced by MarshalBinary.
func (s *Share) UnmarshalBinary(data []byte) error {
	if len(data) < 2 || data[len(data)-1] == 0 {
		return fmt.Errorf("%w: malformed share encoding", interfaces.ErrValidation)
	}
	s.X = data[len(data)-1]
	s.Y = append([]byte(nil), data[:len(data)-1]...)
	return nil
}

// String returns the base64 form of MarshalBinary, or an empty string for a malformed share.
func (s Share) String() string {
	b, err := s.MarshalBinary()
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// ParseShare decodes a binary share.
func ParseShare(data []byte) (Share, error) {
	var s Share
	err := s.UnmarshalBinary(data)
	return s, err
}

// ParseShareString decodes the base64 form produced by Share.String.
func ParseShareString(encoded string) (Share, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Share{}, fmt.Errorf("%w: share is not valid base64", interfaces.ErrValidation)
	}
	return ParseShare(data)
}

// Wipe zeroes the share's y-values.
func (s *Share) Wipe() {
	wipeBytes(s.Y)
}

// Split divides secret into n shares such that any t of them reconstruct it.
// For every byte of the secret a fresh degree t-1 polynomial is drawn with the
// byte as intercept, so repeated calls yield different share sets. Share i is
// evaluated at x = i+1.
func Split(secret []byte, n, t int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret is empty", interfaces.ErrValidation)
	}
	if t < MinThreshold {
		return nil, fmt.Errorf("%w: threshold must be at least %d", interfaces.ErrValidation, MinThreshold)
	}
	if t > n {
		return nil, fmt.Errorf("%w: threshold cannot exceed the number of shares", interfaces.ErrValidation)
	}
	if n > MaxShares {
		return nil, fmt.Errorf("%w: at most %d shares are supported", interfaces.ErrValidation, MaxShares)
	}

	random := make([]byte, len(secret)*(t-1))
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		return nil, fmt.Errorf("failed to generate coefficients: %w", err)
	}
	defer wipeBytes(random)

	shares := make([]Share, n)
	for i := range shares {
		shares[i] = Share{X: byte(i + 1), Y: make([]byte, len(secret))}
	}

	coefficients := make([]uint8, t)
	defer wipeBytes(coefficients)
	for pos, secretByte := range secret {
		coefficients[0] = secretByte
		copy(coefficients[1:], random[pos*(t-1):(pos+1)*(t-1)])
		p := polynomial{coefficients: coefficients}
		for i := range shares {
			shares[i].Y[pos] = p.evaluate(shares[i].X)
		}
	}

	return shares, nil
}

// Reconstruct recovers the secret by Lagrange interpolation at x = 0.
//
// Reconstruct cannot know the threshold of the original split. Given fewer
// shares than that threshold it returns a wrong secret without error. Use
// ReconstructWithThreshold when the threshold is known.
func Reconstruct(shares []Share) ([]byte, error) {
	if err := validateShares(shares); err != nil {
		return nil, err
	}

	xs := make([]uint8, len(shares))
	ys := make([]uint8, len(shares))
	for i, s := range shares {
		xs[i] = s.X
	}

	secret := make([]byte, len(shares[0].Y))
	for pos := range secret {
		for i, s := range shares {
			ys[i] = s.Y[pos]
		}
		secret[pos] = interpolate(xs, ys, 0)
	}
	wipeBytes(ys)
	return secret, nil
}

// ReconstructWithThreshold is Reconstruct that refuses to run with fewer than t shares.
func ReconstructWithThreshold(shares []Share, t int) ([]byte, error) {
	if t < MinThreshold {
		return nil, fmt.Errorf("%w: threshold must be at least %d", interfaces.ErrValidation, MinThreshold)
	}
	if len(shares) < t {
		return nil, fmt.Errorf("%w: %d shares supplied, %d required", interfaces.ErrValidation, len(shares), t)
	}
	return Reconstruct(shares)
}

// VerifyShares reports whether the shares are consistent with a single polynomial
// of degree t-1. The first t shares define the polynomial; every further share
// must lie on it. With exactly t shares only the structure can be checked.
//
// VerifyShares never panics and never returns an error: malformed input is false.
func VerifyShares(shares []Share, t int) bool {
	if t < MinThreshold || len(shares) < t {
		return false
	}
	if validateShares(shares) != nil {
		return false
	}

	basis := shares[:t]
	xs := make([]uint8, t)
	ys := make([]uint8, t)
	for i, s := range basis {
		xs[i] = s.X
	}

	for pos := range shares[0].Y {
		for i, s := range basis {
			ys[i] = s.Y[pos]
		}
		for _, extra := range shares[t:] {
			if interpolate(xs, ys, extra.X) != extra.Y[pos] {
				return false
			}
		}
	}
	return true
}

func validateShares(shares []Share) error {
	if len(shares) < MinThreshold {
		return fmt.Errorf("%w: at least %d shares are required", interfaces.ErrValidation, MinThreshold)
	}
	length := len(shares[0].Y)
	if length == 0 {
		return fmt.Errorf("%w: malformed share", interfaces.ErrValidation)
	}

	var seen [256]bool
	for _, s := range shares {
		if len(s.Y) != length {
			return fmt.Errorf("%w: shares have different lengths", interfaces.ErrValidation)
		}
		if s.X == 0 {
			return fmt.Errorf("%w: share x-coordinate must be non-zero", interfaces.ErrValidation)
		}
		if seen[s.X] {
			return fmt.Errorf("%w: duplicate share x-coordinate %d", interfaces.ErrValidation, s.X)
		}
		seen[s.X] = true
	}
	return nil
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
