package kms

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/ruteri/custody-switch/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSecret(t *testing.T, n int) []byte {
	t.Helper()
	secret := make([]byte, n)
	_, err := rand.Read(secret)
	require.NoError(t, err, "Failed to generate test secret")
	return secret
}

// combinations returns every k-element subset of shares.
func combinations(shares []Share, k int) [][]Share {
	var out [][]Share
	var pick func(start int, acc []Share)
	pick = func(start int, acc []Share) {
		if len(acc) == k {
			out = append(out, append([]Share(nil), acc...))
			return
		}
		for i := start; i < len(shares); i++ {
			pick(i+1, append(acc, shares[i]))
		}
	}
	pick(0, nil)
	return out
}

func TestGF256(t *testing.T) {
	// Known AES field products.
	assert.Equal(t, uint8(0xC1), gfMul(0x57, 0x83))
	assert.Equal(t, uint8(0xFE), gfMul(0x57, 0x13))

	for a := 1; a < 256; a++ {
		inv := gfInv(uint8(a))
		require.Equal(t, uint8(1), gfMul(uint8(a), inv), "inverse of %d", a)
		require.Equal(t, uint8(a), gfDiv(gfMul(uint8(a), 0x35), 0x35))
	}
	assert.Equal(t, uint8(0), gfMul(0, 0xAB))
}

func TestSplitValidation(t *testing.T) {
	secret := []byte("secret")
	testCases := []struct {
		name   string
		secret []byte
		n, t   int
	}{
		{"Empty secret", nil, 5, 3},
		{"Threshold below two", secret, 5, 1},
		{"Threshold above share count", secret, 3, 4},
		{"Too many shares", secret, 256, 3},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Split(tc.secret, tc.n, tc.t)
			require.ErrorIs(t, err, interfaces.ErrValidation)
		})
	}
}

func TestSplitReconstructRoundTrip(t *testing.T) {
	params := []struct{ n, t int }{
		{2, 2}, {3, 2}, {5, 3}, {6, 6}, {10, 4},
	}
	for _, p := range params {
		secret := randomSecret(t, 32)
		shares, err := Split(secret, p.n, p.t)
		require.NoError(t, err)
		require.Len(t, shares, p.n)

		for i, s := range shares {
			require.Equal(t, byte(i+1), s.X)
			require.Len(t, s.Y, len(secret))
		}

		for _, subset := range combinations(shares, p.t) {
			got, err := Reconstruct(subset)
			require.NoError(t, err)
			require.Equal(t, secret, got)
		}
	}
}

func TestSplitFiveThreeReconstructOddShares(t *testing.T) {
	secret := randomSecret(t, 16)
	shares, err := Split(secret, 5, 3)
	require.NoError(t, err)

	got, err := Reconstruct([]Share{shares[0], shares[2], shares[4]})
	require.NoError(t, err)
	require.Equal(t, secret, got)
}

func TestSplitIsRandomized(t *testing.T) {
	secret := randomSecret(t, 16)
	a, err := Split(secret, 5, 3)
	require.NoError(t, err)
	b, err := Split(secret, 5, 3)
	require.NoError(t, err)

	require.NotEqual(t, a[0].Y, b[0].Y)

	fromA, err := Reconstruct(a[:3])
	require.NoError(t, err)
	fromB, err := Reconstruct(b[2:])
	require.NoError(t, err)
	require.Equal(t, secret, fromA)
	require.Equal(t, secret, fromB)
}

func TestBelowThresholdYieldsWrongSecret(t *testing.T) {
	for trial := 0; trial < 200; trial++ {
		secret := randomSecret(t, 16)
		shares, err := Split(secret, 5, 3)
		require.NoError(t, err)

		got, err := Reconstruct(shares[:2])
		require.NoError(t, err, "Reconstruct does not know the threshold")
		require.NotEqual(t, secret, got)
	}
}

func TestReconstructWithThreshold(t *testing.T) {
	secret := randomSecret(t, 16)
	shares, err := Split(secret, 5, 3)
	require.NoError(t, err)

	_, err = ReconstructWithThreshold(shares[:2], 3)
	require.ErrorIs(t, err, interfaces.ErrValidation)

	got, err := ReconstructWithThreshold(shares[1:4], 3)
	require.NoError(t, err)
	require.Equal(t, secret, got)

	_, err = ReconstructWithThreshold(shares, 1)
	require.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestReconstructValidation(t *testing.T) {
	secret := randomSecret(t, 16)
	shares, err := Split(secret, 5, 3)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		shares []Share
	}{
		{"No shares", nil},
		{"Single share", shares[:1]},
		{"Duplicate x", []Share{shares[0], shares[1], shares[0]}},
		{"Zero x", []Share{shares[0], {X: 0, Y: shares[1].Y}}},
		{"Length mismatch", []Share{shares[0], {X: 9, Y: shares[1].Y[:4]}}},
		{"Empty y", []Share{{X: 1}, {X: 2}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Reconstruct(tc.shares)
			require.ErrorIs(t, err, interfaces.ErrValidation)
		})
	}
}

func TestVerifyShares(t *testing.T) {
	secret := randomSecret(t, 24)
	shares, err := Split(secret, 6, 3)
	require.NoError(t, err)

	assert.True(t, VerifyShares(shares, 3))
	assert.True(t, VerifyShares(shares[:4], 3))
	assert.True(t, VerifyShares(shares[:3], 3), "exactly t shares are structurally valid")

	corrupted := make([]Share, len(shares))
	for i, s := range shares {
		corrupted[i] = Share{X: s.X, Y: bytes.Clone(s.Y)}
	}
	corrupted[4].Y[7] ^= 0x01
	assert.False(t, VerifyShares(corrupted, 3))

	corrupted[4].Y[7] ^= 0x01
	corrupted[0].Y[0] ^= 0x80
	assert.False(t, VerifyShares(corrupted, 3), "corruption in the basis shares is detected too")

	assert.False(t, VerifyShares(shares[:2], 3), "fewer than t shares")
	assert.False(t, VerifyShares(shares, 1))
	assert.False(t, VerifyShares([]Share{shares[0], shares[0], shares[1], shares[2]}, 3))
	assert.False(t, VerifyShares([]Share{{X: 1, Y: []byte{1}}, {X: 2}, {X: 3, Y: []byte{3}}}, 2))
	assert.False(t, VerifyShares(nil, 2))

	other, err := Split(randomSecret(t, 24), 6, 3)
	require.NoError(t, err)
	mixed := []Share{shares[0], shares[1], shares[2], other[3]}
	assert.False(t, VerifyShares(mixed, 3), "share from a different split")
}

func TestShareEncoding(t *testing.T) {
	secret := randomSecret(t, 16)
	shares, err := Split(secret, 3, 2)
	require.NoError(t, err)

	encoded, err := shares[1].MarshalBinary()
	require.NoError(t, err)
	require.Len(t, encoded, len(secret)+1)
	require.Equal(t, byte(2), encoded[len(encoded)-1])

	decoded, err := ParseShare(encoded)
	require.NoError(t, err)
	require.Equal(t, shares[1], decoded)

	fromString, err := ParseShareString(shares[2].String())
	require.NoError(t, err)
	require.Equal(t, shares[2], fromString)

	_, err = ParseShare([]byte{0x01})
	require.ErrorIs(t, err, interfaces.ErrValidation)
	_, err = ParseShare([]byte{0x01, 0x00})
	require.ErrorIs(t, err, interfaces.ErrValidation)
	_, err = ParseShareString("%%%")
	require.ErrorIs(t, err, interfaces.ErrValidation)
	_, err = Share{}.MarshalBinary()
	require.ErrorIs(t, err, interfaces.ErrValidation)
	require.Equal(t, "", Share{}.String())
}
