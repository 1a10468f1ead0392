package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID is the SHA-256 of an archived blob. Successors and evidence
// exports refer to archived material by its hex form.
type ContentID [32]byte

// ComputeID returns the content ID of data.
func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

// NewContentIDFromHex parses the hex form stored on successors and printed by
// exports. A 0x prefix is accepted.
func NewContentIDFromHex(s string) (ContentID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ContentID{}, fmt.Errorf("%w: content id is not hex: %v", ErrValidation, err)
	}
	if len(raw) != sha256.Size {
		return ContentID{}, fmt.Errorf("%w: content id must be %d bytes, got %d", ErrValidation, sha256.Size, len(raw))
	}
	return ContentID(raw), nil
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ArchiveKind separates the two kinds of archived material. Backends keep
// each kind under its own prefix.
type ArchiveKind int

const (
	// KindShare is a successor's sealed share. It is deleted when the
	// successor is removed or re-provisioned.
	KindShare ArchiveKind = iota
	// KindEvidence is a signed export of ledger records. It is never deleted
	// by the service.
	KindEvidence
)

func (k ArchiveKind) String() string {
	switch k {
	case KindShare:
		return "share"
	case KindEvidence:
		return "evidence"
	default:
		return "unknown"
	}
}

// Archive location schemes.
const (
	SchemeFile  = "file"
	SchemeS3    = "s3"
	SchemeVault = "vault"
)

// ArchiveLocation is a parsed archive URI such as
// s3://KEY:SECRET@bucket/prefix?region=eu-west-1.
type ArchiveLocation struct {
	url.URL
}

// ParseArchiveLocation parses uri and rejects schemes without a backend.
func ParseArchiveLocation(uri string) (ArchiveLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ArchiveLocation{}, fmt.Errorf("%w: %v", ErrInvalidArchiveLocation, err)
	}
	switch parsed.Scheme {
	case SchemeFile, SchemeS3, SchemeVault:
	default:
		return ArchiveLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidArchiveLocation, parsed.Scheme)
	}
	return ArchiveLocation{URL: *parsed}, nil
}

// String hides the credentials so locations can be logged.
func (loc ArchiveLocation) String() string {
	return loc.Redacted()
}

// Credentials returns the user and password parts of the URI.
func (loc ArchiveLocation) Credentials() (user, secret string) {
	if loc.User == nil {
		return "", ""
	}
	secret, _ = loc.User.Password()
	return loc.User.Username(), secret
}

func (loc ArchiveLocation) Param(name string) string {
	return loc.Query().Get(name)
}

// ParamBool treats true, 1 and yes as set.
func (loc ArchiveLocation) ParamBool(name string) bool {
	switch loc.Param(name) {
	case "true", "1", "yes":
		return true
	}
	return false
}

var (
	// ErrContentNotFound means no backend holds the requested share or evidence.
	ErrContentNotFound = errors.New("archived content not found")

	// ErrBackendUnavailable means a backend could not be reached. The multi
	// backend keeps going with the remaining ones.
	ErrBackendUnavailable = errors.New("archive backend unavailable")

	ErrInvalidArchiveLocation = errors.New("invalid archive location")
)

// ArchiveBackend keeps sealed shares and ledger evidence off the primary
// database, addressed by the hash of their bytes. Storing the same bytes twice
// yields the same ContentID.
type ArchiveBackend interface {
	Fetch(ctx context.Context, id ContentID, kind ArchiveKind) ([]byte, error)
	Store(ctx context.Context, data []byte, kind ArchiveKind) (ContentID, error)

	// Delete drops an archived share once its successor is gone. Deleting
	// content that is not there succeeds, so removal can be retried.
	Delete(ctx context.Context, id ContentID, kind ArchiveKind) error

	Available(ctx context.Context) bool

	// Name and LocationURI identify the backend in logs. LocationURI never
	// includes credentials.
	Name() string
	LocationURI() string
}

// ArchiveFactory builds backends from configured locations.
type ArchiveFactory interface {
	BackendFor(loc ArchiveLocation) (ArchiveBackend, error)
	// CreateMultiBackend writes to every location and reads from the first
	// one that has the content.
	CreateMultiBackend(locs []ArchiveLocation) (ArchiveBackend, error)
}
