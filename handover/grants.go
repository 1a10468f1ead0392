package handover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/metrics"
)

const grantIssuer = "custody-switch"

// MinGrantSecretLength is the shortest HMAC secret accepted for grants.
const MinGrantSecretLength = 32

// GrantConfig configures retrieval grants.
type GrantConfig struct {
	Secret []byte        `yaml:"-"`
	TTL    time.Duration `yaml:"ttl"`
	// MaxRedemptions limits how often one grant can be redeemed.
	MaxRedemptions int64 `yaml:"max_redemptions"`
}

// GrantClaims are the JWT claims of a retrieval grant. The subject is the
// successor ID and the token ID keys the redemption counter.
type GrantClaims struct {
	ProcessID string `json:"pid"`
	jwt.RegisteredClaims
}

// Retrieval is what a redeemed grant releases: the successor's share, still
// sealed for the successor.
type Retrieval struct {
	ProcessID      uuid.UUID `json:"processId"`
	SuccessorID    uuid.UUID `json:"successorId"`
	ShareIndex     int       `json:"shareIndex"`
	EncryptedShare []byte    `json:"encryptedShare"`
}

// GrantIssuer issues short-lived signed grants that let a successor fetch
// their encrypted share once the handover is ready for transfer.
type GrantIssuer struct {
	store   interfaces.Store
	counter interfaces.Counter
	clock   interfaces.Clock
	log     *slog.Logger
	cfg     GrantConfig
}

func NewGrantIssuer(store interfaces.Store, counter interfaces.Counter, clock interfaces.Clock, log *slog.Logger, cfg GrantConfig) (*GrantIssuer, error) {
	if len(cfg.Secret) < MinGrantSecretLength {
		return nil, fmt.Errorf("%w: grant secret must be at least %d bytes", interfaces.ErrValidation, MinGrantSecretLength)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: grant ttl must be positive", interfaces.ErrValidation)
	}
	if cfg.MaxRedemptions <= 0 {
		cfg.MaxRedemptions = 1
	}
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.Secret = append([]byte(nil), cfg.Secret...)
	return &GrantIssuer{store: store, counter: counter, clock: clock, log: log, cfg: cfg}, nil
}

// IssueRetrievalGrant signs a grant for a successor that confirmed a process
// in ready_for_transfer.
func (g *GrantIssuer) IssueRetrievalGrant(ctx context.Context, processID, successorID uuid.UUID) (string, error) {
	token, err := g.issue(ctx, processID, successorID)
	outcome := "ok"
	if err != nil {
		outcome = "denied"
	}
	metrics.RetrievalGrantsTotal.WithLabelValues("issue", outcome).Inc()
	return token, err
}

func (g *GrantIssuer) issue(ctx context.Context, processID, successorID uuid.UUID) (string, error) {
	process, err := g.store.Handovers().Get(ctx, processID)
	if err != nil {
		return "", err
	}
	if process.Status != interfaces.StatusReadyForTransfer {
		return "", fmt.Errorf("%w: handover is %s", interfaces.ErrConflict, process.Status)
	}
	if r, ok := process.Responses[successorID.String()]; !ok || r.Response != interfaces.ResponseConfirmed {
		return "", fmt.Errorf("%w: successor has not confirmed the handover", interfaces.ErrValidation)
	}
	if _, err := g.eligibleSuccessor(ctx, process, successorID); err != nil {
		return "", err
	}

	now := g.clock.Now()
	claims := GrantClaims{
		ProcessID: processID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    grantIssuer,
			Subject:   successorID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.cfg.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign grant: %w", err)
	}

	g.log.Info("Issued retrieval grant",
		slog.String("process_id", processID.String()),
		slog.String("successor_id", successorID.String()),
		slog.Time("expires_at", claims.ExpiresAt.Time))
	return signed, nil
}

// RedeemRetrievalGrant validates a grant and returns the successor's
// encrypted share. Process status and successor verification are checked
// again at redemption.
func (g *GrantIssuer) RedeemRetrievalGrant(ctx context.Context, token string) (*Retrieval, error) {
	r, err := g.redeem(ctx, token)
	outcome := "ok"
	if err != nil {
		outcome = "denied"
	}
	metrics.RetrievalGrantsTotal.WithLabelValues("redeem", outcome).Inc()
	return r, err
}

func (g *GrantIssuer) redeem(ctx context.Context, token string) (*Retrieval, error) {
	claims := &GrantClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return g.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(grantIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid retrieval grant", interfaces.ErrValidation)
	}

	processID, err := uuid.Parse(claims.ProcessID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid retrieval grant", interfaces.ErrValidation)
	}
	successorID, err := uuid.Parse(claims.Subject)
	if err != nil || claims.ID == "" {
		return nil, fmt.Errorf("%w: invalid retrieval grant", interfaces.ErrValidation)
	}

	process, err := g.store.Handovers().Get(ctx, processID)
	if err != nil {
		return nil, err
	}
	if process.Status != interfaces.StatusReadyForTransfer && process.Status != interfaces.StatusCompleted {
		return nil, fmt.Errorf("%w: handover is %s", interfaces.ErrConflict, process.Status)
	}

	successor, err := g.eligibleSuccessor(ctx, process, successorID)
	if err != nil {
		return nil, err
	}

	// The counter must outlive the token.
	ttl := claims.ExpiresAt.Sub(g.clock.Now()) + time.Minute
	n, err := g.counter.Incr(ctx, "grant:"+claims.ID, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to count redemption: %w", err)
	}
	if n > g.cfg.MaxRedemptions {
		g.log.Warn("Retrieval grant reused",
			slog.String("process_id", processID.String()),
			slog.String("successor_id", successorID.String()),
			slog.Int64("redemptions", n))
		return nil, fmt.Errorf("%w: retrieval grant already used", interfaces.ErrConflict)
	}

	return &Retrieval{
		ProcessID:      processID,
		SuccessorID:    successorID,
		ShareIndex:     successor.ShareIndex,
		EncryptedShare: successor.EncryptedShare,
	}, nil
}

func (g *GrantIssuer) eligibleSuccessor(ctx context.Context, process *interfaces.HandoverProcess, successorID uuid.UUID) (*interfaces.Successor, error) {
	successor, err := g.store.Successors().Get(ctx, successorID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: successor no longer exists", interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if successor.OwnerID != process.OwnerID {
		return nil, fmt.Errorf("%w: successor does not belong to this handover", interfaces.ErrValidation)
	}
	if !successor.Verified {
		return nil, fmt.Errorf("%w: successor is not verified", interfaces.ErrValidation)
	}
	if !successor.HasShare() {
		return nil, fmt.Errorf("%w: no share provisioned for successor", interfaces.ErrNotFound)
	}
	return successor, nil
}
