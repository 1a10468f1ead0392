package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
)

// EvidenceVersion is the current Evidence encoding version.
const EvidenceVersion = 1

// AuditReport summarizes the verification of an owner's records over a range.
type AuditReport struct {
	OwnerID  uuid.UUID   `json:"ownerId"`
	From     time.Time   `json:"from"`
	To       time.Time   `json:"to"`
	Total    int         `json:"total"`
	Verified int         `json:"verified"`
	Tampered []uuid.UUID `json:"tampered,omitempty"`
}

// Intact reports whether every audited record verified.
func (r *AuditReport) Intact() bool {
	return len(r.Tampered) == 0
}

// Evidence is an exported, self-contained range of signed records. Anyone
// holding the signing secret can re-verify it without access to the store.
type Evidence struct {
	Version    int                         `json:"version"`
	OwnerID    uuid.UUID                   `json:"ownerId"`
	From       time.Time                   `json:"from"`
	To         time.Time                   `json:"to"`
	ExportedAt time.Time                   `json:"exportedAt"`
	Records    []interfaces.ActivityRecord `json:"records"`
}

// AuditRange verifies every record with from <= timestamp < to.
func (l *Ledger) AuditRange(ctx context.Context, ownerID uuid.UUID, from, to time.Time) (*AuditReport, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: audit range is empty", interfaces.ErrValidation)
	}
	records, err := l.store.Activities().InRange(ctx, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	report, err := l.audit(records)
	if err != nil {
		return nil, err
	}
	report.OwnerID, report.From, report.To = ownerID, from, to

	if !report.Intact() {
		l.log.Error("Ledger audit found tampered records",
			slog.String("owner_id", ownerID.String()),
			slog.Int("tampered", len(report.Tampered)),
			slog.Int("total", report.Total))
	}
	return report, nil
}

func (l *Ledger) audit(records []interfaces.ActivityRecord) (*AuditReport, error) {
	report := &AuditReport{Total: len(records)}
	for i := range records {
		err := l.VerifyIntegrity(&records[i])
		switch {
		case err == nil:
			report.Verified++
		case errors.Is(err, interfaces.ErrIntegrity):
			report.Tampered = append(report.Tampered, records[i].ID)
		default:
			return nil, err
		}
	}
	return report, nil
}

// ExportRange writes the records in [from, to) to backend as evidence and
// returns its content ID. Tampered records are exported as they are; the
// evidence carries the original signatures so the tampering stays detectable.
func (l *Ledger) ExportRange(ctx context.Context, backend interfaces.ArchiveBackend, ownerID uuid.UUID, from, to time.Time) (interfaces.ContentID, error) {
	if !from.Before(to) {
		return interfaces.ContentID{}, fmt.Errorf("%w: export range is empty", interfaces.ErrValidation)
	}
	records, err := l.store.Activities().InRange(ctx, ownerID, from, to)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	if records == nil {
		records = []interfaces.ActivityRecord{}
	}

	data, err := json.Marshal(&Evidence{
		Version:    EvidenceVersion,
		OwnerID:    ownerID,
		From:       from.UTC(),
		To:         to.UTC(),
		ExportedAt: l.clock.Now().UTC(),
		Records:    records,
	})
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to encode evidence: %w", err)
	}

	id, err := backend.Store(ctx, data, interfaces.KindEvidence)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to archive evidence: %w", err)
	}
	l.log.Info("Exported ledger evidence",
		slog.String("owner_id", ownerID.String()),
		slog.String("content_id", id.String()),
		slog.Int("records", len(records)))
	return id, nil
}

// VerifyEvidence decodes an exported range and verifies every record in it.
func (l *Ledger) VerifyEvidence(data []byte) (*Evidence, *AuditReport, error) {
	var evidence Evidence
	if err := json.Unmarshal(data, &evidence); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed evidence", interfaces.ErrValidation)
	}
	if evidence.Version != EvidenceVersion {
		return nil, nil, fmt.Errorf("%w: unsupported evidence version %d", interfaces.ErrValidation, evidence.Version)
	}
	for _, r := range evidence.Records {
		if r.OwnerID != evidence.OwnerID {
			return nil, nil, fmt.Errorf("%w: evidence mixes owners", interfaces.ErrIntegrity)
		}
	}

	report, err := l.audit(evidence.Records)
	if err != nil {
		return nil, nil, err
	}
	report.OwnerID, report.From, report.To = evidence.OwnerID, evidence.From, evidence.To
	return &evidence, report, nil
}
