package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/custody-switch/interfaces"
)

// MultiStorageBackend writes to every available backend and reads from the
// first one that has the content.
type MultiStorageBackend struct {
	backends []interfaces.ArchiveBackend
	log      *slog.Logger
}

func NewMultiStorageBackend(backends []interfaces.ArchiveBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, kind interfaces.ArchiveKind) ([]byte, error) {
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		data, err := backend.Fetch(ctx, id, kind)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("content_id", id.String()),
			"err", err)
	}

	if len(errs) > 0 && notFound == len(errs) {
		return nil, interfaces.ErrContentNotFound
	}
	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", id.String(), errors.Join(errs...))
}

func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, kind interfaces.ArchiveKind) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)
	stored := 0
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		got, err := backend.Store(ctx, data, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend", slog.String("backend_name", backend.Name()), "err", err)
			continue
		}
		if got != id {
			m.log.Warn("Backend returned an unexpected content ID",
				slog.String("backend_name", backend.Name()),
				slog.String("expected_id", id.String()),
				slog.String("actual_id", got.String()))
			continue
		}
		stored++
	}

	if stored == 0 {
		if len(errs) == 0 {
			return interfaces.ContentID{}, interfaces.ErrBackendUnavailable
		}
		return interfaces.ContentID{}, fmt.Errorf("all backends failed to store data: %w", errors.Join(errs...))
	}

	m.log.Debug("Stored content",
		slog.String("content_id", id.String()),
		slog.Int("backends", stored),
		slog.Duration("duration", time.Since(start)))
	return id, nil
}

// Delete removes content from every backend, including those that report
// themselves unavailable. It fails if any backend fails.
func (m *MultiStorageBackend) Delete(ctx context.Context, id interfaces.ContentID, kind interfaces.ArchiveKind) error {
	var errs []error
	for _, backend := range m.backends {
		if err := backend.Delete(ctx, id, kind); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
