package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/custody-switch/interfaces"
)

// FileBackend stores content on the local file system, one file per content
// ID, in a subdirectory per content type. Files are readable by the service
// user only.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

var contentDirs = map[interfaces.ArchiveKind]string{
	interfaces.KindShare:    "shares",
	interfaces.KindEvidence: "evidence",
}

// NewFileBackend creates baseDir and its content type subdirectories.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	for _, sub := range contentDirs {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: "file://" + baseDir,
	}, nil
}

func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, kind interfaces.ArchiveKind) ([]byte, error) {
	p, err := b.pathFor(id, kind)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if interfaces.ComputeID(data) != id {
		b.log.Warn("Stored content does not match its ID", slog.String("content_id", id.String()))
		return nil, fmt.Errorf("%w: content hash mismatch", interfaces.ErrIntegrity)
	}
	return data, nil
}

// Store writes through a temporary file and a rename so readers never see a
// partially written blob.
func (b *FileBackend) Store(ctx context.Context, data []byte, kind interfaces.ArchiveKind) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	p, err := b.pathFor(id, kind)
	if err != nil {
		return id, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return id, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return id, fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored content in file",
		slog.String("kind", kind.String()),
		slog.String("content_id", id.String()))
	return id, nil
}

func (b *FileBackend) Delete(ctx context.Context, id interfaces.ContentID, kind interfaces.ArchiveKind) error {
	p, err := b.pathFor(id, kind)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (b *FileBackend) Available(ctx context.Context) bool {
	info, err := os.Stat(b.baseDir)
	if err != nil || !info.IsDir() {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return "file-" + filepath.Base(b.baseDir)
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) pathFor(id interfaces.ContentID, kind interfaces.ArchiveKind) (string, error) {
	sub, ok := contentDirs[kind]
	if !ok {
		return "", fmt.Errorf("%w: unsupported archive kind %v", interfaces.ErrValidation, kind)
	}
	return filepath.Join(b.baseDir, sub, id.String()), nil
}
