package storage

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ruteri/custody-switch/interfaces"
)

var _ interfaces.ArchiveFactory = (*BackendFactory)(nil)

// BackendFactory turns configured archive locations into backends.
type BackendFactory struct {
	log *slog.Logger
}

func NewBackendFactory(logger *slog.Logger) *BackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackendFactory{log: logger}
}

// BackendFor creates a backend for one location.
//
// Supported forms:
//   - file:///absolute/path or file://./relative/path
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=https://minio:9000&path_style=true
//   - vault://host:8200/mount/path?tls=true&namespace=ns (token from VAULT_TOKEN)
func (sf *BackendFactory) BackendFor(loc interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	switch loc.Scheme {
	case interfaces.SchemeFile:
		return sf.createFileBackend(loc)
	case interfaces.SchemeS3:
		return sf.createS3Backend(loc)
	case interfaces.SchemeVault:
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidArchiveLocation, loc.Scheme)
	}
}

// CreateMultiBackend skips locations that fail to initialize and errors only
// when none succeed.
func (sf *BackendFactory) CreateMultiBackend(locations []interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	backends := make([]interfaces.ArchiveBackend, 0, len(locations))
	for _, loc := range locations {
		backend, err := sf.BackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, slog.String("scheme", loc.Scheme))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no valid storage backends created", interfaces.ErrInvalidArchiveLocation)
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

// ParseLocations parses a list of location URIs.
func ParseLocations(uris []string) ([]interfaces.ArchiveLocation, error) {
	locations := make([]interfaces.ArchiveLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.ParseArchiveLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

func (sf *BackendFactory) createFileBackend(loc interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		path = filepath.Join(loc.Host, strings.TrimPrefix(path, "/"))
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidArchiveLocation)
	}
	return NewFileBackend(path, sf.log)
}

func (sf *BackendFactory) createS3Backend(loc interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	cfg := S3Config{
		Bucket:    loc.Host,
		Prefix:    strings.TrimPrefix(loc.Path, "/"),
		Region:    loc.Param("region"),
		Endpoint:  loc.Param("endpoint"),
		PathStyle: loc.ParamBool("path_style"),
	}
	cfg.AccessKey, cfg.SecretKey = loc.Credentials()
	return NewS3Backend(cfg, sf.log)
}

func (sf *BackendFactory) createVaultBackend(loc interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: vault URI needs a host", interfaces.ErrInvalidArchiveLocation)
	}
	scheme := "https"
	if loc.Query().Has("tls") && !loc.ParamBool("tls") {
		scheme = "http"
	}

	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(loc.Path, "/"), "/")
	return NewVaultBackend(VaultConfig{
		Address:   scheme + "://" + loc.Host,
		Namespace: loc.Param("namespace"),
		MountPath: mount,
		DataPath:  dataPath,
	}, sf.log)
}
