package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/custody-switch/interfaces"
)

// VaultConfig locates a KV v2 mount in Vault. An empty Token falls back to
// VAULT_TOKEN from the environment.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	MountPath string
	DataPath  string
}

// VaultBackend stores content as base64 in Vault's KV v2 secrets engine
// under <mount>/data/<path>/<content type>/<hex id>.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

func NewVaultBackend(cfg VaultConfig, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	if config.Error != nil {
		return nil, fmt.Errorf("failed to read Vault environment: %w", config.Error)
	}
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	dataPath := strings.Trim(cfg.DataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(config.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, kind interfaces.ArchiveKind) ([]byte, error) {
	secret, err := b.client.Logical().ReadWithContext(ctx, b.secretPath("data", id, kind))
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("content_id", id.String()), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrContentNotFound
	}

	// Soft-deleted versions come back with a nil data map.
	fields, ok := secret.Data["data"].(map[string]any)
	if !ok || fields == nil {
		return nil, interfaces.ErrContentNotFound
	}
	encoded, ok := fields["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("%w: content hash mismatch", interfaces.ErrIntegrity)
	}
	return data, nil
}

func (b *VaultBackend) Store(ctx context.Context, data []byte, kind interfaces.ArchiveKind) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	payload := map[string]any{
		"data": map[string]any{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, b.secretPath("data", id, kind), payload); err != nil {
		b.log.Error("Failed to write to Vault", slog.String("content_id", id.String()), "err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored content in Vault", slog.String("content_id", id.String()))
	return id, nil
}

// Delete removes every version and the metadata of the secret.
func (b *VaultBackend) Delete(ctx context.Context, id interfaces.ContentID, kind interfaces.ArchiveKind) error {
	if _, err := b.client.Logical().DeleteWithContext(ctx, b.secretPath("metadata", id, kind)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(section string, id interfaces.ContentID, kind interfaces.ArchiveKind) string {
	parts := []string{b.mountPath, section}
	if b.dataPath != "" {
		parts = append(parts, b.dataPath)
	}
	parts = append(parts, kind.String(), id.String())
	return strings.Join(parts, "/")
}
