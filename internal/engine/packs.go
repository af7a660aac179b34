package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentline/internal/composer"
	"agentline/internal/domain"
	"agentline/internal/repo"
)

// PublishPack composes a manifest and stores the artifact as a new immutable
// registry version, moving the pack's current pointer to it. Republishing an
// identical artifact under the same version is a no-op; a different artifact
// under a taken version is rejected.
func (e Engine) PublishPack(ctx context.Context, m composer.Manifest) (domain.PackVersion, error) {
	cfg, err := composer.Compose(m)
	if err != nil {
		return domain.PackVersion{}, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return domain.PackVersion{}, err
	}
	prov, err := json.Marshal(cfg.Provenance)
	if err != nil {
		return domain.PackVersion{}, err
	}
	pv := domain.PackVersion{
		PackID:         cfg.PackID,
		Version:        cfg.Version,
		ContentHash:    cfg.ContentHash,
		ConfigJSON:     string(raw),
		ProvenanceJSON: string(prov),
		PublishedAt:    e.nowStr(),
	}
	if err := e.Repo.PublishPackVersion(ctx, pv); err != nil {
		if errors.Is(err, repo.ErrVersionExists) {
			existing, getErr := e.Repo.GetPackVersion(ctx, pv.PackID, pv.Version)
			if getErr == nil && existing.ContentHash == pv.ContentHash {
				return existing, nil
			}
			return domain.PackVersion{}, fmt.Errorf("pack %s@%s already published with a different artifact: %w", pv.PackID, pv.Version, err)
		}
		return domain.PackVersion{}, err
	}
	e.Log.Info("pack published", "pack_id", pv.PackID, "version", pv.Version, "content_hash", pv.ContentHash)
	return pv, nil
}
