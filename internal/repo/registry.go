package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentline/internal/domain"
)

// ErrVersionExists is returned when publishing a (pack, version) pair that is
// already in the registry. Published versions are immutable.
var ErrVersionExists = errors.New("pack version already exists")

// PublishPackVersion appends an immutable pack version and moves the pack's
// current pointer to it.
func (r Repo) PublishPackVersion(ctx context.Context, pv domain.PackVersion) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO pack_versions(pack_id,version,content_hash,config_json,provenance_json,published_at) VALUES (?,?,?,?,?,?)`,
		pv.PackID, pv.Version, pv.ContentHash, pv.ConfigJSON, pv.ProvenanceJSON, pv.PublishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s@%s", ErrVersionExists, pv.PackID, pv.Version)
		}
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO packs(id,current_version,updated_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET current_version=excluded.current_version, updated_at=excluded.updated_at`,
		pv.PackID, pv.Version, pv.PublishedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanPackVersion(row *sql.Row) (domain.PackVersion, error) {
	var pv domain.PackVersion
	err := row.Scan(&pv.PackID, &pv.Version, &pv.ContentHash, &pv.ConfigJSON, &pv.ProvenanceJSON, &pv.PublishedAt)
	if err == sql.ErrNoRows {
		return pv, ErrNotFound
	}
	return pv, err
}

func (r Repo) GetPackVersion(ctx context.Context, packID, version string) (domain.PackVersion, error) {
	return scanPackVersion(r.DB.QueryRowContext(ctx,
		`SELECT pack_id,version,content_hash,config_json,provenance_json,published_at FROM pack_versions WHERE pack_id=? AND version=?`,
		packID, version))
}

// CurrentPackVersion resolves the pack's current pointer. Task creation pins
// the resolved version so mid-flight pointer moves cannot affect it.
func (r Repo) CurrentPackVersion(ctx context.Context, packID string) (domain.PackVersion, error) {
	var version sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT current_version FROM packs WHERE id=?`, packID).Scan(&version)
	if err == sql.ErrNoRows {
		return domain.PackVersion{}, ErrNotFound
	}
	if err != nil {
		return domain.PackVersion{}, err
	}
	if !version.Valid {
		return domain.PackVersion{}, ErrNotFound
	}
	return r.GetPackVersion(ctx, packID, version.String)
}

func (r Repo) ListPackVersions(ctx context.Context, packID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version FROM pack_versions WHERE pack_id=? ORDER BY published_at, version`, packID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
