/*
Copyright 2025 the dstack-verifier authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UpsertApp inserts or refreshes an app row, stamping last_synced_at. A
// re-synced app loses its tombstone.
func (s *Store) UpsertApp(ctx context.Context, app *App) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps
			(id, config_type, contract_address, model, domain, dstack_version,
			 custom_user, is_public, metadata, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			config_type = EXCLUDED.config_type,
			contract_address = EXCLUDED.contract_address,
			model = EXCLUDED.model,
			domain = EXCLUDED.domain,
			dstack_version = EXCLUDED.dstack_version,
			custom_user = EXCLUDED.custom_user,
			is_public = EXCLUDED.is_public,
			metadata = EXCLUDED.metadata,
			tombstoned = FALSE,
			updated_at = now(),
			last_synced_at = now()`,
		app.ID, app.ConfigType, app.ContractAddress,
		app.Model, app.Domain, app.DstackVersion, app.CustomUser, app.IsPublic, app.Metadata)
	if err != nil {
		return fmt.Errorf("upserting app %s: %w", app.ID, err)
	}
	return nil
}

// GetApp fetches one app by id.
func (s *Store) GetApp(ctx context.Context, id string) (*App, error) {
	var app App
	err := s.db.GetContext(ctx, &app, `SELECT * FROM apps WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("app %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching app %s: %w", id, err)
	}
	return &app, nil
}

// ListApps returns apps ordered by id. Tombstoned apps are excluded unless
// requested.
func (s *Store) ListApps(ctx context.Context, includeTombstoned bool) ([]App, error) {
	query := `SELECT * FROM apps`
	if !includeTombstoned {
		query += ` WHERE NOT tombstoned`
	}
	query += ` ORDER BY id`

	var apps []App
	if err := s.db.SelectContext(ctx, &apps, query); err != nil {
		return nil, fmt.Errorf("listing apps: %w", err)
	}
	return apps, nil
}

// TombstoneAppsExcept marks every live app not in keep as tombstoned and
// returns how many rows changed. An empty keep set is refused: a failed
// upstream listing must not wipe the catalogue.
func (s *Store) TombstoneAppsExcept(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		return 0, fmt.Errorf("refusing to tombstone every app: empty keep set")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE apps SET tombstoned = TRUE, updated_at = now()
		WHERE NOT tombstoned AND NOT (id = ANY($1))`,
		keep)
	if err != nil {
		return 0, fmt.Errorf("tombstoning apps: %w", err)
	}
	return res.RowsAffected()
}

// UpsertProfile inserts or refreshes an upstream profile, keyed by its
// (entity_type, entity_id) pair. The surrogate id of an existing row wins.
func (s *Store) UpsertProfile(ctx context.Context, p *Profile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles
			(id, entity_type, entity_id, display_name, avatar_url, description, custom_domain)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			description = EXCLUDED.description,
			custom_domain = EXCLUDED.custom_domain,
			updated_at = now()`,
		p.ID, p.EntityType, p.EntityID,
		p.DisplayName, p.AvatarURL, p.Description, p.CustomDomain)
	if err != nil {
		return fmt.Errorf("upserting profile %s/%d: %w", p.EntityType, p.EntityID, err)
	}
	return nil
}

// GetProfile fetches one profile by its entity key.
func (s *Store) GetProfile(ctx context.Context, entityType ProfileEntityType, entityID int64) (*Profile, error) {
	var p Profile
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM profiles WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s/%d: %w", entityType, entityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching profile %s/%d: %w", entityType, entityID, err)
	}
	return &p, nil
}
