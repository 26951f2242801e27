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

package upstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dstack-tee/dstack-verifier/pkg/queue"
	"github.com/dstack-tee/dstack-verifier/pkg/store"
	"github.com/dstack-tee/dstack-verifier/pkg/verifier"
)

// Catalog is the persistence surface the syncer writes to.
type Catalog interface {
	UpsertApp(ctx context.Context, app *store.App) error
	UpsertProfile(ctx context.Context, p *store.Profile) error
	TombstoneAppsExcept(ctx context.Context, keep []string) (int64, error)
	CreateTask(ctx context.Context, t *store.VerificationTask) error
	SetTaskJobID(ctx context.Context, id uuid.UUID, jobID string) error
}

// AppSource fetches the upstream app dataset.
type AppSource interface {
	Apps(ctx context.Context) ([]UpstreamApp, error)
	Profiles(ctx context.Context) ([]UpstreamProfile, error)
}

// Enqueuer schedules verification jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID uuid.UUID, delay time.Duration) (*queue.Job, error)
}

// SyncerConfig tunes the sync engine.
type SyncerConfig struct {
	// LeaseTTL bounds a sync run; a crashed syncer frees the lease after it.
	LeaseTTL time.Duration
	// VersionAllowlist lists dstack versions whose apps are auto-enqueued
	// for verification after a sync. Empty disables auto-enqueue.
	VersionAllowlist []string
}

// Syncer pulls the upstream catalogue into the store. A Redis lease keeps
// concurrent replicas from syncing at once.
type Syncer struct {
	source  AppSource
	catalog Catalog
	jobs    Enqueuer
	rdb     *redis.Client
	cfg     SyncerConfig
	logger  logr.Logger
}

// NewSyncer creates a sync engine.
func NewSyncer(source AppSource, catalog Catalog, jobs Enqueuer, rdb *redis.Client, cfg SyncerConfig, logger logr.Logger) *Syncer {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}
	return &Syncer{
		source:  source,
		catalog: catalog,
		jobs:    jobs,
		rdb:     rdb,
		cfg:     cfg,
		logger:  logger.WithName("sync"),
	}
}

const (
	appLeaseKey     = "verifier:sync:apps:lease"
	profileLeaseKey = "verifier:sync:profiles:lease"
)

// SyncApps pulls the app dataset, upserts every derivable app, tombstones
// apps that disappeared upstream, and auto-enqueues allow-listed versions.
// A run that cannot take the lease returns without error.
func (s *Syncer) SyncApps(ctx context.Context) error {
	ok, release, err := s.acquire(ctx, appLeaseKey)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.V(1).Info("app sync lease held elsewhere, skipping")
		return nil
	}
	defer release()

	rows, err := s.source.Apps(ctx)
	if err != nil {
		return fmt.Errorf("fetching upstream apps: %w", err)
	}

	var kept []string
	var enqueue []store.App
	for _, row := range rows {
		app, ok := deriveApp(row)
		if !ok {
			s.logger.V(1).Info("skipping non-derivable app", "app_id", row.ID, "version", row.DstackVersion)
			continue
		}
		if err := s.catalog.UpsertApp(ctx, &app); err != nil {
			return err
		}
		kept = append(kept, app.ID)
		if s.allowListed(row.DstackVersion) {
			enqueue = append(enqueue, app)
		}
	}

	if len(kept) > 0 {
		n, err := s.catalog.TombstoneAppsExcept(ctx, kept)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("tombstoned vanished apps", "count", n)
		}
	}

	for _, app := range enqueue {
		if err := s.enqueueVerification(ctx, app); err != nil {
			s.logger.Error(err, "auto-enqueueing verification", "app_id", app.ID)
		}
	}

	s.logger.Info("app sync finished", "upstream", len(rows), "synced", len(kept), "enqueued", len(enqueue))
	return nil
}

// SyncProfiles pulls the profile dataset.
func (s *Syncer) SyncProfiles(ctx context.Context) error {
	ok, release, err := s.acquire(ctx, profileLeaseKey)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.V(1).Info("profile sync lease held elsewhere, skipping")
		return nil
	}
	defer release()

	rows, err := s.source.Profiles(ctx)
	if err != nil {
		return fmt.Errorf("fetching upstream profiles: %w", err)
	}
	for _, row := range rows {
		if err := s.catalog.UpsertProfile(ctx, &store.Profile{
			EntityType:   store.ProfileEntityType(row.EntityType),
			EntityID:     row.EntityID,
			DisplayName:  optString(row.DisplayName),
			AvatarURL:    optString(row.AvatarURL),
			Description:  optString(row.Description),
			CustomDomain: optString(row.CustomDomain),
		}); err != nil {
			return err
		}
	}
	s.logger.Info("profile sync finished", "count", len(rows))
	return nil
}

func (s *Syncer) acquire(ctx context.Context, key string) (bool, func(), error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, s.cfg.LeaseTTL).Result()
	if err != nil {
		return false, nil, fmt.Errorf("acquiring sync lease: %w", err)
	}
	if !ok {
		return false, nil, nil
	}
	release := func() {
		// Only the holder may free the lease.
		val, err := s.rdb.Get(context.WithoutCancel(ctx), key).Result()
		if err == nil && val == token {
			s.rdb.Del(context.WithoutCancel(ctx), key)
		}
	}
	return true, release, nil
}

func (s *Syncer) allowListed(version string) bool {
	if len(s.cfg.VersionAllowlist) == 0 {
		return false
	}
	v, err := ParseVersion(version)
	if err != nil {
		return false
	}
	for _, want := range s.cfg.VersionAllowlist {
		w, err := ParseVersion(want)
		if err == nil && v.Compare(w) == 0 {
			return true
		}
	}
	return false
}

func (s *Syncer) enqueueVerification(ctx context.Context, app store.App) error {
	cfg := verifier.AppConfig{ContractAddress: app.ContractAddress}
	if app.Model.Valid {
		cfg.Model = app.Model.String
	} else if app.Domain.Valid {
		cfg.Domain = verificationHost(app)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	task := &store.VerificationTask{
		ID:        uuid.New(),
		AppID:     sql.NullString{String: app.ID, Valid: true},
		AppConfig: payload,
		Flags:     "all",
	}
	if err := s.catalog.CreateTask(ctx, task); err != nil {
		return err
	}
	job, err := s.jobs.Enqueue(ctx, task.ID, 0)
	if err != nil {
		return err
	}
	return s.catalog.SetTaskJobID(ctx, task.ID, job.ID)
}

// appMetadata is the upstream identity carried alongside a synced app.
type appMetadata struct {
	DstackAppID string `json:"dstackAppId,omitempty"`
	Name        string `json:"name,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	CreatorID   string `json:"creatorId,omitempty"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
}

// deriveApp maps an upstream row to a stored app. Returns false when the
// row's dstack version predates on-chain registration and nothing can be
// verified for it.
func deriveApp(row UpstreamApp) (store.App, bool) {
	v, err := ParseVersion(row.DstackVersion)
	if err != nil {
		return store.App{}, false
	}

	var contract string
	switch {
	case v.AtLeast(v053):
		if row.DstackAppID == "" {
			return store.App{}, false
		}
		contract = "0x" + strings.TrimPrefix(row.DstackAppID, "0x")
	case v.AtLeast(v051):
		if row.ContractAddress == "" {
			return store.App{}, false
		}
		contract = row.ContractAddress
	default:
		return store.App{}, false
	}

	meta, _ := json.Marshal(appMetadata{
		DstackAppID: row.DstackAppID,
		Name:        row.Name,
		WorkspaceID: row.WorkspaceID,
		CreatorID:   row.CreatorID,
		Username:    row.Username,
		Email:       row.Email,
	})
	app := store.App{
		ID:              row.ID,
		ContractAddress: contract,
		DstackVersion:   sql.NullString{String: row.DstackVersion, Valid: true},
		CustomUser:      optString(customUser(row)),
		IsPublic:        row.Listed,
		Metadata:        meta,
	}

	if row.Model != "" {
		app.ConfigType = store.ConfigRedpill
		app.Model = sql.NullString{String: row.Model, Valid: true}
		return app, true
	}

	// The stored domain is the bare gateway suffix; instance hosts are
	// composed from it when a verification needs one.
	suffix := row.TproxyBaseDomain
	if v.AtLeast(v053) {
		suffix = row.GatewayDomainSuffix
	}
	if suffix == "" || row.DstackAppID == "" {
		return store.App{}, false
	}
	app.ConfigType = store.ConfigPhalaCloud
	app.Domain = sql.NullString{String: strings.TrimPrefix(suffix, "."), Valid: true}
	return app, true
}

// verificationHost composes the gateway host for a domain-verified app:
// <dstack app id>.<gateway suffix>.
func verificationHost(app store.App) string {
	var meta appMetadata
	_ = json.Unmarshal(app.Metadata, &meta)
	if meta.DstackAppID == "" {
		return app.Domain.String
	}
	return strings.TrimPrefix(meta.DstackAppID, "0x") + "." + app.Domain.String
}

func optString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// customUser prefers the upstream username and falls back to a stable
// creator-derived handle.
func customUser(row UpstreamApp) string {
	if row.Username != "" {
		return row.Username
	}
	if row.CreatorID != "" {
		return "user_" + row.CreatorID
	}
	return ""
}
