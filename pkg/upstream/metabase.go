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

// Package upstream syncs the app catalogue and user profiles from the
// upstream Metabase datasets into the local store.
package upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// UpstreamApp is one row of the upstream app dataset.
type UpstreamApp struct {
	ID                  string `json:"id" validate:"required"`
	Name                string `json:"name"`
	Model               string `json:"model"`
	DstackAppID         string `json:"dstack_app_id"`
	ContractAddress     string `json:"contract_address"`
	GatewayDomainSuffix string `json:"gateway_domain_suffix"`
	TproxyBaseDomain    string `json:"tproxy_base_domain"`
	DstackVersion       string `json:"dstack_version" validate:"required"`
	WorkspaceID         string `json:"workspace_id"`
	CreatorID           string `json:"creator_id"`
	Username            string `json:"username"`
	Email               string `json:"email"`
	Listed              bool   `json:"listed"`
}

// UpstreamProfile is one row of the upstream profile dataset.
type UpstreamProfile struct {
	EntityType   string `json:"entityType" validate:"required,oneof=app user workspace"`
	EntityID     int64  `json:"entityId" validate:"required"`
	DisplayName  string `json:"displayName"`
	AvatarURL    string `json:"avatarUrl"`
	Description  string `json:"description"`
	CustomDomain string `json:"customDomain"`
}

// MetabaseConfig locates the upstream datasets: one saved-query URL per
// dataset, authenticated by a shared API key.
type MetabaseConfig struct {
	AppQueryURL     string
	ProfileQueryURL string
	APIKey          string
	Timeout         time.Duration
}

// MetabaseClient fetches dataset rows from saved Metabase cards.
type MetabaseClient struct {
	rc       *resty.Client
	cfg      MetabaseConfig
	validate *validator.Validate
	logger   logr.Logger
}

// NewMetabaseClient creates an upstream client.
func NewMetabaseClient(cfg MetabaseConfig, logger logr.Logger) *MetabaseClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &MetabaseClient{
		rc: resty.NewWithClient(cleanhttp.DefaultPooledClient()).
			SetTimeout(timeout).
			SetHeader("X-API-KEY", cfg.APIKey),
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.WithName("metabase"),
	}
}

// Apps fetches the full app dataset. Rows failing validation are dropped
// with a log line rather than sinking the sync.
func (c *MetabaseClient) Apps(ctx context.Context) ([]UpstreamApp, error) {
	var rows []UpstreamApp
	if err := c.query(ctx, c.cfg.AppQueryURL, &rows); err != nil {
		return nil, err
	}
	valid := rows[:0]
	for _, row := range rows {
		if err := c.validate.Struct(row); err != nil {
			c.logger.Info("dropping invalid upstream app row", "app_id", row.ID, "error", err.Error())
			continue
		}
		valid = append(valid, row)
	}
	return valid, nil
}

// Profiles fetches the full profile dataset.
func (c *MetabaseClient) Profiles(ctx context.Context) ([]UpstreamProfile, error) {
	var rows []UpstreamProfile
	if err := c.query(ctx, c.cfg.ProfileQueryURL, &rows); err != nil {
		return nil, err
	}
	valid := rows[:0]
	for _, row := range rows {
		if err := c.validate.Struct(row); err != nil {
			c.logger.Info("dropping invalid upstream profile row",
				"entity_type", row.EntityType, "entity_id", row.EntityID, "error", err.Error())
			continue
		}
		valid = append(valid, row)
	}
	return valid, nil
}

// query runs a saved query. Metabase expects an empty POST body.
func (c *MetabaseClient) query(ctx context.Context, url string, out any) error {
	resp, err := c.rc.R().SetContext(ctx).Post(url)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "querying metabase", err)
	}
	if resp.IsError() {
		return errkind.Newf(errkind.UpstreamUnavailable, "metabase query %s returned %d", url, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "parsing metabase response", err)
	}
	return nil
}
