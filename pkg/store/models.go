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

// Package store persists apps, profiles and verification tasks in Postgres.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AppConfigType selects the verification target variant.
type AppConfigType string

const (
	ConfigRedpill    AppConfigType = "redpill"
	ConfigPhalaCloud AppConfigType = "phala_cloud"
)

// TaskStatus is the lifecycle state of a verification task. Transitions are
// monotonic: pending -> active -> completed|failed, with cancelled reachable
// from pending only. Two extra edges keep queue retries sound: active may
// re-claim itself (a retried job re-enters the run), and failed is reachable
// straight from pending (attempts exhausted before any claim succeeded).
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusActive    TaskStatus = "active"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusActive:
		return s == StatusPending || s == StatusActive
	case StatusCompleted:
		return s == StatusActive
	case StatusFailed:
		return s == StatusPending || s == StatusActive
	case StatusCancelled:
		return s == StatusPending
	}
	return false
}

// App is a verifiable application synced from upstream or registered
// directly. Tombstoned apps are retained for task history but excluded from
// listings and scheduling.
type App struct {
	ID              string          `db:"id" json:"id"`
	ConfigType      AppConfigType   `db:"config_type" json:"configType"`
	ContractAddress string          `db:"contract_address" json:"contractAddress"`
	Model           sql.NullString  `db:"model" json:"model,omitempty"`
	Domain          sql.NullString  `db:"domain" json:"domain,omitempty"`
	DstackVersion   sql.NullString  `db:"dstack_version" json:"dstackVersion,omitempty"`
	CustomUser      sql.NullString  `db:"custom_user" json:"customUser,omitempty"`
	IsPublic        bool            `db:"is_public" json:"isPublic"`
	Metadata        json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	Tombstoned      bool            `db:"tombstoned" json:"tombstoned"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
	LastSyncedAt    sql.NullTime    `db:"last_synced_at" json:"lastSyncedAt,omitempty"`
}

// ProfileEntityType classifies what an upstream profile describes.
type ProfileEntityType string

const (
	EntityApp       ProfileEntityType = "app"
	EntityUser      ProfileEntityType = "user"
	EntityWorkspace ProfileEntityType = "workspace"
)

// Profile is an upstream display profile, unique per (entityType, entityId).
type Profile struct {
	ID           uuid.UUID         `db:"id" json:"id"`
	EntityType   ProfileEntityType `db:"entity_type" json:"entityType"`
	EntityID     int64             `db:"entity_id" json:"entityId"`
	DisplayName  sql.NullString    `db:"display_name" json:"displayName,omitempty"`
	AvatarURL    sql.NullString    `db:"avatar_url" json:"avatarUrl,omitempty"`
	Description  sql.NullString    `db:"description" json:"description,omitempty"`
	CustomDomain sql.NullString    `db:"custom_domain" json:"customDomain,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time         `db:"updated_at" json:"updatedAt"`
}

// VerificationTask is one requested verification run. JobID mirrors the
// queue job so either identifier resolves the other. AppID is null for
// ad-hoc runs keyed by contract address alone, and is cleared by the
// database if the catalogue row is ever removed.
type VerificationTask struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	AppID          sql.NullString  `db:"app_id" json:"appId,omitempty"`
	AppConfig      json.RawMessage `db:"app_config" json:"appConfig"`
	Flags          string          `db:"flags" json:"flags"`
	JobName        string          `db:"job_name" json:"jobName"`
	Status         TaskStatus      `db:"status" json:"status"`
	JobID          sql.NullString  `db:"job_id" json:"jobId,omitempty"`
	Error          sql.NullString  `db:"error" json:"error,omitempty"`
	ErrorCode      sql.NullString  `db:"error_code" json:"errorCode,omitempty"`
	ReportBucket   sql.NullString  `db:"report_bucket" json:"reportBucket,omitempty"`
	ReportKey      sql.NullString  `db:"report_key" json:"reportKey,omitempty"`
	ReportFilename sql.NullString  `db:"report_filename" json:"reportFilename,omitempty"`
	DataObjects    json.RawMessage `db:"data_objects" json:"dataObjects,omitempty"`
	Attempts       int             `db:"attempts" json:"attempts"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
	StartedAt      sql.NullTime    `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt     sql.NullTime    `db:"finished_at" json:"finishedAt,omitempty"`
}
