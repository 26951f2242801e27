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

// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vrischmann/envconfig"

	"github.com/dstack-tee/dstack-verifier/pkg/verification"
)

// Config is the full service configuration. Field paths map to environment
// variables, e.g. Database.URL reads DATABASE_URL.
type Config struct {
	Port string `envconfig:"default=8080"`
	// Host is the listen interface; empty binds all interfaces.
	Host string `envconfig:"optional"`

	AllowedOrigins []string `envconfig:"optional"`

	Database struct {
		URL string
	}

	Redis struct {
		URL string
	}

	S3 struct {
		Endpoint        string `envconfig:"optional"`
		Region          string `envconfig:"default=us-east-1"`
		AccessKeyID     string `envconfig:"optional"`
		SecretAccessKey string `envconfig:"optional"`
		Bucket          string
	}

	Quote struct {
		ToolPath string `envconfig:"default=dcap-qvl"`
		MaxProcs int    `envconfig:"default=4"`
	}

	// Chain.RPCUrls maps chain ids to RPC endpoints, formatted as
	// "8453=https://base.example.org,1=https://eth.example.org".
	Chain struct {
		RPCUrls string
	}

	Discovery struct {
		ModelURLTemplate  string
		DomainURLTemplate string
		Timeout           time.Duration `envconfig:"default=30s"`
	}

	NVIDIA struct {
		AttestURL string `envconfig:"optional"`
	}

	Domain struct {
		Resolver    string        `envconfig:"optional"`
		CTLogURL    string        `envconfig:"optional"`
		CTRetention time.Duration `envconfig:"default=2160h"`
	}

	Queue struct {
		Name         string        `envconfig:"default=verification"`
		Concurrency  int           `envconfig:"default=4"`
		MaxAttempts  int           `envconfig:"default=3"`
		BackoffDelay time.Duration `envconfig:"default=30s"`
		TaskTimeout  time.Duration `envconfig:"default=10m"`
	}

	// Verification.Flags is the default flags mask for tasks that name
	// none: "all", "fast", or a comma-separated list of step names.
	Verification struct {
		Flags string `envconfig:"default=all"`
	}

	// Metabase queries are the full saved-query URLs for the upstream
	// datasets; leaving AppQuery empty disables sync.
	Metabase struct {
		AppQuery     string `envconfig:"optional"`
		ProfileQuery string `envconfig:"optional"`
		APIKey       string `envconfig:"optional"`
	}

	// TasksCronPattern schedules the app sync, ProfileCronPattern the
	// profile sync.
	TasksCronPattern   string `envconfig:"default=*/5 * * * *"`
	ProfileCronPattern string `envconfig:"default=* * * * *"`

	Sync struct {
		LeaseTTL         time.Duration `envconfig:"default=15m"`
		VersionAllowlist []string      `envconfig:"optional"`
	}

	// CronAPIKey authenticates the manual sync-trigger endpoints.
	CronAPIKey string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Init(&cfg); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if _, err := cfg.RPCURLMap(); err != nil {
		return nil, err
	}
	if _, err := verification.ParseFlags(cfg.Verification.Flags); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RPCURLMap parses Chain.RPCUrls into a chain-id keyed map.
func (c *Config) RPCURLMap() (map[uint64]string, error) {
	out := make(map[uint64]string)
	for _, pair := range strings.Split(c.Chain.RPCUrls, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed rpc url entry %q, want <chain-id>=<url>", pair)
		}
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain id in %q: %w", pair, err)
		}
		out[chainID] = strings.TrimSpace(url)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("CHAIN_RPC_URLS names no chains")
	}
	return out, nil
}

// SyncEnabled reports whether upstream sync is configured.
func (c *Config) SyncEnabled() bool {
	return c.Metabase.AppQuery != ""
}
