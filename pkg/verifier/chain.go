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

package verifier

import (
	"context"
	"net/url"
	"strings"

	"github.com/dstack-tee/dstack-verifier/pkg/attestation/appinfo"
	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// AppConfig identifies the application under verification. Exactly one of
// Model (redpill) or Domain (phala_cloud) is set.
type AppConfig struct {
	ContractAddress string   `json:"contractAddress"`
	Model           string   `json:"model,omitempty"`
	Domain          string   `json:"domain,omitempty"`
	Metadata        Metadata `json:"metadata,omitempty"`
}

// IsRedpill reports whether the config targets a served model.
func (c AppConfig) IsRedpill() bool { return c.Model != "" }

// Validate checks the config is one of the two supported variants.
func (c AppConfig) Validate() error {
	if c.ContractAddress == "" {
		return errkind.New(errkind.ConfigInvalid, "app config has no contract address")
	}
	if (c.Model == "") == (c.Domain == "") {
		return errkind.New(errkind.ConfigInvalid, "app config must set exactly one of model or domain")
	}
	return nil
}

// Discoverer resolves SystemInfo for a target without running verification.
type Discoverer interface {
	ForModel(ctx context.Context, model string) (*appinfo.SystemInfo, error)
	ForDomain(ctx context.Context, domain string) (*appinfo.SystemInfo, error)
}

// Discover is the static companion to the chain factory: it fetches the
// SystemInfo that selects the KMS variant and locates every endpoint.
func Discover(ctx context.Context, d Discoverer, cfg AppConfig) (*appinfo.SystemInfo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IsRedpill() {
		return d.ForModel(ctx, cfg.Model)
	}
	return d.ForDomain(ctx, cfg.Domain)
}

// BuildChain constructs the ordered KMS -> Gateway -> App verifier chain for
// an app config and its discovered system info.
func BuildChain(cfg AppConfig, si *appinfo.SystemInfo, deps Deps) ([]Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	meta := Metadata{}
	for k, v := range cfg.Metadata {
		meta[k] = v
	}
	meta["dstack_version"] = si.KmsInfo.Version
	meta["chain_id"] = si.KmsInfo.ChainID

	kms := NewKmsVerifier(si, meta, deps)

	guarded := cfg.Domain
	if cfg.IsRedpill() {
		guarded = hostOf(si.KmsInfo.GatewayAppURL)
	}
	gw := NewGatewayVerifier(si, guarded, meta, deps)

	endpoint := si.AppURL
	if endpoint == "" && cfg.Domain != "" {
		endpoint = "https://" + cfg.Domain
	}
	if endpoint == "" {
		return nil, errkind.New(errkind.ConfigInvalid, "system info does not locate the application endpoint")
	}

	var app Verifier
	if cfg.IsRedpill() {
		app = NewRedpillVerifier(cfg.ContractAddress, cfg.Model, endpoint, si, meta, deps)
	} else {
		app = NewPhalaCloudVerifier(cfg.ContractAddress, cfg.Domain, endpoint, si, meta, deps)
	}

	return []Verifier{kms, gw, app}, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(rawURL, "https://")
	}
	return u.Hostname()
}
