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

// Package appinfo fetches live evidence from a deployed TEE application:
// its /prpc/Info endpoint and the gateway-served system info used for
// chain discovery.
package appinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/dstack-tee/dstack-verifier/pkg/attestation/nvidia"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/tdx"
	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// TCBInfo is the trusted-computing-base block of an Info response. On the
// wire it arrives as a JSON-encoded string; UnmarshalJSON accepts both.
type TCBInfo struct {
	Mrtd       string               `json:"mrtd"`
	Rtmr0      string               `json:"rtmr0"`
	Rtmr1      string               `json:"rtmr1"`
	Rtmr2      string               `json:"rtmr2"`
	Rtmr3      string               `json:"rtmr3"`
	OSImageHash string              `json:"os_image_hash,omitempty"`
	ComposeHash string              `json:"compose_hash,omitempty"`
	DeviceID   string               `json:"device_id,omitempty"`
	AppCompose string               `json:"app_compose,omitempty"`
	EventLog   []tdx.EventLogEntry  `json:"event_log"`
}

func (t *TCBInfo) UnmarshalJSON(data []byte) error {
	var nested string
	if err := json.Unmarshal(data, &nested); err == nil {
		data = []byte(nested)
	}
	type alias TCBInfo
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("parsing tcb_info: %w", err)
	}
	*t = TCBInfo(a)
	return nil
}

// Info is the application's published attestation evidence.
type Info struct {
	AppID       string  `json:"app_id"`
	InstanceID  string  `json:"instance_id"`
	AppName     string  `json:"app_name,omitempty"`
	DeviceID    string  `json:"device_id,omitempty"`
	AppCert     string  `json:"app_cert"`
	Quote       string  `json:"quote"`
	TCBInfo     TCBInfo `json:"tcb_info"`
	VMConfig    string  `json:"vm_config,omitempty"`
	KeyProviderInfo string `json:"key_provider_info,omitempty"`
}

// ComposeFile returns the deployment manifest published by the app.
func (i *Info) ComposeFile() string {
	return i.TCBInfo.AppCompose
}

// SystemInfo is the discovery record served by the gateway for a model or
// domain. Its kms_info block names the contract, chain and gateway that
// govern the application set.
type SystemInfo struct {
	KmsInfo struct {
		ContractAddress string `json:"contract_address"`
		ChainID         uint64 `json:"chain_id"`
		GatewayAppID    string `json:"gateway_app_id"`
		GatewayAppURL   string `json:"gateway_app_url"`
		URL             string `json:"url"`
		Version         string `json:"version"`
	} `json:"kms_info"`
	AppURL string `json:"app_url,omitempty"`
}

// LegacyShape reports whether the KMS registry predates the 0.5 contract
// layout. Legacy registries lack the field-level pubkey getters, which
// degrades relationship wiring to object level.
func (s *SystemInfo) LegacyShape() bool {
	v := strings.TrimPrefix(s.KmsInfo.Version, "v")
	return v == "" || strings.HasPrefix(v, "0.3") || strings.HasPrefix(v, "0.4")
}

// Client fetches Info documents from application endpoints.
type Client struct {
	rc     *resty.Client
	logger logr.Logger
}

// NewClient creates an Info client with the given per-call timeout.
func NewClient(timeout time.Duration, logger logr.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		rc:     resty.NewWithClient(cleanhttp.DefaultPooledClient()).SetTimeout(timeout),
		logger: logger.WithName("appinfo"),
	}
}

// GetInfo fetches <endpoint>/prpc/Info. Responses wrapped in an "encoded"
// envelope (older dstack versions) are unwrapped transparently.
func (c *Client) GetInfo(ctx context.Context, endpoint string) (*Info, error) {
	url := strings.TrimSuffix(endpoint, "/") + "/prpc/Info?json"

	resp, err := c.rc.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "fetching "+url, err)
	}
	if resp.IsError() {
		return nil, errkind.Newf(errkind.UpstreamUnavailable, "%s returned %d", url, resp.StatusCode())
	}

	body := resp.Body()
	var envelope struct {
		Encoded string `json:"encoded"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Encoded != "" {
		body = []byte(envelope.Encoded)
	}

	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "parsing Info response", err)
	}
	c.logger.V(1).Info("fetched app info", "endpoint", endpoint, "app_id", info.AppID)
	return &info, nil
}

// GetGPUEvidence fetches <endpoint>/prpc/GpuEvidence, the nonce-bound GPU
// evidence list ready to forward to the NVIDIA attestation service.
func (c *Client) GetGPUEvidence(ctx context.Context, endpoint string) (*nvidia.Request, error) {
	url := strings.TrimSuffix(endpoint, "/") + "/prpc/GpuEvidence?json"

	resp, err := c.rc.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "fetching "+url, err)
	}
	if resp.IsError() {
		return nil, errkind.Newf(errkind.UpstreamUnavailable, "%s returned %d", url, resp.StatusCode())
	}

	var req nvidia.Request
	if err := json.Unmarshal(resp.Body(), &req); err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "parsing GpuEvidence response", err)
	}
	if len(req.EvidenceList) == 0 {
		return nil, errkind.Newf(errkind.UpstreamUnavailable, "%s returned no GPU evidence", url)
	}
	c.logger.V(1).Info("fetched gpu evidence", "endpoint", endpoint, "gpus", len(req.EvidenceList))
	return &req, nil
}

// Discovery resolves SystemInfo for a model or a domain. URL templates come
// from configuration; %s receives the model name or domain respectively.
type Discovery struct {
	rc          *resty.Client
	modelURLTpl string
	domainURLTpl string
	logger      logr.Logger
}

// NewDiscovery creates a SystemInfo resolver.
func NewDiscovery(modelURLTpl, domainURLTpl string, timeout time.Duration, logger logr.Logger) *Discovery {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Discovery{
		rc:           resty.NewWithClient(cleanhttp.DefaultPooledClient()).SetTimeout(timeout),
		modelURLTpl:  modelURLTpl,
		domainURLTpl: domainURLTpl,
		logger:       logger.WithName("discovery"),
	}
}

// ForModel fetches SystemInfo for a served model name.
func (d *Discovery) ForModel(ctx context.Context, model string) (*SystemInfo, error) {
	return d.get(ctx, fmt.Sprintf(d.modelURLTpl, model))
}

// ForDomain fetches SystemInfo for an app's guarded domain.
func (d *Discovery) ForDomain(ctx context.Context, domain string) (*SystemInfo, error) {
	return d.get(ctx, fmt.Sprintf(d.domainURLTpl, domain))
}

func (d *Discovery) get(ctx context.Context, url string) (*SystemInfo, error) {
	resp, err := d.rc.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "fetching system info from "+url, err)
	}
	if resp.IsError() {
		return nil, errkind.Newf(errkind.UpstreamUnavailable, "system info %s returned %d", url, resp.StatusCode())
	}
	var si SystemInfo
	if err := json.Unmarshal(resp.Body(), &si); err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "parsing system info response", err)
	}
	if si.KmsInfo.ContractAddress == "" {
		return nil, errkind.Newf(errkind.ConfigInvalid, "system info from %s has no kms contract", url)
	}
	d.logger.V(1).Info("discovered system info",
		"url", url,
		"contract", si.KmsInfo.ContractAddress,
		"chain_id", si.KmsInfo.ChainID,
		"version", si.KmsInfo.Version)
	return &si, nil
}
