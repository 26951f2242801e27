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

// Package verifier implements the attestation verifiers for the three chain
// positions (KMS, gateway, application) and the factory that builds the
// ordered chain from an app config and discovered system info.
package verifier

import (
	"context"
	"crypto/x509"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-logr/logr"

	"github.com/dstack-tee/dstack-verifier/pkg/attestation/appinfo"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/domain"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/nvidia"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/onchain"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/tdx"
	"github.com/dstack-tee/dstack-verifier/pkg/dataobject"
)

// Metadata is the opaque runtime metadata captured from discovery and echoed
// into the task row and the report.
type Metadata map[string]any

// Str returns a string-typed metadata value, or "" when absent.
func (m Metadata) Str(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Verifier is the capability set common to every chain position.
type Verifier interface {
	Kind() dataobject.Kind
	VerifyHardware(ctx context.Context) error
	VerifyOperatingSystem(ctx context.Context) error
	VerifySourceCode(ctx context.Context) error
	Metadata() Metadata
}

// DomainVerifier is the gateway-only capability extension. The chain factory
// downcasts to it when wiring domain-trust checks.
type DomainVerifier interface {
	Verifier
	VerifyTeeControlledKey(ctx context.Context) error
	VerifyCertificateKey(ctx context.Context) error
	VerifyDNSCAA(ctx context.Context) error
	VerifyCTLog(ctx context.Context) error
}

// QuoteTool is the TDX quote decode/verify surface the verifiers consume.
type QuoteTool interface {
	Decode(ctx context.Context, quoteHex string) (*tdx.Quote, error)
	Verify(ctx context.Context, quoteHex string) (*tdx.VerifyResult, error)
}

// GPUAttestor submits GPU evidence for attestation.
type GPUAttestor interface {
	Attest(ctx context.Context, nonce string, evidence []nvidia.Evidence, arch string) (*nvidia.Verdict, error)
}

// RegistryReader reads the DstackApp and KMS registry contracts.
type RegistryReader interface {
	AllowedComposeHash(ctx context.Context, chainID uint64, contract common.Address, hash [32]byte) (bool, error)
	AllowedKmsID(ctx context.Context, chainID uint64, contract common.Address) ([32]byte, error)
	GatewayAppID(ctx context.Context, chainID uint64, kmsContract common.Address) (string, error)
	KmsInfo(ctx context.Context, chainID uint64, kmsContract common.Address) (*onchain.KmsInfo, error)
}

// InfoFetcher fetches a TEE application's published evidence.
type InfoFetcher interface {
	GetInfo(ctx context.Context, endpoint string) (*appinfo.Info, error)
	GetGPUEvidence(ctx context.Context, endpoint string) (*nvidia.Request, error)
}

// DomainProber performs the gateway domain-trust lookups.
type DomainProber interface {
	LookupCAA(ctx context.Context, name string) ([]domain.CAARecord, error)
	CTLogEntries(ctx context.Context, name string, since time.Time) ([]domain.CTEntry, error)
	LiveCertificate(ctx context.Context, name string) (*x509.Certificate, error)
}

// Deps bundles the adapters a verifier chain needs. The collector is the
// per-run instance owned by the verification service.
type Deps struct {
	Quotes    QuoteTool
	GPU       GPUAttestor
	Registry  RegistryReader
	Info      InfoFetcher
	Prober    DomainProber
	Collector *dataobject.Collector
	Logger    logr.Logger

	// CTRetention bounds how far back the CT-log issuer history is checked.
	CTRetention time.Duration
}

// resultCache memoises step outcomes per verifier instance. Inputs are fixed
// at construction, so the capability name is the whole key.
type resultCache struct {
	mu   sync.Mutex
	done map[string]error
}

func (c *resultCache) do(key string, fn func() error) error {
	c.mu.Lock()
	if c.done == nil {
		c.done = make(map[string]error)
	}
	if err, ok := c.done[key]; ok {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	c.done[key] = err
	c.mu.Unlock()
	return err
}
