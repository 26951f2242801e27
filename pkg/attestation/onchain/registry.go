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

// Package onchain reads the DstackApp and KMS registry contracts. All calls
// are read-only eth_call invocations against a per-chain RPC endpoint.
package onchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// dstackAppABI covers the current DstackApp registry surface plus the legacy
// getters still served by pre-0.5 deployments.
const dstackAppABI = `[
  {"type":"function","name":"allowedComposeHashes","stateMutability":"view",
   "inputs":[{"name":"hash","type":"bytes32"}],"outputs":[{"type":"bool"}]},
  {"type":"function","name":"allowedKmsId","stateMutability":"view",
   "inputs":[],"outputs":[{"type":"bytes32"}]},
  {"type":"function","name":"isComposeHashAllowed","stateMutability":"view",
   "inputs":[{"name":"hash","type":"bytes32"}],"outputs":[{"type":"bool"}]},
  {"type":"function","name":"appController","stateMutability":"view",
   "inputs":[],"outputs":[{"type":"address"}]}
]`

// kmsRegistryABI is the KMS registry contract surface used during
// relationship wiring: the gateway binding and the TEE-held signing keys.
const kmsRegistryABI = `[
  {"type":"function","name":"gatewayAppId","stateMutability":"view",
   "inputs":[],"outputs":[{"type":"string"}]},
  {"type":"function","name":"kmsInfo","stateMutability":"view",
   "inputs":[],"outputs":[
     {"name":"k256Pubkey","type":"bytes"},
     {"name":"caPubkey","type":"bytes"},
     {"name":"quote","type":"bytes"},
     {"name":"eventlog","type":"bytes"}]}
]`

// KmsInfo is the registry record describing the key-management service.
type KmsInfo struct {
	K256Pubkey []byte
	CAPubkey   []byte
	Quote      []byte
	EventLog   []byte
}

// Registry dials one RPC endpoint per chain id lazily and keeps the
// connection for the life of the process.
type Registry struct {
	rpcURLs map[uint64]string
	logger  logr.Logger

	mu      sync.Mutex
	clients map[uint64]*ethclient.Client

	breaker *gobreaker.CircuitBreaker
	appABI  abi.ABI
	kmsABI  abi.ABI
}

// NewRegistry creates a registry reader over the configured chain-id to
// RPC-URL map.
func NewRegistry(rpcURLs map[uint64]string, logger logr.Logger) (*Registry, error) {
	appABI, err := abi.JSON(strings.NewReader(dstackAppABI))
	if err != nil {
		return nil, fmt.Errorf("parsing DstackApp ABI: %w", err)
	}
	kmsABI, err := abi.JSON(strings.NewReader(kmsRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parsing KMS registry ABI: %w", err)
	}
	return &Registry{
		rpcURLs: rpcURLs,
		logger:  logger.WithName("onchain"),
		clients: make(map[uint64]*ethclient.Client),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "onchain-rpc",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		appABI: appABI,
		kmsABI: kmsABI,
	}, nil
}

func (r *Registry) client(ctx context.Context, chainID uint64) (*ethclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[chainID]; ok {
		return c, nil
	}
	url, ok := r.rpcURLs[chainID]
	if !ok {
		return nil, errkind.Newf(errkind.ConfigInvalid, "no RPC endpoint configured for chain %d", chainID)
	}
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable,
			fmt.Sprintf("dialing RPC for chain %d", chainID), err)
	}
	r.clients[chainID] = c
	return c, nil
}

func (r *Registry) call(ctx context.Context, chainID uint64, contract common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "packing "+method, err)
	}

	res, err := r.breaker.Execute(func() (any, error) {
		c, err := r.client(ctx, chainID)
		if err != nil {
			return nil, err
		}
		out, err := c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
		if err != nil {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable,
				fmt.Sprintf("calling %s on %s (chain %d)", method, contract.Hex(), chainID), err)
		}
		return out, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, "RPC circuit open", err)
		}
		return nil, err
	}

	values, err := contractABI.Unpack(method, res.([]byte))
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "unpacking "+method+" result", err)
	}
	return values, nil
}

// AllowedComposeHash reports whether the app contract acknowledges the
// compose hash. The current shape exposes allowedComposeHashes; legacy
// contracts answer isComposeHashAllowed instead, so a revert on the first
// getter falls through to the second.
func (r *Registry) AllowedComposeHash(ctx context.Context, chainID uint64, contract common.Address, hash [32]byte) (bool, error) {
	values, err := r.call(ctx, chainID, contract, r.appABI, "allowedComposeHashes", hash)
	if err != nil {
		legacy, legacyErr := r.call(ctx, chainID, contract, r.appABI, "isComposeHashAllowed", hash)
		if legacyErr != nil {
			return false, err
		}
		values = legacy
	}
	allowed, ok := values[0].(bool)
	if !ok {
		return false, errkind.New(errkind.UpstreamUnavailable, "unexpected compose hash result type")
	}
	return allowed, nil
}

// AllowedKmsID returns the KMS id the app contract is governed by.
func (r *Registry) AllowedKmsID(ctx context.Context, chainID uint64, contract common.Address) ([32]byte, error) {
	values, err := r.call(ctx, chainID, contract, r.appABI, "allowedKmsId")
	if err != nil {
		return [32]byte{}, err
	}
	id, ok := values[0].([32]byte)
	if !ok {
		return [32]byte{}, errkind.New(errkind.UpstreamUnavailable, "unexpected kms id result type")
	}
	return id, nil
}

// GatewayAppID returns the gateway app id registered on the KMS contract.
func (r *Registry) GatewayAppID(ctx context.Context, chainID uint64, kmsContract common.Address) (string, error) {
	values, err := r.call(ctx, chainID, kmsContract, r.kmsABI, "gatewayAppId")
	if err != nil {
		return "", err
	}
	id, ok := values[0].(string)
	if !ok {
		return "", errkind.New(errkind.UpstreamUnavailable, "unexpected gateway app id result type")
	}
	return id, nil
}

// KmsInfo returns the KMS registry record.
func (r *Registry) KmsInfo(ctx context.Context, chainID uint64, kmsContract common.Address) (*KmsInfo, error) {
	values, err := r.call(ctx, chainID, kmsContract, r.kmsABI, "kmsInfo")
	if err != nil {
		return nil, err
	}
	if len(values) != 4 {
		return nil, errkind.New(errkind.UpstreamUnavailable, "unexpected kmsInfo result shape")
	}
	info := &KmsInfo{}
	for i, dst := range []*[]byte{&info.K256Pubkey, &info.CAPubkey, &info.Quote, &info.EventLog} {
		b, ok := values[i].([]byte)
		if !ok {
			return nil, errkind.New(errkind.UpstreamUnavailable, "unexpected kmsInfo field type")
		}
		*dst = b
	}
	return info, nil
}

// Close releases every dialed RPC connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Close()
	}
	r.clients = make(map[uint64]*ethclient.Client)
}

// ParseHash32 decodes a 0x-prefixed or bare 64-char hex string into bytes32.
func ParseHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return out, fmt.Errorf("decoding hash %q: %w", s, err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("hash %q is %d bytes, want 32", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}
