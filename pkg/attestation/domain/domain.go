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

// Package domain performs the gateway trust probes: CAA resolution, CT-log
// history queries, and live TLS certificate retrieval.
package domain

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/miekg/dns"

	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// DefaultCTLogURL is the crt.sh search endpoint; %s receives the domain.
const DefaultCTLogURL = "https://crt.sh/?q=%s&output=json"

// CAARecord is one CAA resource record.
type CAARecord struct {
	Flag  uint8  `json:"flag"`
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

// CTEntry is one certificate row from the CT-log index.
type CTEntry struct {
	ID           int64  `json:"id"`
	IssuerName   string `json:"issuer_name"`
	CommonName   string `json:"common_name"`
	SerialNumber string `json:"serial_number"`
	NotBefore    string `json:"not_before"`
	NotAfter     string `json:"not_after"`
}

// Prober bundles the DNS and CT-log lookups for a guarded domain.
type Prober struct {
	resolver  string
	dnsClient *dns.Client
	rc        *resty.Client
	ctLogURL  string
	dialer    func(ctx context.Context, addr string) (*tls.Conn, error)
	logger    logr.Logger
}

// NewProber creates a domain prober. resolver is "host:port" of the DNS
// server (an empty value selects 1.1.1.1:53); ctLogURL may override the
// crt.sh endpoint.
func NewProber(resolver, ctLogURL string, timeout time.Duration, logger logr.Logger) *Prober {
	if resolver == "" {
		resolver = "1.1.1.1:53"
	}
	if ctLogURL == "" {
		ctLogURL = DefaultCTLogURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{
		resolver:  resolver,
		dnsClient: &dns.Client{Timeout: timeout},
		rc:        resty.NewWithClient(cleanhttp.DefaultPooledClient()).SetTimeout(timeout),
		ctLogURL:  ctLogURL,
		dialer: func(ctx context.Context, addr string) (*tls.Conn, error) {
			d := &tls.Dialer{Config: &tls.Config{}}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return conn.(*tls.Conn), nil
		},
		logger: logger.WithName("domain"),
	}
}

// LookupCAA resolves CAA records for the domain, walking up to the parent
// when a label has none, as issuers do per RFC 8659.
func (p *Prober) LookupCAA(ctx context.Context, domain string) ([]CAARecord, error) {
	name := strings.TrimSuffix(domain, ".")
	for name != "" && strings.Contains(name, ".") {
		records, err := p.queryCAA(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records, nil
		}
		if i := strings.Index(name, "."); i >= 0 {
			name = name[i+1:]
		} else {
			break
		}
	}
	return nil, nil
}

func (p *Prober) queryCAA(ctx context.Context, name string) ([]CAARecord, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeCAA)
	msg.RecursionDesired = true

	resp, _, err := p.dnsClient.ExchangeContext(ctx, msg, p.resolver)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "CAA query for "+name, err)
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return nil, errkind.Newf(errkind.UpstreamUnavailable, "CAA query for %s returned rcode %d", name, resp.Rcode)
	}

	var out []CAARecord
	for _, rr := range resp.Answer {
		if caa, ok := rr.(*dns.CAA); ok {
			out = append(out, CAARecord{Flag: caa.Flag, Tag: caa.Tag, Value: caa.Value})
		}
	}
	return out, nil
}

// RestrictsIssuance reports whether the record set pins issuance to the
// expected issuer and ACME account URI. An empty record set restricts
// nothing and fails the check.
func RestrictsIssuance(records []CAARecord, issuer, accountURI string) bool {
	if len(records) == 0 {
		return false
	}
	issuerOK := false
	accountOK := accountURI == ""
	for _, r := range records {
		if r.Tag != "issue" && r.Tag != "issuewild" {
			continue
		}
		parts := strings.Split(r.Value, ";")
		if strings.TrimSpace(parts[0]) != issuer {
			// A CAA set naming any other issuer permits certificates this
			// gateway cannot hold.
			return false
		}
		issuerOK = true
		for _, param := range parts[1:] {
			kv := strings.SplitN(strings.TrimSpace(param), "=", 2)
			if len(kv) == 2 && kv[0] == "accounturi" && kv[1] == accountURI {
				accountOK = true
			}
		}
	}
	return issuerOK && accountOK
}

// CTLogEntries queries the CT-log index for certificates issued for the
// domain within the retention window.
func (p *Prober) CTLogEntries(ctx context.Context, domain string, since time.Time) ([]CTEntry, error) {
	url := fmt.Sprintf(p.ctLogURL, domain)
	resp, err := p.rc.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "querying CT log for "+domain, err)
	}
	if resp.IsError() {
		return nil, errkind.Newf(errkind.UpstreamUnavailable, "CT log returned %d for %s", resp.StatusCode(), domain)
	}

	var entries []CTEntry
	if err := json.Unmarshal(resp.Body(), &entries); err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "parsing CT log response", err)
	}
	if since.IsZero() {
		return entries, nil
	}

	var recent []CTEntry
	for _, e := range entries {
		t, err := time.Parse("2006-01-02T15:04:05", e.NotBefore)
		if err != nil {
			// crt.sh sometimes emits fractional seconds.
			t, err = time.Parse("2006-01-02T15:04:05.999999999", e.NotBefore)
		}
		if err != nil || !t.Before(since) {
			recent = append(recent, e)
		}
	}
	return recent, nil
}

// LiveCertificate fetches the leaf TLS certificate served on the domain's
// HTTPS port.
func (p *Prober) LiveCertificate(ctx context.Context, domain string) (*x509.Certificate, error) {
	addr := net.JoinHostPort(domain, "443")
	conn, err := p.dialer(ctx, addr)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "TLS dial "+addr, err)
	}
	defer conn.Close()

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, errkind.New(errkind.UpstreamUnavailable, "no peer certificate from "+domain)
	}
	return peers[0], nil
}
