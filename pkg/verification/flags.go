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

package verification

import (
	"strings"

	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// Flags selects which checks a verification run performs. Skipped checks are
// omitted from the report rather than reported as passed.
type Flags struct {
	Hardware         bool `json:"hardware"`
	OperatingSystem  bool `json:"operating_system"`
	SourceCode       bool `json:"source_code"`
	TeeControlledKey bool `json:"tee_controlled_key"`
	CertificateKey   bool `json:"certificate_key"`
	DnsCAA           bool `json:"dns_caa"`
	CTLog            bool `json:"ct_log"`
}

// DefaultFlags enables every check.
func DefaultFlags() Flags {
	return Flags{
		Hardware:         true,
		OperatingSystem:  true,
		SourceCode:       true,
		TeeControlledKey: true,
		CertificateKey:   true,
		DnsCAA:           true,
		CTLog:            true,
	}
}

// FastFlags skips the slow external lookups (DNS CAA and CT log).
func FastFlags() Flags {
	f := DefaultFlags()
	f.DnsCAA = false
	f.CTLog = false
	return f
}

// ParseFlags parses a flag selector: "all", "fast", or a comma-separated list
// of check names.
func ParseFlags(s string) (Flags, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return DefaultFlags(), nil
	case "fast":
		return FastFlags(), nil
	}

	var f Flags
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "hardware":
			f.Hardware = true
		case "operating_system", "os":
			f.OperatingSystem = true
		case "source_code", "code":
			f.SourceCode = true
		case "tee_controlled_key":
			f.TeeControlledKey = true
		case "certificate_key":
			f.CertificateKey = true
		case "dns_caa":
			f.DnsCAA = true
		case "ct_log":
			f.CTLog = true
		default:
			return Flags{}, errkind.Newf(errkind.ConfigInvalid, "unknown verification flag %q", name)
		}
	}
	return f, nil
}
