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

package tdx

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EventLogEntry is one measurement event. Replaying the digests of all
// entries for an IMR index reproduces the corresponding RTMR.
type EventLogEntry struct {
	IMR          int    `json:"imr"`
	EventType    uint32 `json:"event_type"`
	Digest       string `json:"digest"`
	Event        string `json:"event"`
	EventPayload string `json:"event_payload,omitempty"`
}

// ParseEventLog decodes an event log that may arrive either as a JSON array
// or as a JSON-encoded string containing one.
func ParseEventLog(raw []byte) ([]EventLogEntry, error) {
	var entries []EventLogEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}
	var nested string
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("event log is neither array nor string: %w", err)
	}
	if err := json.Unmarshal([]byte(nested), &entries); err != nil {
		return nil, fmt.Errorf("parsing nested event log: %w", err)
	}
	return entries, nil
}

// initialRTMR is 48 zero bytes, the reset value of every measurement register.
var initialRTMR = make([]byte, 48)

// ReplayRTMR reproduces one register from its event digests:
// rtmr' = sha384(rtmr || digest) applied in order.
func ReplayRTMR(entries []EventLogEntry, imr int) (string, error) {
	reg := append([]byte(nil), initialRTMR...)
	for _, e := range entries {
		if e.IMR != imr {
			continue
		}
		digest, err := hex.DecodeString(strings.TrimPrefix(e.Digest, "0x"))
		if err != nil {
			return "", fmt.Errorf("decoding digest for event %q: %w", e.Event, err)
		}
		h := sha512.New384()
		h.Write(reg)
		h.Write(digest)
		reg = h.Sum(nil)
	}
	return hex.EncodeToString(reg), nil
}

// ReplayAll reproduces RTMR0..3 from the full event log.
func ReplayAll(entries []EventLogEntry) (map[int]string, error) {
	out := make(map[int]string, 4)
	for i := 0; i < 4; i++ {
		v, err := ReplayRTMR(entries, i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// FindEvent returns the payload of the first IMR3 event with the given name.
// dstack records application facts (app-id, compose-hash, instance-id, ...)
// as named IMR3 events.
func FindEvent(entries []EventLogEntry, name string) (string, bool) {
	for _, e := range entries {
		if e.IMR == 3 && e.Event == name {
			return e.EventPayload, true
		}
	}
	return "", false
}
