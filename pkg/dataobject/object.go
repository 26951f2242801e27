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

// Package dataobject holds the measurement graph emitted by a verification
// run: typed data objects, the calculations that connect their fields, and
// the per-run collector that owns them.
package dataobject

import "fmt"

// ObjectID identifies a node in the measurement graph. The set is closed:
// three symmetric families (kms, gateway, app) plus the GPU pair on app.
type ObjectID string

const (
	KmsMain  ObjectID = "kms-main"
	KmsOS    ObjectID = "kms-os"
	KmsCode  ObjectID = "kms-code"
	KmsCPU   ObjectID = "kms-cpu"
	KmsQuote ObjectID = "kms-quote"
	KmsOSCode ObjectID = "kms-os-code"

	GatewayMain   ObjectID = "gateway-main"
	GatewayOS     ObjectID = "gateway-os"
	GatewayCode   ObjectID = "gateway-code"
	GatewayCPU    ObjectID = "gateway-cpu"
	GatewayQuote  ObjectID = "gateway-quote"
	GatewayOSCode ObjectID = "gateway-os-code"

	AppMain   ObjectID = "app-main"
	AppOS     ObjectID = "app-os"
	AppCode   ObjectID = "app-code"
	AppCPU    ObjectID = "app-cpu"
	AppQuote  ObjectID = "app-quote"
	AppOSCode ObjectID = "app-os-code"

	AppGPU      ObjectID = "app-gpu"
	AppGPUQuote ObjectID = "app-gpu-quote"
)

// Kind classifies the component a data object describes.
type Kind string

const (
	KindKms     Kind = "kms"
	KindGateway Kind = "gateway"
	KindApp     Kind = "app"
)

// EventLogIMR returns the event-log object id for a component family and
// IMR index, e.g. ("kms", 0) -> "kms-event-logs-imr0".
func EventLogIMR(kind Kind, imr int) ObjectID {
	return ObjectID(fmt.Sprintf("%s-event-logs-imr%d", kind, imr))
}

// Family returns the family prefix ("kms", "gateway", "app") of an object id.
func (id ObjectID) Family() Kind {
	for _, k := range []Kind{KindGateway, KindKms, KindApp} {
		if len(id) > len(k) && string(id[:len(k)]) == string(k) {
			return k
		}
	}
	return ""
}

// CalcFunc names a calculation connecting fields across the graph.
type CalcFunc string

const (
	CalcSHA256            CalcFunc = "sha256"
	CalcSHA384            CalcFunc = "sha384"
	CalcReplayRTMR        CalcFunc = "replay_rtmr"
	CalcReproducibleBuild CalcFunc = "reproducible_build"
)

// Calculation declares that applying Func to the named input fields of this
// object yields the named output fields, which live on sibling objects
// reachable through the measurement graph.
type Calculation struct {
	Inputs  []string `json:"inputs"`
	Func    CalcFunc `json:"func"`
	Outputs []string `json:"outputs"`
}

// Measurement is a measured-by back-reference: the object identified by
// ObjectID measured this object, optionally naming the fields or calculation
// outputs involved on either side.
type Measurement struct {
	ObjectID         ObjectID `json:"objectId"`
	SourceField      string   `json:"sourceField,omitempty"`
	SelfField        string   `json:"selfField,omitempty"`
	SourceCalcOutput string   `json:"sourceCalcOutput,omitempty"`
	SelfCalcOutput   string   `json:"selfCalcOutput,omitempty"`
}

// DataObject is one node of the measurement graph.
type DataObject struct {
	ID           ObjectID       `json:"id"`
	Name         string         `json:"name,omitempty"`
	Description  string         `json:"description,omitempty"`
	Kind         Kind           `json:"kind,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
	Calculations []Calculation  `json:"calculations,omitempty"`
	MeasuredBy   []Measurement  `json:"measuredBy,omitempty"`

	// AbsentFields names calculation inputs the verifier could not obtain
	// for this run, e.g. OS artifacts that were never downloaded. Every
	// calculation input must appear in Fields or here.
	AbsentFields []string `json:"absentFields,omitempty"`

	// Placeholder marks objects created only as link targets; a later
	// Register for the same id clears it.
	Placeholder bool `json:"placeholder,omitempty"`
}

// clone returns a copy safe to hand outside the collector. Field values are
// shared (they are treated as immutable once registered) but the maps and
// slices holding them are not.
func (o *DataObject) clone() DataObject {
	out := *o
	if o.Fields != nil {
		out.Fields = make(map[string]any, len(o.Fields))
		for k, v := range o.Fields {
			out.Fields[k] = v
		}
	}
	out.Calculations = append([]Calculation(nil), o.Calculations...)
	out.MeasuredBy = append([]Measurement(nil), o.MeasuredBy...)
	out.AbsentFields = append([]string(nil), o.AbsentFields...)
	return out
}
