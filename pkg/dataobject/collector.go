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

package dataobject

import (
	"fmt"
	"sync"
)

// Collector is the per-run registry of data objects. Each verification run
// owns exactly one Collector; it is never shared across parallel workers.
// The mutex makes the collector safe if a single run fans out internally.
type Collector struct {
	mu      sync.Mutex
	order   []ObjectID
	objects map[ObjectID]*DataObject
}

// NewCollector creates an empty per-run collector.
func NewCollector() *Collector {
	return &Collector{objects: make(map[ObjectID]*DataObject)}
}

// Register creates or merges a data object. Fields merge by key with later
// values winning; name, description, kind, calculations and measured-by are
// overwritten only when the incoming object provides them. Registering a
// real object over a placeholder clears the placeholder flag.
func (c *Collector) Register(id ObjectID, obj DataObject) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.objects[id]
	if !ok {
		stored := obj.clone()
		stored.ID = id
		c.objects[id] = &stored
		c.order = append(c.order, id)
		return
	}

	if obj.Name != "" {
		existing.Name = obj.Name
	}
	if obj.Description != "" {
		existing.Description = obj.Description
	}
	if obj.Kind != "" {
		existing.Kind = obj.Kind
	}
	if obj.Calculations != nil {
		existing.Calculations = append([]Calculation(nil), obj.Calculations...)
	}
	if obj.MeasuredBy != nil {
		existing.MeasuredBy = append([]Measurement(nil), obj.MeasuredBy...)
	}
	if obj.AbsentFields != nil {
		existing.AbsentFields = append([]string(nil), obj.AbsentFields...)
	}
	if obj.Fields != nil {
		if existing.Fields == nil {
			existing.Fields = make(map[string]any, len(obj.Fields))
		}
		for k, v := range obj.Fields {
			existing.Fields[k] = v
		}
	}
	if !obj.Placeholder {
		existing.Placeholder = false
	}
}

// FieldLink names the optional field-level detail of a measured-by edge.
type FieldLink struct {
	SourceField      string
	SelfField        string
	SourceCalcOutput string
	SelfCalcOutput   string
}

// LinkMeasuredBy appends a measured-by entry on target pointing at source.
// A missing target is created as a placeholder so the edge always resolves
// within the snapshot.
func (c *Collector) LinkMeasuredBy(source, target ObjectID, link FieldLink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tgt, ok := c.objects[target]
	if !ok {
		tgt = &DataObject{ID: target, Kind: target.Family(), Placeholder: true}
		c.objects[target] = tgt
		c.order = append(c.order, target)
	}
	if _, ok := c.objects[source]; !ok {
		src := &DataObject{ID: source, Kind: source.Family(), Placeholder: true}
		c.objects[source] = src
		c.order = append(c.order, source)
	}
	tgt.MeasuredBy = append(tgt.MeasuredBy, Measurement{
		ObjectID:         source,
		SourceField:      link.SourceField,
		SelfField:        link.SelfField,
		SourceCalcOutput: link.SourceCalcOutput,
		SelfCalcOutput:   link.SelfCalcOutput,
	})
}

// Relationship is one cross-verifier edge applied after the chain completes.
// Empty field names degrade the edge to object level.
type Relationship struct {
	Source      ObjectID
	Target      ObjectID
	SourceField string
	TargetField string
}

// ConfigureRelationships applies a batch of measured-by links, used to wire
// the fixed KMS -> Gateway and KMS -> App edges once all verifiers ran.
func (c *Collector) ConfigureRelationships(rels []Relationship) {
	for _, r := range rels {
		c.LinkMeasuredBy(r.Source, r.Target, FieldLink{
			SourceField: r.SourceField,
			SelfField:   r.TargetField,
		})
	}
}

// Snapshot returns the collected objects in insertion order.
func (c *Collector) Snapshot() []DataObject {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DataObject, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.objects[id].clone())
	}
	return out
}

// Clear resets the registry for reuse at the start of a run.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.objects = make(map[ObjectID]*DataObject)
}

// IDs returns the collected object ids in insertion order.
func (c *Collector) IDs() []ObjectID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ObjectID(nil), c.order...)
}

// Validate checks the report invariants on a snapshot: unique ids,
// measured-by references that resolve within the set, and calculation
// inputs that are either present as fields or declared absent.
func Validate(objs []DataObject) error {
	seen := make(map[ObjectID]bool, len(objs))
	for _, o := range objs {
		if seen[o.ID] {
			return fmt.Errorf("duplicate data object id %q", o.ID)
		}
		seen[o.ID] = true
	}
	for _, o := range objs {
		for _, m := range o.MeasuredBy {
			if !seen[m.ObjectID] {
				return fmt.Errorf("object %q measured by unknown object %q", o.ID, m.ObjectID)
			}
		}
		absent := make(map[string]bool, len(o.AbsentFields))
		for _, f := range o.AbsentFields {
			absent[f] = true
		}
		for _, calc := range o.Calculations {
			for _, in := range calc.Inputs {
				if _, ok := o.Fields[in]; ok || absent[in] {
					continue
				}
				return fmt.Errorf("object %q calculation %s input %q is neither a field nor declared absent", o.ID, calc.Func, in)
			}
		}
	}
	return nil
}
