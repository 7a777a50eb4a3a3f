// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package fhir holds the subset of the FHIR R4 structural model that the
// healthbridge services exchange: transaction bundles of Observation
// resources. Fields outside this subset are not round-tripped.
package fhir

// ResourceTypeObservation is the only resource type accepted for ingestion.
const ResourceTypeObservation = "Observation"

// BundleTypeTransaction is the bundle type submitted by the mobile client.
const BundleTypeTransaction = "transaction"

// Bundle is a FHIR bundle of observation entries.
type Bundle struct {
	ResourceType string        `json:"resourceType,omitempty"`
	Type         string        `json:"type,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry wraps one resource in a bundle.
type BundleEntry struct {
	FullURL  string         `json:"fullUrl,omitempty"`
	Resource *Observation   `json:"resource,omitempty"`
	Request  *BundleRequest `json:"request,omitempty"`
}

// BundleRequest carries the transaction verb for an entry.
type BundleRequest struct {
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Observation is a FHIR R4 Observation restricted to the fields the
// gateway normalizes and the emitter maps into GDT records.
type Observation struct {
	ResourceType string            `json:"resourceType,omitempty"`
	ID           string            `json:"id,omitempty"`
	Status       string            `json:"status,omitempty"`
	Category     []CodeableConcept `json:"category,omitempty"`
	Code         *CodeableConcept  `json:"code,omitempty"`
	Subject      *Reference        `json:"subject,omitempty"`

	EffectiveDateTime string  `json:"effectiveDateTime,omitempty"`
	EffectivePeriod   *Period `json:"effectivePeriod,omitempty"`
	EffectiveInstant  string  `json:"effectiveInstant,omitempty"`

	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueInteger         *int             `json:"valueInteger,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueRange           *Range           `json:"valueRange,omitempty"`
	ValueRatio           *Ratio           `json:"valueRatio,omitempty"`
	ValuePeriod          *Period          `json:"valuePeriod,omitempty"`

	Interpretation []CodeableConcept `json:"interpretation,omitempty"`
	ReferenceRange []ReferenceRange  `json:"referenceRange,omitempty"`
	Component      []Component       `json:"component,omitempty"`
}

// Effective returns the observation's effective timestamp, preferring
// effectiveDateTime, then effectivePeriod.start, then effectiveInstant.
func (o *Observation) Effective() string {
	if o.EffectiveDateTime != "" {
		return o.EffectiveDateTime
	}
	if o.EffectivePeriod != nil && o.EffectivePeriod.Start != "" {
		return o.EffectivePeriod.Start
	}
	return o.EffectiveInstant
}

// CodeableConcept is a coded value with optional free text.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCoding returns the concept's first coding, or nil when it has none.
func (c *CodeableConcept) FirstCoding() *Coding {
	if c == nil || len(c.Coding) == 0 {
		return nil
	}
	return &c.Coding[0]
}

// Coding is a reference to a code defined by a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Quantity is a measured amount.
type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// Range is a low/high bounded quantity pair.
type Range struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

// Ratio is a numerator/denominator quantity pair.
type Ratio struct {
	Numerator   *Quantity `json:"numerator,omitempty"`
	Denominator *Quantity `json:"denominator,omitempty"`
}

// Period is a start/end time range in FHIR dateTime syntax.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// ReferenceRange gives guidance on normal values for the observation.
type ReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
	Text string    `json:"text,omitempty"`
}

// Component is a sub-measurement of a multi-part observation, such as the
// heart rate captured alongside an ECG trace.
type Component struct {
	Code                 *CodeableConcept `json:"code,omitempty"`
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
}

// Reference points at another resource, typically the subject patient.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}
