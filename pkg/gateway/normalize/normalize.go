// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package normalize rewrites vendor-specific observation codings into
// standard terminology systems before payloads leave the gateway. The
// mapping is compile-time and total: codings outside the map, and codings
// from non-vendor systems, pass through byte-identical.
package normalize

import (
	"github.com/stacklok/healthbridge/pkg/fhir"
)

// VendorSystem identifies codings produced by the Apple HealthKit export.
const VendorSystem = "http://developer.apple.com/documentation/healthkit"

// Standard terminology systems that vendor codings are rewritten into.
const (
	SystemLOINC  = "http://loinc.org"
	SystemMDC    = "urn:iso:std:iso:11073:10101"
	SystemSNOMED = "http://snomed.info/sct"
)

// Vendor codes recognized by the gateway.
const (
	CodeECG                    = "HKElectrocardiogram"
	CodeECGClassification      = "HKElectrocardiogramClassification"
	CodeECGSymptomsStatus      = "HKElectrocardiogramSymptomsStatus"
	CodeECGVoltageMeasurements = "HKElectrocardiogramVoltageMeasurementCount"
	CodeECGSamplingFrequency   = "HKElectrocardiogramSamplingFrequency"

	classificationLOINC = "8601-7"
)

// vendorCodings maps each recognized vendor code to its standard equivalent.
var vendorCodings = map[string]fhir.Coding{
	CodeECG:                    {System: SystemLOINC, Code: "11524-6", Display: "EKG study"},
	CodeECGClassification:      {System: SystemLOINC, Code: classificationLOINC, Display: "EKG impression"},
	CodeECGSymptomsStatus:      {System: SystemSNOMED, Code: "418799008", Display: "Finding reported by subject"},
	CodeECGVoltageMeasurements: {System: SystemMDC, Code: "131328", Display: "ECG voltage measurement count"},
	CodeECGSamplingFrequency:   {System: SystemMDC, Code: "131330", Display: "ECG sampling frequency"},
}

// classificationLabels maps raw classification enum values to the wording
// shown to clinicians. Unrecognized values pass through unchanged.
var classificationLabels = map[string]string{
	"sinusRhythm":               "Sinus Rhythm",
	"atrialFibrillation":        "Atrial Fibrillation",
	"inconclusiveHighHeartRate": "Inconclusive (High Heart Rate)",
	"inconclusiveLowHeartRate":  "Inconclusive (Low Heart Rate)",
	"inconclusiveOther":         "Inconclusive (Other)",
	"inconclusivePoorReading":   "Poor Recording",
	"notSet":                    "Not Set",
}

// Observation rewrites obs in place and reports how many codings were
// replaced. The pass covers code, category and component codes, plus the
// classification component's raw enum value.
func Observation(obs *fhir.Observation) int {
	if obs == nil {
		return 0
	}

	replaced := concept(obs.Code)
	for i := range obs.Category {
		replaced += concept(&obs.Category[i])
	}
	for i := range obs.Component {
		comp := &obs.Component[i]
		replaced += concept(comp.Code)
		if isClassification(comp.Code) && comp.ValueString != "" {
			comp.ValueString = ClassificationLabel(comp.ValueString)
		}
	}
	if isClassification(obs.Code) && obs.ValueString != "" {
		obs.ValueString = ClassificationLabel(obs.ValueString)
	}
	return replaced
}

// ClassificationLabel returns the human-readable label for a raw
// classification value, or the value itself when unmapped.
func ClassificationLabel(raw string) string {
	if label, ok := classificationLabels[raw]; ok {
		return label
	}
	return raw
}

// concept rewrites the vendor codings of a single concept in place.
func concept(c *fhir.CodeableConcept) int {
	if c == nil {
		return 0
	}
	replaced := 0
	for i, coding := range c.Coding {
		if coding.System != VendorSystem {
			continue
		}
		mapped, ok := vendorCodings[coding.Code]
		if !ok {
			continue
		}
		c.Coding[i] = mapped
		replaced++
	}
	if len(c.Coding) == 0 {
		c.Coding = nil
	}
	return replaced
}

// isClassification reports whether the concept identifies an ECG
// classification, before or after its coding was rewritten.
func isClassification(c *fhir.CodeableConcept) bool {
	if c == nil {
		return false
	}
	for _, coding := range c.Coding {
		if coding.System == VendorSystem && coding.Code == CodeECGClassification {
			return true
		}
		if coding.System == SystemLOINC && coding.Code == classificationLOINC {
			return true
		}
	}
	return false
}
