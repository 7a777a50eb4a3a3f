// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mapper flattens FHIR Observations into the examination fields
// of a GDT 6310 record.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/healthbridge/pkg/clinical/gdt"
	"github.com/stacklok/healthbridge/pkg/fhir"
)

// Examination field identifiers populated by the mapping.
const (
	fieldPatientID      = "3000"
	fieldFamilyName     = "3101"
	fieldGivenName      = "3102"
	fieldExamDate       = "6200"
	fieldExamTime       = "6201"
	fieldTestIdent      = "8402"
	fieldTestLabel      = "8410"
	fieldTestName       = "8411"
	fieldResultValue    = "8420"
	fieldResultUnit     = "8421"
	fieldRangeText      = "8430"
	fieldRangeLow       = "8431"
	fieldRangeHigh      = "8432"
	fieldStatus         = "8418"
	fieldResultText     = "8460"
	fieldInterpretation = "8480"
	fieldHeartRate      = "8501"
	fieldMetadata       = "6228"
	fieldImpression     = "8520"
)

// LOINC codes routing ECG components to their dedicated fields.
const (
	loincHeartRate    = "8867-4"
	loincHeartRateECG = "76282-3"
	loincImpression   = "8601-7"
)

// vendorClassification matches an impression component that never went
// through gateway normalization.
const vendorClassification = "HKElectrocardiogramClassification"

// maxTestLabelLen bounds field 8410 per the GDT field catalogue.
const maxTestLabelLen = 20

// interpretationLabels maps HL7 interpretation codes to the German labels
// practice systems expect.
var interpretationLabels = map[string]string{
	"N":  "Normal",
	"H":  "Erhöht",
	"HH": "Stark erhöht",
	"L":  "Erniedrigt",
	"LL": "Stark erniedrigt",
	"A":  "Auffällig",
	"AA": "Stark auffällig",
}

// Observation flattens one observation into ordered GDT fields: patient,
// examination time, test identification, result, reference range, status,
// interpretation, then ECG components. Sources that are absent yield no
// field. The returned warnings describe data that could not be carried.
func Observation(obs *fhir.Observation) ([]gdt.Field, []string) {
	if obs == nil {
		return nil, nil
	}
	b := &builder{}

	if obs.Subject != nil {
		b.add(fieldPatientID, referenceTail(obs.Subject.Reference))
		family, given := splitDisplayName(obs.Subject.Display)
		b.add(fieldFamilyName, family)
		b.add(fieldGivenName, given)
	}

	b.addEffective(obs.Effective())

	if coding := obs.Code.FirstCoding(); coding != nil {
		b.add(fieldTestIdent, coding.Code)
		b.add(fieldTestLabel, truncate(coding.Display, maxTestLabelLen))
	}
	b.add(fieldTestName, testName(obs.Code))

	if obs.ValueQuantity != nil {
		b.add(fieldResultValue, quantityValue(obs.ValueQuantity))
		b.add(fieldResultUnit, quantityUnit(obs.ValueQuantity))
	} else {
		b.add(fieldResultText, valueText(obs))
	}

	if len(obs.ReferenceRange) > 0 {
		rr := obs.ReferenceRange[0]
		low := quantityValue(rr.Low)
		high := quantityValue(rr.High)
		b.add(fieldRangeLow, low)
		b.add(fieldRangeHigh, high)
		b.add(fieldRangeText, composeRange(low, high, rr.Text))
	}

	b.add(fieldStatus, obs.Status)
	b.add(fieldInterpretation, interpretationText(obs.Interpretation))
	b.addComponents(obs.Component)

	return b.fields, b.warnings
}

type builder struct {
	fields   []gdt.Field
	warnings []string
}

func (b *builder) add(id, content string) {
	if content == "" {
		return
	}
	b.fields = append(b.fields, gdt.Field{ID: id, Content: content})
}

func (b *builder) warnf(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// addEffective renders the examination date and time in the timestamp's
// own offset, so wall-clock times survive the mapping.
func (b *builder) addEffective(effective string) {
	if effective == "" {
		b.warnf("observation has no effective timestamp")
		return
	}
	if t, err := time.Parse(time.RFC3339, effective); err == nil {
		b.add(fieldExamDate, t.Format("02012006"))
		b.add(fieldExamTime, t.Format("150405"))
		return
	}
	if t, err := time.Parse("2006-01-02", effective); err == nil {
		b.add(fieldExamDate, t.Format("02012006"))
		return
	}
	b.warnf("effective timestamp %q is not a FHIR dateTime", effective)
}

// addComponents groups ECG components: heart rate to 8501, impression to
// 8520, everything else to 6228 metadata lines.
func (b *builder) addComponents(components []fhir.Component) {
	var heartRates, metadata, impressions []string
	for _, c := range components {
		switch {
		case hasCoding(c.Code, loincHeartRate) || hasCoding(c.Code, loincHeartRateECG):
			if v := quantityValue(c.ValueQuantity); v != "" {
				heartRates = append(heartRates, v)
			}
		case hasCoding(c.Code, loincImpression) || hasCoding(c.Code, vendorClassification):
			if v := componentText(c); v != "" {
				impressions = append(impressions, v)
			}
		default:
			if line := metadataLine(c); line != "" {
				metadata = append(metadata, line)
			}
		}
	}
	for _, v := range heartRates {
		b.add(fieldHeartRate, v)
	}
	for _, line := range metadata {
		b.add(fieldMetadata, line)
	}
	for _, v := range impressions {
		b.add(fieldImpression, v)
	}
}

func referenceTail(ref string) string {
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		return ref[idx+1:]
	}
	return ref
}

func splitDisplayName(display string) (family, given string) {
	before, after, found := strings.Cut(display, ",")
	if !found {
		return strings.TrimSpace(display), ""
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}

func testName(code *fhir.CodeableConcept) string {
	if coding := code.FirstCoding(); coding != nil && coding.Display != "" {
		return coding.Display
	}
	if code != nil {
		return code.Text
	}
	return ""
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func quantityValue(q *fhir.Quantity) string {
	if q == nil || q.Value == nil {
		return ""
	}
	return formatNumber(*q.Value)
}

func quantityUnit(q *fhir.Quantity) string {
	if q == nil {
		return ""
	}
	if q.Unit != "" {
		return q.Unit
	}
	return q.Code
}

// valueText renders the non-quantity value choices for field 8460.
func valueText(obs *fhir.Observation) string {
	switch {
	case obs.ValueString != "":
		return obs.ValueString
	case obs.ValueCodeableConcept != nil:
		return conceptText(obs.ValueCodeableConcept)
	case obs.ValueBoolean != nil:
		if *obs.ValueBoolean {
			return "Positiv"
		}
		return "Negativ"
	case obs.ValueInteger != nil:
		return strconv.Itoa(*obs.ValueInteger)
	case obs.ValueRange != nil:
		return joinPair(quantityValue(obs.ValueRange.Low), quantityValue(obs.ValueRange.High), " - ")
	case obs.ValueRatio != nil:
		return joinPair(quantityValue(obs.ValueRatio.Numerator), quantityValue(obs.ValueRatio.Denominator), " / ")
	case obs.ValuePeriod != nil:
		return joinPair(obs.ValuePeriod.Start, obs.ValuePeriod.End, " - ")
	}
	return ""
}

func joinPair(left, right, sep string) string {
	switch {
	case left != "" && right != "":
		return left + sep + right
	case left != "":
		return left
	default:
		return right
	}
}

func composeRange(low, high, text string) string {
	if composed := joinPair(low, high, " - "); composed != "" {
		return composed
	}
	return text
}

func conceptText(c *fhir.CodeableConcept) string {
	if c == nil {
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	if coding := c.FirstCoding(); coding != nil {
		if coding.Display != "" {
			return coding.Display
		}
		return coding.Code
	}
	return ""
}

func interpretationText(interpretations []fhir.CodeableConcept) string {
	if len(interpretations) == 0 {
		return ""
	}
	first := interpretations[0]
	if first.Text != "" {
		return first.Text
	}
	coding := first.FirstCoding()
	if coding == nil {
		return ""
	}
	if label, ok := interpretationLabels[coding.Code]; ok {
		return label
	}
	if coding.Display != "" {
		return coding.Display
	}
	return coding.Code
}

func hasCoding(code *fhir.CodeableConcept, want string) bool {
	if code == nil {
		return false
	}
	for _, c := range code.Coding {
		if c.Code == want {
			return true
		}
	}
	return false
}

func componentText(c fhir.Component) string {
	if c.ValueString != "" {
		return c.ValueString
	}
	if v := quantityValue(c.ValueQuantity); v != "" {
		return v
	}
	return conceptText(c.ValueCodeableConcept)
}

// metadataLine renders an unclassified component as "Label: value unit".
func metadataLine(c fhir.Component) string {
	label := conceptText(c.Code)
	if label == "" {
		return ""
	}
	if c.ValueQuantity != nil && c.ValueQuantity.Value != nil {
		value := formatNumber(*c.ValueQuantity.Value)
		if unit := quantityUnit(c.ValueQuantity); unit != "" {
			return fmt.Sprintf("%s: %s %s", label, value, unit)
		}
		return fmt.Sprintf("%s: %s", label, value)
	}
	if c.ValueString != "" {
		return fmt.Sprintf("%s: %s", label, c.ValueString)
	}
	if text := conceptText(c.ValueCodeableConcept); text != "" {
		return fmt.Sprintf("%s: %s", label, text)
	}
	return ""
}
