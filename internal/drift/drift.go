// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package drift detects structural divergence between a source's
// expected record shape and what it actually returned. Detection is
// advisory: it emits warnings and never blocks ingestion.
package drift

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// DefaultRenameThreshold is the similarity score (0-100) at or above
// which a new/removed field pair is reported as a probable rename.
const DefaultRenameThreshold = 80.0

// TypeChange records a common field whose observed value type is not
// compatible with the expected type.
type TypeChange struct {
	Field        string `json:"field" yaml:"field"`
	ExpectedType string `json:"expected_type" yaml:"expected_type"`
	ActualType   string `json:"actual_type" yaml:"actual_type"`
}

// Rename records a probable field rename reconciled from one new and
// one removed field with high name similarity.
type Rename struct {
	OldField   string  `json:"old_field" yaml:"old_field"`
	NewField   string  `json:"new_field" yaml:"new_field"`
	Similarity float64 `json:"similarity" yaml:"similarity"`
}

// Report is the outcome of one drift check.
type Report struct {
	HasDrift        bool         `json:"has_drift" yaml:"has_drift"`
	ConfidenceScore float64      `json:"confidence_score" yaml:"confidence_score"`
	NewFields       []string     `json:"new_fields" yaml:"new_fields"`
	RemovedFields   []string     `json:"removed_fields" yaml:"removed_fields"`
	TypeChanges     []TypeChange `json:"type_changes" yaml:"type_changes"`
	Renames         []Rename     `json:"renames" yaml:"renames"`
	Warnings        []string     `json:"warnings" yaml:"warnings"`
}

// compatibleTypes maps an expected type name to the observed type names
// it tolerates. Nil is tolerated everywhere.
var compatibleTypes = map[string][]string{
	"str":   {"str", "nil"},
	"int":   {"int", "float", "nil"},
	"float": {"float", "int", "nil"},
	"bool":  {"bool", "nil"},
	"list":  {"list", "nil"},
	"map":   {"map", "nil"},
}

// Detector checks observed records against expected schemas.
type Detector struct {
	renameThreshold float64
	log             *logrus.Entry
}

// NewDetector returns a Detector. A non-positive threshold selects
// DefaultRenameThreshold.
func NewDetector(renameThreshold float64, log *logrus.Logger) *Detector {
	if renameThreshold <= 0 {
		renameThreshold = DefaultRenameThreshold
	}
	return &Detector{
		renameThreshold: renameThreshold,
		log:             log.WithField("component", "drift"),
	}
}

// Detect compares an expected field→type schema against an observed
// record. Field-set differences are computed first, then probable
// renames are reconciled out of the new/removed sets, then common
// fields are checked for type compatibility.
func (d *Detector) Detect(expected map[string]string, observed map[string]any) Report {
	var newFields, removedFields []string
	for field := range observed {
		if _, ok := expected[field]; !ok {
			newFields = append(newFields, field)
		}
	}
	for field := range expected {
		if _, ok := observed[field]; !ok {
			removedFields = append(removedFields, field)
		}
	}
	sort.Strings(newFields)
	sort.Strings(removedFields)

	// Reconcile likely renames: a (new, removed) pair with high name
	// similarity is one field that moved, not two changes.
	var renames []Rename
	remainingNew := newFields[:0:0]
	for _, nf := range newFields {
		matched := false
		for i, rf := range removedFields {
			score := similarity(nf, rf)
			if score >= d.renameThreshold {
				renames = append(renames, Rename{OldField: rf, NewField: nf, Similarity: score})
				removedFields = append(removedFields[:i], removedFields[i+1:]...)
				matched = true
				break
			}
		}
		if !matched {
			remainingNew = append(remainingNew, nf)
		}
	}
	newFields = remainingNew

	var typeChanges []TypeChange
	commonCount := 0
	for field, expectedType := range expected {
		value, ok := observed[field]
		if !ok {
			continue
		}
		commonCount++
		actualType := typeName(value)
		if !typeCompatible(expectedType, actualType) {
			typeChanges = append(typeChanges, TypeChange{
				Field:        field,
				ExpectedType: expectedType,
				ActualType:   actualType,
			})
		}
	}
	sort.Slice(typeChanges, func(i, j int) bool { return typeChanges[i].Field < typeChanges[j].Field })

	var warnings []string
	if len(newFields) > 0 {
		warnings = append(warnings, fmt.Sprintf("new fields detected: %v", newFields))
	}
	if len(removedFields) > 0 {
		warnings = append(warnings, fmt.Sprintf("missing fields: %v", removedFields))
	}
	for _, r := range renames {
		warnings = append(warnings, fmt.Sprintf("possible field rename: %s -> %s (%.0f%% similar)", r.OldField, r.NewField, r.Similarity))
	}
	for _, tc := range typeChanges {
		warnings = append(warnings, fmt.Sprintf("type change in %q: %s -> %s", tc.Field, tc.ExpectedType, tc.ActualType))
	}

	// Unreconciled new fields count against the denominator so that a
	// record growing unexpected fields scores below 1.0.
	confidence := 1.0
	if len(expected) > 0 {
		matches := commonCount - len(typeChanges) + len(renames)
		confidence = float64(matches) / float64(len(expected)+len(newFields))
		confidence = max(0.0, min(1.0, confidence))
	}

	report := Report{
		HasDrift:        len(newFields) > 0 || len(removedFields) > 0 || len(typeChanges) > 0,
		ConfidenceScore: confidence,
		NewFields:       newFields,
		RemovedFields:   removedFields,
		TypeChanges:     typeChanges,
		Renames:         renames,
		Warnings:        warnings,
	}

	if report.HasDrift {
		for _, w := range warnings {
			d.log.WithField("warning", w).Warn("schema drift detected")
		}
	}
	return report
}

// InferSchema derives an expected schema from a representative record.
func InferSchema(record map[string]any) map[string]string {
	schema := make(map[string]string, len(record))
	for field, value := range record {
		schema[field] = typeName(value)
	}
	return schema
}

// typeName maps a decoded value to the schema type vocabulary. JSON
// decoding produces float64 for all numbers, so integral floats are
// reported as int.
func typeName(v any) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case string:
		return "str"
	case bool:
		return "bool"
	case int, int32, int64:
		return "int"
	case float32:
		if t == float32(int64(t)) {
			return "int"
		}
		return "float"
	case float64:
		if t == float64(int64(t)) {
			return "int"
		}
		return "float"
	case []any, []string:
		return "list"
	case map[string]any:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func typeCompatible(expected, actual string) bool {
	allowed, ok := compatibleTypes[expected]
	if !ok {
		allowed = []string{expected, "nil"}
	}
	for _, a := range allowed {
		if actual == a {
			return true
		}
	}
	return false
}

// similarity returns a 0-100 score for how alike two field names are,
// based on Levenshtein distance over the longer name.
func similarity(a, b string) float64 {
	if a == b {
		return 100
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 100
	}
	return 100 * (1 - float64(levenshtein(a, b))/float64(longest))
}

// levenshtein computes edit distance with two rolling rows.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
