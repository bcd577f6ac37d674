package configutil

import (
	"sort"
	"strings"
)

// Schema defines the keys a settings map may carry. Keys are compared case,
// underscore and hyphen insensitively.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
	// OneOf lists key groups of which exactly one must be set, e.g. an
	// inline key or a key file.
	OneOf [][]string
}

// SettingsError lists every problem found in one settings map.
type SettingsError struct {
	Missing  []string
	Unknown  []string
	Conflict [][]string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	for _, group := range e.Conflict {
		parts = append(parts, "exactly one of: "+strings.Join(group, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema and returns a *SettingsError
// when anything is missing, unknown or ambiguous.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, group := range schema.OneOf {
		for _, k := range group {
			allowed[normalizeKey(k)] = struct{}{}
		}
	}

	var e SettingsError
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		if !isEmptyValue(v) {
			present[nk] = true
		}
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			e.Unknown = append(e.Unknown, k)
		}
	}
	for nk, reqKey := range required {
		if !present[nk] {
			e.Missing = append(e.Missing, reqKey)
		}
	}
	for _, group := range schema.OneOf {
		n := 0
		for _, k := range group {
			if present[normalizeKey(k)] {
				n++
			}
		}
		if n != 1 {
			e.Conflict = append(e.Conflict, group)
		}
	}

	if len(e.Missing) == 0 && len(e.Unknown) == 0 && len(e.Conflict) == 0 {
		return nil
	}
	sort.Strings(e.Missing)
	sort.Strings(e.Unknown)
	return &e
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
