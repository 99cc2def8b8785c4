package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a vendor or transport settings map may carry.
// Key matching ignores case, underscores and hyphens, so "api_key",
// "apiKey" and "API-KEY" are the same key.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every missing and unknown key of one settings block.
type SettingsError struct {
	Path    string
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Path == "" {
		return msg
	}
	return e.Path + ": " + msg
}

// ValidateSettings checks input against schema. Blank strings count as
// missing. The returned error is a *SettingsError.
func ValidateSettings(input map[string]any, schema Schema) error {
	return validate("", input, schema)
}

func validate(path string, input map[string]any, schema Schema) error {
	known := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = struct{}{}
	}
	present := make(map[string]bool, len(input))
	var unknown []string
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = !isEmptyValue(v)
		if _, ok := known[nk]; !ok && !schema.AllowUnknown && !contains(schema.Required, nk) {
			unknown = append(unknown, k)
		}
	}
	var missing []string
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	return &SettingsError{Path: path, Missing: missing, Unknown: unknown}
}

func contains(keys []string, normalized string) bool {
	for _, k := range keys {
		if normalizeKey(k) == normalized {
			return true
		}
	}
	return false
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
