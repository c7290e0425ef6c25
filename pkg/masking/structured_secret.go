package masking

import (
	"encoding/json"
	"regexp"
	"strings"
)

// MaskedFieldValue is the replacement for values stored under secret-bearing keys.
const MaskedFieldValue = "[MASKED_SECRET]"

// Pre-compiled pattern for fast AppliesTo checks: a JSON key that carries
// a secret-bearing word.
var sensitiveKeyPattern = regexp.MustCompile(
	`(?i)"[^"]*(?:password|passwd|secret|token|credential|api[_-]?key|private[_-]?key|access[_-]?key|authorization)[^"]*"\s*:`)

// sensitiveKeyParts are matched against normalized key names (lowercased,
// separators stripped), so "Api-Key", "aws_secret_access_key" and
// "refreshToken" all hit.
var sensitiveKeyParts = []string{
	"password", "passwd", "secret", "token", "credential",
	"apikey", "privatekey", "accesskey", "authorization",
}

// StructuredSecretMasker masks values stored under secret-bearing keys in
// JSON tool output, including JSON embedded inside string fields, while
// leaving the surrounding structure intact.
type StructuredSecretMasker struct{}

// Name returns the unique identifier for this masker.
func (m *StructuredSecretMasker) Name() string { return "structured_secrets" }

// AppliesTo performs a lightweight check on whether this masker should process the data.
func (m *StructuredSecretMasker) AppliesTo(data string) bool {
	trimmed := strings.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return sensitiveKeyPattern.MatchString(data)
}

// Mask parses the data as JSON and masks values under sensitive keys.
// Content that does not parse as JSON is returned unchanged and left for
// the regex phase.
func (m *StructuredSecretMasker) Mask(data string) string {
	trimmed := strings.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return data
	}

	var parsed any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		return data
	}

	masked, changed := maskStructure(parsed)
	if !changed {
		return data
	}

	result, err := json.Marshal(masked)
	if err != nil {
		return data
	}

	output := string(result)
	// Preserve trailing newline if original had one
	if strings.HasSuffix(data, "\n") {
		output += "\n"
	}
	return output
}

// maskStructure walks a decoded JSON value and replaces anything stored
// under a sensitive key. Reports whether any value was replaced.
func maskStructure(value any) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		changed := false
		for key, val := range v {
			if isSensitiveKey(key) {
				if val != nil && val != MaskedFieldValue {
					v[key] = MaskedFieldValue
					changed = true
				}
				continue
			}
			got, ch := maskStructure(val)
			v[key] = got
			if ch {
				changed = true
			}
		}
		return v, changed
	case []any:
		changed := false
		for i, item := range v {
			got, ch := maskStructure(item)
			v[i] = got
			if ch {
				changed = true
			}
		}
		return v, changed
	case string:
		return maskEmbeddedJSON(v)
	default:
		return value, false
	}
}

// maskEmbeddedJSON handles JSON nested inside string fields, which tool
// output produces constantly (an API response serialized into a "body"
// field, for example).
func maskEmbeddedJSON(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return s, false
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return s, false
	}

	masked, changed := maskStructure(parsed)
	if !changed {
		return s, false
	}

	result, err := json.Marshal(masked)
	if err != nil {
		return s, false
	}
	return string(result), true
}

// isSensitiveKey reports whether a key name carries a secret-bearing word.
// Keys are normalized before matching so separator style does not matter.
func isSensitiveKey(key string) bool {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.', ' ':
			return -1
		}
		return r
	}, strings.ToLower(key))

	for _, part := range sensitiveKeyParts {
		if strings.Contains(normalized, part) {
			return true
		}
	}
	return false
}
