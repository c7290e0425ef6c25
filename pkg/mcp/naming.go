package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// maxToolNameLength is the strictest provider limit on function names
// (OpenAI caps at 64 characters).
const maxToolNameLength = 64

// invalidNameChars matches everything providers reject in function names.
var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeToolName rewrites an MCP tool name into a form every provider
// accepts: word characters, underscores and hyphens, at most 64 bytes,
// never empty.
func SanitizeToolName(name string) string {
	sanitized := invalidNameChars.ReplaceAllString(name, "_")
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "tool"
	}
	if len(sanitized) > maxToolNameLength {
		sanitized = sanitized[:maxToolNameLength]
	}
	return sanitized
}

// disambiguate returns a name not yet present in taken, suffixing "-2",
// "-3", ... on collision. Duplicate tool names across servers are exposed
// under distinct names rather than silently dropped.
func disambiguate(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if len(candidate) > maxToolNameLength {
			keep := maxToolNameLength - len(candidate) + len(name)
			candidate = fmt.Sprintf("%s-%d", name[:keep], i)
		}
		if !taken[candidate] {
			return candidate
		}
	}
}
