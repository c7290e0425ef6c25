package storage

import (
	"fmt"
	"strings"

	"github.com/strandlabs/strand/pkg/models"
)

// NamespaceSystemInternal is the reserved first component of token-cache
// namespaces. User writes through the HTTP surface may not start with it.
const NamespaceSystemInternal = "system_internal"

// NormalizeNamespace converts either wire form of a namespace into the
// canonical list form. This is the only code path that may produce namespace
// values destined for storage: PUT and search arrive as JSON lists, GET and
// DELETE as slash-joined query strings, and both must reach the same row.
//
// String form: empty string means the empty namespace; repeated slashes
// collapse. List form: components must be non-empty and slash-free, so the
// two forms stay bijective.
func NormalizeNamespace(input models.NamespaceInput) ([]string, error) {
	if input.IsList {
		parts := make([]string, 0, len(input.Parts))
		for _, p := range input.Parts {
			if p == "" {
				return nil, fmt.Errorf("namespace component must not be empty")
			}
			if strings.Contains(p, "/") {
				return nil, fmt.Errorf("namespace component %q must not contain '/'", p)
			}
			parts = append(parts, p)
		}
		return parts, nil
	}
	return SplitNamespace(input.Joined), nil
}

// SplitNamespace converts the slash-joined string form into the list form.
// "" and "/" both mean the empty namespace.
func SplitNamespace(s string) []string {
	parts := []string{}
	for _, p := range strings.Split(s, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// JoinNamespace renders the list form as the slash-joined string form.
func JoinNamespace(parts []string) string {
	return strings.Join(parts, "/")
}

// NamespaceHasPrefix compares element-wise on the list form.
// The empty prefix matches everything.
func NamespaceHasPrefix(ns, prefix []string) bool {
	if len(prefix) > len(ns) {
		return false
	}
	for i, p := range prefix {
		if ns[i] != p {
			return false
		}
	}
	return true
}

// NamespaceHasSuffix compares element-wise from the tail.
func NamespaceHasSuffix(ns, suffix []string) bool {
	if len(suffix) > len(ns) {
		return false
	}
	off := len(ns) - len(suffix)
	for i, s := range suffix {
		if ns[off+i] != s {
			return false
		}
	}
	return true
}

// ValidateUserNamespace rejects writes into reserved namespaces. Internal
// callers (the OAuth token cache) bypass this by writing through the
// repository directly.
func ValidateUserNamespace(ns []string) error {
	if len(ns) > 0 && ns[0] == NamespaceSystemInternal {
		return fmt.Errorf("namespace %q is reserved", NamespaceSystemInternal)
	}
	return nil
}
