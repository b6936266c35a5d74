// Package labels computes the effective label set of a Namespace from the
// labels of its owning Project. It is pure: no I/O, no cluster access.
package labels

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// Prefix marks Project label keys that participate in propagation. The
// prefix is stripped before the key is applied to a Namespace; all other
// Project labels are ignored.
const Prefix = "propagate."

// Propagated extracts the labels of a Project that have to be propagated,
// with the prefix stripped. Keys whose stripped form is not a qualified label
// key, or whose value is not a valid label value, are skipped and returned
// separately so the caller can log them; the rest of the set still
// propagates. An explicit empty value is kept, it overwrites downstream.
func Propagated(projectLabels map[string]string) (propagated map[string]string, skipped []string) {
	for key, value := range projectLabels {
		if !strings.HasPrefix(key, Prefix) {
			continue
		}

		stripped := strings.TrimPrefix(key, Prefix)
		if len(validation.IsQualifiedName(stripped)) > 0 || len(validation.IsValidLabelValue(value)) > 0 {
			skipped = append(skipped, key)
			continue
		}

		if propagated == nil {
			propagated = make(map[string]string)
		}
		propagated[stripped] = value
	}

	return propagated, skipped
}

// Merge computes the full desired label set of a Namespace: every Namespace
// label not shadowed by a propagated key is preserved, every propagated key
// takes the Project's value. The returned map is always a complete label set,
// never a diff. changed reports whether the result differs from
// namespaceLabels, so callers can skip no-op updates.
func Merge(namespaceLabels, propagated map[string]string) (merged map[string]string, changed bool) {
	merged = make(map[string]string, len(namespaceLabels)+len(propagated))
	for key, value := range namespaceLabels {
		merged[key] = value
	}

	for key, value := range propagated {
		if current, ok := merged[key]; !ok || current != value {
			changed = true
		}
		merged[key] = value
	}

	return merged, changed
}
