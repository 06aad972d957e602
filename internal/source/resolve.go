package source

import (
	"regexp"
	"strings"
)

// Namespace gives read access to the tables published for one host and
// connector.
type Namespace interface {
	SourceTable(key string) (*Table, bool)
}

var referencePattern = regexp.MustCompile(`^\$\{source::(.+)\}$`)

// ReferenceKey returns the key of a ${source::<key>} reference.
func ReferenceKey(ref string) (string, bool) {
	m := referencePattern.FindStringSubmatch(strings.TrimSpace(ref))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Reference builds the ${source::<key>} token for key.
func Reference(key string) string {
	return "${source::" + key + "}"
}

// Resolve returns the table a mapping source designates. A reference to a
// key that was never published (for instance because its source failed)
// resolves to no table. Any other string is a literal one-row table whose
// cells are separated by ';'.
func Resolve(ref string, ns Namespace) (*Table, bool) {
	if key, ok := ReferenceKey(ref); ok {
		if ns == nil {
			return nil, false
		}
		return ns.SourceTable(key)
	}
	return NewTable([][]string{strings.Split(ref, ";")}), true
}
