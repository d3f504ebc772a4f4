// Package validation checks the names pgtrail interpolates into generated
// SQL. Labels, event-table names, and trigger names all end up as PostgreSQL
// identifiers, so they are validated once at registration time instead of
// being quoted-and-hoped at every call site.
package validation

import (
	"fmt"
)

// MaxIdentifierLength is PostgreSQL's NAMEDATALEN-1: identifiers longer than
// this are silently truncated by the server, which would make two distinct
// generated trigger names collide.
const MaxIdentifierLength = 63

// Identifier validates a name that will be used as an unquoted-safe SQL
// identifier: non-empty, at most 63 bytes, starting with a lowercase letter
// or underscore, containing only lowercase letters, digits, and underscores.
func Identifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is empty")
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("identifier exceeds %d bytes", MaxIdentifierLength)
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("identifier may not start with a digit")
			}
		default:
			return fmt.Errorf("identifier contains invalid character %q", r)
		}
	}
	return nil
}

// TruncateIdentifier shortens a generated name to the identifier limit while
// keeping it unique: overlong names are cut and suffixed with a hash of the
// full name, so two distinct long inputs never truncate to the same output.
func TruncateIdentifier(name string) string {
	if len(name) <= MaxIdentifierLength {
		return name
	}
	h := fnv32a(name)
	suffix := fmt.Sprintf("_%08x", h)
	return name[:MaxIdentifierLength-len(suffix)] + suffix
}

func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
