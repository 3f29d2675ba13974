// Package identity derives anonymized player identities and display
// abbreviations.
package identity

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"wtsync.dev/internal/protocol"
)

// idBytes is the number of hash bytes kept in an identity.
const idBytes = 16

func derive(domain, value string) protocol.Identity {
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(value))
	sum := h.Sum(nil)
	return protocol.Identity(hex.EncodeToString(sum[:idBytes]))
}

// FromName derives an identity from a character name and home world. Case and
// surrounding whitespace are ignored.
func FromName(name, world string) protocol.Identity {
	name = strings.ToLower(strings.Join(strings.Fields(name), " "))
	world = strings.ToLower(strings.TrimSpace(world))
	if name == "" {
		return ""
	}
	return derive("wtsync/name", name+"@"+world)
}

// FromContentID derives an identity from the host's numeric account id.
func FromContentID(id uint64) protocol.Identity {
	if id == 0 {
		return ""
	}
	return derive("wtsync/cid", strconv.FormatUint(id, 10))
}

type NameFormat uint

const (
	FullName     NameFormat = 0
	ShortLast    NameFormat = 1
	ShortFirst   NameFormat = 2
	InitialsOnly NameFormat = 3
)

// Abbreviate shortens a "First Last" name to initials per format. Names that
// are not two words are returned unchanged.
func Abbreviate(name string, format NameFormat) string {
	if format == FullName {
		return name
	}
	parts := strings.Fields(name)
	if len(parts) != 2 {
		return name
	}
	first, last := parts[0], parts[1]
	if (format == ShortLast || format == InitialsOnly) && len([]rune(last)) > 1 {
		last = string([]rune(last)[:1]) + "."
	}
	if (format == ShortFirst || format == InitialsOnly) && len([]rune(first)) > 1 {
		first = string([]rune(first)[:1]) + "."
	}
	return first + " " + last
}
