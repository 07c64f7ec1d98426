// Package packid provides the identifier type shared by every component of
// the bitmap lifecycle subsystem: the 20-byte SHA-1 a pack writer assigns
// to a pack, the same identifier that names its sibling .idx/.bitmap files
// and is recorded, raw, in the pack log.
package packid

import (
	"encoding/hex"
	"fmt"
	"sort"

	"gopkg.in/src-d/go-git.v4/plumbing"
)

// Length is the width in bytes of a PackId.
const Length = 20

// PackId is a 20-byte pack identifier. It is backed by go-git's plumbing.Hash
// so that equality, hex encoding and decoding follow go-git's own object-id
// semantics rather than a hand-rolled duplicate.
type PackId struct {
	hash plumbing.Hash
}

// FromRaw builds a PackId from its 20 raw bytes.
func FromRaw(raw []byte) (PackId, error) {
	if len(raw) != Length {
		return PackId{}, fmt.Errorf("packid: expected %d raw bytes, got %d", Length, len(raw))
	}
	var h plumbing.Hash
	copy(h[:], raw)
	return PackId{hash: h}, nil
}

// FromHex parses a 40-character lowercase hex pack name into a PackId.
func FromHex(name string) (PackId, error) {
	if len(name) != Length*2 {
		return PackId{}, fmt.Errorf("packid: expected %d hex chars, got %d", Length*2, len(name))
	}
	if _, err := hex.DecodeString(name); err != nil {
		return PackId{}, fmt.Errorf("packid: invalid hex pack name %q: %w", name, err)
	}
	return PackId{hash: plumbing.NewHash(name)}, nil
}

// Raw returns the 20 raw bytes of id.
func (id PackId) Raw() []byte {
	b := make([]byte, Length)
	copy(b, id.hash[:])
	return b
}

// String returns the 40-character lowercase hex form of id, the same string
// used in the "pack-<name>.pack" family of filenames.
func (id PackId) String() string {
	return id.hash.String()
}

// PackFilename returns the basename of id's pack file.
func (id PackId) PackFilename() string { return "pack-" + id.String() + ".pack" }

// IndexFilename returns the basename of id's pack-index file.
func (id PackId) IndexFilename() string { return "pack-" + id.String() + ".idx" }

// BitmapFilename returns the basename of id's bitmap-index file.
func (id PackId) BitmapFilename() string { return "pack-" + id.String() + ".bitmap" }

// KeepFilename returns the basename of id's .keep marker file.
func (id PackId) KeepFilename() string { return "pack-" + id.String() + ".keep" }

// Set is a deduplicated collection of PackId, used wherever the spec talks
// about "the set of ids currently in the log".
type Set map[PackId]struct{}

// NewSet builds a Set from ids, in no particular order.
func NewSet(ids ...PackId) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add reports whether id was newly added (false if it was already present).
func (s Set) Add(id PackId) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Contains reports whether id is a member of s.
func (s Set) Contains(id PackId) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids of s sorted by their hex string, for deterministic
// iteration in logs and tests.
func (s Set) Sorted() []PackId {
	out := make([]PackId, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
