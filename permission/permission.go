// Package permission implements the operation-token algebra used throughout
// loft. A permission is a set of operation tokens (add, delete, modify, read,
// share-inside, share-outside, manage) with union/intersect/difference set
// algebra and a canonical string form used at the storage boundary.
//
// Internally a Set is a bitmask; the delimited string form ("a:d:m") exists
// only for persistence and debugging. All functions are pure and total:
// parsing never fails, unknown tokens are silently dropped.
package permission

import "strings"

// Op is a single operation token. The zero value is not a valid operation.
type Op uint16

// The operation universe. Each op occupies one bit so a Set can hold any
// combination in a single word.
const (
	Add          Op = 1 << iota // "a" - create files and directories
	Delete                      // "d" - remove entries
	Modify                      // "m" - change content and metadata
	Read                        // "r" - list and download
	ShareInside                 // "si" - re-share to internal principals
	ShareOutside                // "so" - re-share via guest links
	Manage                      // "mg" - administer members and roots
)

// Separator joins tokens in the canonical serialized form.
const Separator = ":"

// tokenOrder lists every operation in canonical (token-sorted) order.
// Serialization iterates this slice so the output is deterministic.
var tokenOrder = [...]struct {
	op    Op
	token string
}{
	{Add, "a"},
	{Delete, "d"},
	{Modify, "m"},
	{Manage, "mg"},
	{Read, "r"},
	{ShareInside, "si"},
	{ShareOutside, "so"},
}

var tokenToOp = map[string]Op{
	"a":  Add,
	"d":  Delete,
	"m":  Modify,
	"mg": Manage,
	"r":  Read,
	"si": ShareInside,
	"so": ShareOutside,
}

// Token returns the wire token for the operation, or "" for unknown bits.
func (o Op) Token() string {
	for _, t := range tokenOrder {
		if t.op == o {
			return t.token
		}
	}
	return ""
}

// Set is a deduplicated collection of operations. The zero value is the
// empty set and is ready to use. Sets are value types; all operations
// return new sets rather than mutating.
type Set uint16

// Parse builds a Set from a delimited token string. Unknown tokens are
// dropped, never reported: stored permission strings from older versions
// must not break resolution.
func Parse(s string) Set {
	var set Set
	if s == "" {
		return set
	}
	for _, tok := range strings.Split(s, Separator) {
		if op, ok := tokenToOp[strings.TrimSpace(tok)]; ok {
			set |= Set(op)
		}
	}
	return set
}

// FromOps builds a Set from individual operations.
func FromOps(ops ...Op) Set {
	var set Set
	for _, op := range ops {
		set |= Set(op)
	}
	return set
}

// All returns the full operation universe minus the given exclusions.
// All() with no arguments is the owner/admin "full rights" sentinel.
func All(excluding ...Op) Set {
	var set Set
	for _, t := range tokenOrder {
		set |= Set(t.op)
	}
	for _, op := range excluding {
		set &^= Set(op)
	}
	return set
}

// String returns the canonical serialized form: tokens sorted, joined by
// the separator. The empty set serializes to "". Parse(s).String() is a
// fixed point for any canonical s.
func (s Set) String() string {
	if s == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range tokenOrder {
		if s&Set(t.op) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(t.token)
	}
	return b.String()
}

// Ops returns the member operations in canonical order.
func (s Set) Ops() []Op {
	ops := make([]Op, 0, 7)
	for _, t := range tokenOrder {
		if s&Set(t.op) != 0 {
			ops = append(ops, t.op)
		}
	}
	return ops
}

// Union returns the set of operations present in either set.
func (s Set) Union(other Set) Set { return s | other }

// Intersect returns the set of operations present in both sets.
func (s Set) Intersect(other Set) Set { return s & other }

// Difference returns s with every operation in other removed.
func (s Set) Difference(other Set) Set { return s &^ other }

// Contains reports whether the set holds the given operation.
func (s Set) Contains(op Op) bool { return s&Set(op) != 0 }

// ContainsAll reports whether every operation in other is present in s.
func (s Set) ContainsAll(other Set) bool { return s&other == other }

// Intersects reports whether the two sets share at least one operation.
func (s Set) Intersects(other Set) bool { return s&other != 0 }

// IsEmpty reports whether the set holds no operations.
func (s Set) IsEmpty() bool { return s == 0 }

// Equal reports whether both sets hold exactly the same operations.
func (s Set) Equal(other Set) bool { return s == other }
