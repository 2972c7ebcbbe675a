package store

import (
	"strings"

	"github.com/google/uuid"
)

// NewAlias returns a fresh unique slug for a space or share. Aliases are
// the human-visible handles in virtual paths; the random form is used when
// the creator supplies none.
func NewAlias() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
