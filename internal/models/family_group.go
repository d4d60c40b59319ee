package models

import (
	"time"

	"github.com/google/uuid"
)

// FamilyGroup is a member unit belonging to exactly one organization. Its id
// is the element type of rotation orders and the key of usage ledger rows.
// Groups are soft-deleted so historical ledger entries stay attributable.
type FamilyGroup struct {
	GroupID uuid.UUID // UUIDv7
	OrgID   uuid.UUID // FK to organizations
	Name    string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time // soft delete; never reassigned
}

// Deleted returns true if the group has been soft-deleted.
func (g *FamilyGroup) Deleted() bool {
	return g.DeletedAt != nil
}
