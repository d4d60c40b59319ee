package models

import (
	"time"

	"github.com/google/uuid"
)

// AllocationModel names the policy governing how turns and quotas determine
// who may claim time periods. The set is closed and enumerable.
type AllocationModel string

const (
	ModelRotatingSelection   AllocationModel = "rotating_selection"
	ModelStaticWeeks         AllocationModel = "static_weeks"
	ModelFirstComeFirstServe AllocationModel = "first_come_first_serve"
	ModelManual              AllocationModel = "manual"
	ModelLottery             AllocationModel = "lottery"
)

// Valid reports whether the name is one of the known allocation models.
func (m AllocationModel) Valid() bool {
	switch m {
	case ModelRotatingSelection, ModelStaticWeeks, ModelFirstComeFirstServe, ModelManual, ModelLottery:
		return true
	}
	return false
}

// TurnBased reports whether the model uses the rotation turn cursor.
// Only rotating_selection and lottery do.
func (m AllocationModel) TurnBased() bool {
	return m == ModelRotatingSelection || m == ModelLottery
}

// Organization represents a tenant in the system. Each organization owns a
// set of family groups and exactly one active allocation model selection,
// which an admin may change at any time.
type Organization struct {
	OrgID uuid.UUID // UUIDv7
	Name  string

	// Allocation configuration. Quotas are per phase per rotation year and
	// are snapshotted onto each RotationYear at creation.
	AllocationModel    AllocationModel
	SecondarySelection bool // enable the bonus pass after the primary phase
	PrimaryQuota       int32
	SecondaryQuota     int32

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Quotas returns the organization's per-phase quota configuration.
func (o *Organization) Quotas() Quotas {
	return Quotas{Primary: o.PrimaryQuota, Secondary: o.SecondaryQuota}
}
