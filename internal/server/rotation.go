package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
	"github.com/idaholion/cabinbuddy/internal/rotation"
)

type turnStateResponse struct {
	OrgID         string    `json:"org_id"`
	Year          int       `json:"year"`
	Phase         string    `json:"phase"`
	ActiveGroup   *string   `json:"active_group,omitempty"`
	RotationIndex int       `json:"rotation_index"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toTurnStateResponse(t *models.TurnState) turnStateResponse {
	resp := turnStateResponse{
		OrgID:         t.OrgID.String(),
		Year:          t.Year,
		Phase:         string(t.Phase),
		RotationIndex: t.RotationIndex,
		Version:       t.Version,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.ActiveGroup != nil {
		g := t.ActiveGroup.String()
		resp.ActiveGroup = &g
	}
	return resp
}

type rotationYearResponse struct {
	OrgID            string            `json:"org_id"`
	Year             int               `json:"year"`
	Order            []string          `json:"rotation_order"`
	SecondaryEnabled bool              `json:"secondary_enabled"`
	PrimaryQuota     int32             `json:"primary_quota"`
	SecondaryQuota   int32             `json:"secondary_quota"`
	Turn             turnStateResponse `json:"turn"`
}

func toRotationYearResponse(y *models.RotationYear) rotationYearResponse {
	order := make([]string, 0, len(y.Order))
	for _, g := range y.Order {
		order = append(order, g.String())
	}
	return rotationYearResponse{
		OrgID:            y.OrgID.String(),
		Year:             y.Year,
		Order:            order,
		SecondaryEnabled: y.SecondaryEnabled,
		PrimaryQuota:     y.Quotas.Primary,
		SecondaryQuota:   y.Quotas.Secondary,
		Turn:             toTurnStateResponse(&y.Turn),
	}
}

type startRotationYearRequest struct {
	RotationOrder []string `json:"rotation_order"`
}

func (s *Server) handleStartRotationYear(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	year, err := pathYear(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req startRotationYearRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}

	order := make([]uuid.UUID, 0, len(req.RotationOrder))
	for _, raw := range req.RotationOrder {
		g, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid group id %q in rotation order", errBadRequest, raw))
			return
		}
		order = append(order, g)
	}

	y, err := s.engine.StartRotationYear(r.Context(), orgID, year, order)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRotationYearResponse(y))
}

func (s *Server) handleGetTurnState(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	year, err := pathYear(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	y, err := s.engine.GetTurnState(r.Context(), orgID, year)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toRotationYearResponse(y))
}

type claimTurnRequest struct {
	GroupID          string `json:"group_id"`
	RequestedPeriods int32  `json:"requested_periods"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
	ExpectedVersion  int64  `json:"expected_version,omitempty"`
}

func (s *Server) handleClaimTurn(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	year, err := pathYear(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req claimTurnRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}

	groupID, err := uuid.Parse(req.GroupID)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid group id", errBadRequest))
		return
	}

	state, err := s.engine.ClaimTurn(r.Context(), rotation.ClaimRequest{
		OrgID:            orgID,
		Year:             year,
		GroupID:          groupID,
		RequestedPeriods: req.RequestedPeriods,
		IdempotencyToken: req.IdempotencyToken,
		ExpectedVersion:  req.ExpectedVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTurnStateResponse(state))
}

type advanceTurnRequest struct {
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

func (s *Server) handleAdvanceTurn(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	year, err := pathYear(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req advanceTurnRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}

	state, err := s.engine.AdvanceTurn(r.Context(), orgID, year, req.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTurnStateResponse(state))
}

type usageEntry struct {
	GroupID              string `json:"group_id"`
	PrimaryPeriodsUsed   int32  `json:"primary_periods_used"`
	SecondaryPeriodsUsed int32  `json:"secondary_periods_used"`
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	year, err := pathYear(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	usage, err := s.engine.GetUsage(r.Context(), orgID, year)
	if err != nil {
		writeError(w, r, err)
		return
	}

	entries := make([]usageEntry, 0, len(usage))
	for _, u := range usage {
		entries = append(entries, usageEntry{
			GroupID:              u.GroupID.String(),
			PrimaryPeriodsUsed:   u.PrimaryPeriodsUsed,
			SecondaryPeriodsUsed: u.SecondaryPeriodsUsed,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"usage": entries})
}

// handleResetLedger zeroes the ledger for a rotation year. This is an
// administrative escape hatch; callers are expected to gate it upstream.
func (s *Server) handleResetLedger(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	year, err := pathYear(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.engine.ResetLedger(r.Context(), orgID, year); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
