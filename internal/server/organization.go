package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
)

type createOrganizationRequest struct {
	Name               string `json:"name"`
	AllocationModel    string `json:"allocation_model"`
	SecondarySelection *bool  `json:"secondary_selection,omitempty"`
	PrimaryQuota       int32  `json:"primary_quota"`
	SecondaryQuota     int32  `json:"secondary_quota"`
}

type organizationResponse struct {
	OrgID              string    `json:"org_id"`
	Name               string    `json:"name"`
	AllocationModel    string    `json:"allocation_model"`
	SecondarySelection bool      `json:"secondary_selection"`
	PrimaryQuota       int32     `json:"primary_quota"`
	SecondaryQuota     int32     `json:"secondary_quota"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toOrganizationResponse(org *models.Organization) organizationResponse {
	return organizationResponse{
		OrgID:              org.OrgID.String(),
		Name:               org.Name,
		AllocationModel:    string(org.AllocationModel),
		SecondarySelection: org.SecondarySelection,
		PrimaryQuota:       org.PrimaryQuota,
		SecondaryQuota:     org.SecondaryQuota,
		CreatedAt:          org.CreatedAt,
		UpdatedAt:          org.UpdatedAt,
	}
}

func (req *createOrganizationRequest) validate() (*models.Organization, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", errBadRequest)
	}
	model := models.AllocationModel(req.AllocationModel)
	if req.AllocationModel == "" {
		model = models.ModelRotatingSelection
	}
	if !model.Valid() {
		return nil, fmt.Errorf("%w: unknown allocation model %q", errBadRequest, req.AllocationModel)
	}
	if req.PrimaryQuota < 0 || req.SecondaryQuota < 0 {
		return nil, fmt.Errorf("%w: quotas must not be negative", errBadRequest)
	}

	secondary := true
	if req.SecondarySelection != nil {
		secondary = *req.SecondarySelection
	}

	now := time.Now().UTC()
	return &models.Organization{
		OrgID:              uuid.Must(uuid.NewV7()),
		Name:               req.Name,
		AllocationModel:    model,
		SecondarySelection: secondary,
		PrimaryQuota:       req.PrimaryQuota,
		SecondaryQuota:     req.SecondaryQuota,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}

	org, err := req.validate()
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.orgs.Create(r.Context(), org); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrganizationResponse(org))
}

func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	org, err := s.orgs.Get(r.Context(), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrganizationResponse(org))
}

type updateOrganizationRequest struct {
	Name               *string `json:"name,omitempty"`
	AllocationModel    *string `json:"allocation_model,omitempty"`
	SecondarySelection *bool   `json:"secondary_selection,omitempty"`
	PrimaryQuota       *int32  `json:"primary_quota,omitempty"`
	SecondaryQuota     *int32  `json:"secondary_quota,omitempty"`
}

func (s *Server) handleUpdateOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req updateOrganizationRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}

	org, err := s.orgs.Get(r.Context(), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if req.Name != nil {
		org.Name = *req.Name
	}
	if req.AllocationModel != nil {
		model := models.AllocationModel(*req.AllocationModel)
		if !model.Valid() {
			writeError(w, r, fmt.Errorf("%w: unknown allocation model %q", errBadRequest, *req.AllocationModel))
			return
		}
		org.AllocationModel = model
	}
	if req.SecondarySelection != nil {
		org.SecondarySelection = *req.SecondarySelection
	}
	if req.PrimaryQuota != nil {
		org.PrimaryQuota = *req.PrimaryQuota
	}
	if req.SecondaryQuota != nil {
		org.SecondaryQuota = *req.SecondaryQuota
	}
	if org.PrimaryQuota < 0 || org.SecondaryQuota < 0 {
		writeError(w, r, fmt.Errorf("%w: quotas must not be negative", errBadRequest))
		return
	}

	if err := s.orgs.Update(r.Context(), org); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrganizationResponse(org))
}

type createGroupRequest struct {
	Name string `json:"name"`
}

type groupResponse struct {
	GroupID   string     `json:"group_id"`
	OrgID     string     `json:"org_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func toGroupResponse(g *models.FamilyGroup) groupResponse {
	return groupResponse{
		GroupID:   g.GroupID.String(),
		OrgID:     g.OrgID.String(),
		Name:      g.Name,
		CreatedAt: g.CreatedAt,
		DeletedAt: g.DeletedAt,
	}
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req createGroupRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}
	if req.Name == "" {
		writeError(w, r, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}

	// The organization must exist before groups can be attached to it.
	if _, err := s.orgs.Get(r.Context(), orgID); err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	group := &models.FamilyGroup{
		GroupID:   uuid.Must(uuid.NewV7()),
		OrgID:     orgID,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.groups.Create(r.Context(), group); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toGroupResponse(group))
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	includeDeleted := r.URL.Query().Get("include_deleted") == "true"

	groups, err := s.groups.ListByOrg(r.Context(), orgID, includeDeleted)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		resp = append(resp, toGroupResponse(g))
	}

	writeJSON(w, http.StatusOK, map[string]any{"groups": resp})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathOrgID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	groupID, err := pathGroupID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.groups.SoftDelete(r.Context(), orgID, groupID); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
