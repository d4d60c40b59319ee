package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/allocation"
	"github.com/idaholion/cabinbuddy/internal/rotation"
	"github.com/idaholion/cabinbuddy/internal/store"
	"github.com/rs/zerolog"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		// An absent body is treated as the zero request.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeError maps domain errors onto HTTP status codes. Conflicts that a
// client can resolve by re-reading state map to 409, policy rejections to
// 403, quota exhaustion to 422.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rotation.ErrInvalidRotationOrder),
		errors.Is(err, rotation.ErrInvalidPeriods),
		errors.Is(err, rotation.ErrGroupNotInRotation),
		errors.Is(err, allocation.ErrUnknownModel),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest

	case errors.Is(err, allocation.ErrNotYourTurn),
		errors.Is(err, allocation.ErrApprovalRequired),
		errors.Is(err, allocation.ErrWeekNotOwned):
		return http.StatusForbidden

	case errors.Is(err, store.ErrOrganizationNotFound),
		errors.Is(err, store.ErrFamilyGroupNotFound),
		errors.Is(err, store.ErrRotationYearNotFound):
		return http.StatusNotFound

	case errors.Is(err, rotation.ErrAlreadyStarted),
		errors.Is(err, rotation.ErrNotStarted),
		errors.Is(err, rotation.ErrRotationCompleted),
		errors.Is(err, rotation.ErrStaleState),
		errors.Is(err, rotation.ErrIdempotencyConflict),
		errors.Is(err, store.ErrOrganizationAlreadyExists),
		errors.Is(err, store.ErrFamilyGroupAlreadyExists),
		errors.Is(err, store.ErrRotationYearAlreadyExists),
		errors.Is(err, store.ErrFamilyGroupInRotation):
		return http.StatusConflict

	case errors.Is(err, allocation.ErrQuotaExceeded):
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func pathOrgID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("org"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid org id", errBadRequest)
	}
	return id, nil
}

func pathGroupID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("group"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid group id", errBadRequest)
	}
	return id, nil
}

func pathYear(r *http.Request) (int, error) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil || year < 1 {
		return 0, fmt.Errorf("%w: invalid year", errBadRequest)
	}
	return year, nil
}
