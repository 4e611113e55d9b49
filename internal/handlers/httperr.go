// Package handlers exposes the marketplace engines over the app's
// HTTP router.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase/apis"

	"ticket-marketplace/internal/status"
)

// apiError maps an engine failure onto an HTTP response. The response
// carries the machine-readable reason; internal details stay in logs.
func apiError(err error) error {
	if errors.Is(err, status.ErrNotFound) {
		return apis.NewNotFoundError("not found", nil)
	}
	kind, ok := status.KindOf(err)
	if !ok {
		return apis.NewBadRequestError("request failed", err)
	}
	reason := status.ReasonOf(err)
	switch kind {
	case status.Validation:
		return apis.NewBadRequestError(reason, nil)
	case status.Restriction:
		return apis.NewForbiddenError(reason, nil)
	case status.Conflict:
		return apis.NewApiError(http.StatusConflict, reason, nil)
	case status.Escrow:
		return apis.NewApiError(http.StatusBadGateway, "settlement temporarily unavailable", nil)
	default:
		return apis.NewApiError(http.StatusInternalServerError, "internal error", nil)
	}
}

func pageParams(r *http.Request) (int, int) {
	page := 1
	perPage := 20
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			perPage = n
		}
	}
	return page, perPage
}
