package handlers

import (
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-marketplace/internal/services"
	"ticket-marketplace/models"
)

type AdminHandler struct {
	auctions      *services.AuctionService
	distributions *services.DistributionService
	sweepers      *services.SweeperService
}

func NewAdminHandler(
	auctions *services.AuctionService,
	distributions *services.DistributionService,
	sweepers *services.SweeperService,
) *AdminHandler {
	return &AdminHandler{
		auctions:      auctions,
		distributions: distributions,
		sweepers:      sweepers,
	}
}

func requireAdmin(e *core.RequestEvent) error {
	if e.Auth == nil || e.Auth.Collection().Name != "admins" {
		return apis.NewUnauthorizedError("Admin access required", nil)
	}
	return nil
}

// RetryDistribution - POST /api/admin/distributions/{distributionId}/retry
func (h *AdminHandler) RetryDistribution(e *core.RequestEvent) error {
	if err := requireAdmin(e); err != nil {
		return err
	}
	distributionID := e.Request.PathValue("distributionId")

	if err := h.distributions.AdminRetry(e.Request.Context(), distributionID); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"status": "retried"})
}

// ListFailedDistributions - GET /api/admin/distributions/failed
func (h *AdminHandler) ListFailedDistributions(e *core.RequestEvent) error {
	if err := requireAdmin(e); err != nil {
		return err
	}
	_, perPage := pageParams(e.Request)

	failed, err := h.distributions.ListByStatus(models.DistributionFailed, perPage)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"items": failed})
}

// ResolveAuction - POST /api/admin/listings/{listingId}/resolve
// Manual resolution for an auction the sweeper could not finish.
func (h *AdminHandler) ResolveAuction(e *core.RequestEvent) error {
	if err := requireAdmin(e); err != nil {
		return err
	}
	listingID := e.Request.PathValue("listingId")

	if err := h.auctions.HandleAuctionEnd(e.Request.Context(), listingID, time.Now()); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"status": "resolved"})
}

// RunExpirySweep - POST /api/admin/sweeps/expiry
func (h *AdminHandler) RunExpirySweep(e *core.RequestEvent) error {
	if err := requireAdmin(e); err != nil {
		return err
	}
	h.sweepers.SweepExpiry(e.Request.Context(), time.Now())
	return e.JSON(http.StatusOK, map[string]any{"status": "swept"})
}

// RunDistributionSweep - POST /api/admin/sweeps/distributions
func (h *AdminHandler) RunDistributionSweep(e *core.RequestEvent) error {
	if err := requireAdmin(e); err != nil {
		return err
	}
	h.sweepers.SweepDistributions(e.Request.Context(), time.Now())
	return e.JSON(http.StatusOK, map[string]any{"status": "swept"})
}
