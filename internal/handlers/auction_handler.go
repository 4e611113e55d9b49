package handlers

import (
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"ticket-marketplace/internal/services"
	"ticket-marketplace/models"
)

type AuctionHandler struct {
	auctions *services.AuctionService
}

func NewAuctionHandler(auctions *services.AuctionService) *AuctionHandler {
	return &AuctionHandler{auctions: auctions}
}

type createListingRequest struct {
	TicketID      string `json:"ticket_id"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StartingPrice string `json:"starting_price"`
	ReservePrice  string `json:"reserve_price"`
	ExpiresAt     string `json:"expires_at"`
}

// CreateListing - POST /api/marketplace/listings
func (h *AuctionHandler) CreateListing(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}

	var req createListingRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if req.TicketID == "" {
		return apis.NewBadRequestError("ticket_id is required", nil)
	}

	in := services.CreateListingInput{
		SellerID: e.Auth.Id,
		TicketID: req.TicketID,
		Type:     models.ListingType(req.Type),
	}
	var err error
	if in.Price, err = parseAmount(req.Price); err != nil {
		return apis.NewBadRequestError("Invalid price", err)
	}
	if in.StartingPrice, err = parseAmount(req.StartingPrice); err != nil {
		return apis.NewBadRequestError("Invalid starting_price", err)
	}
	if in.ReservePrice, err = parseAmount(req.ReservePrice); err != nil {
		return apis.NewBadRequestError("Invalid reserve_price", err)
	}
	if req.ExpiresAt != "" {
		in.ExpiresAt, err = time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return apis.NewBadRequestError("Invalid expires_at, want RFC3339", err)
		}
	}

	listing, err := h.auctions.CreateListing(e.Request.Context(), in)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusCreated, listing)
}

// CancelListing - POST /api/marketplace/listings/{listingId}/cancel
func (h *AuctionHandler) CancelListing(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	listingID := e.Request.PathValue("listingId")

	listing, err := h.auctions.CancelListing(e.Request.Context(), listingID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, listing)
}

// PurchaseListing - POST /api/marketplace/listings/{listingId}/purchase
func (h *AuctionHandler) PurchaseListing(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	listingID := e.Request.PathValue("listingId")

	listing, err := h.auctions.PurchaseListing(e.Request.Context(), listingID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, listing)
}

// GetListing - GET /api/marketplace/listings/{listingId}
func (h *AuctionHandler) GetListing(e *core.RequestEvent) error {
	listingID := e.Request.PathValue("listingId")

	listing, err := h.auctions.GetListing(listingID)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, listing)
}

type placeBidRequest struct {
	Amount string `json:"amount"`
}

// PlaceBid - POST /api/marketplace/listings/{listingId}/bids
func (h *AuctionHandler) PlaceBid(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	listingID := e.Request.PathValue("listingId")

	var req placeBidRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return apis.NewBadRequestError("Invalid amount", err)
	}

	bid, err := h.auctions.PlaceBid(e.Request.Context(), listingID, e.Auth.Id, amount)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusCreated, bid)
}

// UpdateBid - PATCH /api/marketplace/bids/{bidId}
func (h *AuctionHandler) UpdateBid(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	bidID := e.Request.PathValue("bidId")

	var req placeBidRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return apis.NewBadRequestError("Invalid amount", err)
	}

	bid, err := h.auctions.UpdateBid(e.Request.Context(), bidID, e.Auth.Id, amount)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, bid)
}

// CancelBid - POST /api/marketplace/bids/{bidId}/cancel
func (h *AuctionHandler) CancelBid(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	bidID := e.Request.PathValue("bidId")

	bid, err := h.auctions.CancelBid(e.Request.Context(), bidID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, bid)
}

// ListBids - GET /api/marketplace/listings/{listingId}/bids
func (h *AuctionHandler) ListBids(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	listingID := e.Request.PathValue("listingId")
	page, perPage := pageParams(e.Request)

	bids, err := h.auctions.ListBids(listingID, page, perPage)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"page":     page,
		"per_page": perPage,
		"items":    bids,
	})
}

type autoBidRequest struct {
	MaxAmount string `json:"max_amount"`
	Active    *bool  `json:"active"`
}

// SetAutoBid - PUT /api/marketplace/listings/{listingId}/autobid
func (h *AuctionHandler) SetAutoBid(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	listingID := e.Request.PathValue("listingId")

	var req autoBidRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	maxAmount, err := parseAmount(req.MaxAmount)
	if err != nil {
		return apis.NewBadRequestError("Invalid max_amount", err)
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	autoBid, err := h.auctions.SetAutoBid(e.Request.Context(), listingID, e.Auth.Id, maxAmount, active)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, autoBid)
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
