package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"ticket-marketplace/internal/services"
	"ticket-marketplace/models"
)

type TransferHandler struct {
	transfers *services.TransferService
}

func NewTransferHandler(transfers *services.TransferService) *TransferHandler {
	return &TransferHandler{transfers: transfers}
}

type initiateTransferRequest struct {
	TicketID  string `json:"ticket_id"`
	ToUserID  string `json:"to_user_id"`
	Type      string `json:"type"`
	Price     string `json:"price"`
	Immediate bool   `json:"immediate"`
}

// InitiateTransfer - POST /api/marketplace/transfers
func (h *TransferHandler) InitiateTransfer(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}

	var req initiateTransferRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if req.TicketID == "" || req.ToUserID == "" {
		return apis.NewBadRequestError("ticket_id and to_user_id are required", nil)
	}

	price := decimal.Zero
	if req.Price != "" {
		var err error
		price, err = decimal.NewFromString(req.Price)
		if err != nil {
			return apis.NewBadRequestError("Invalid price", err)
		}
	}

	transfer, err := h.transfers.InitiateTransfer(e.Request.Context(), services.InitiateTransferInput{
		TicketID:   req.TicketID,
		FromUserID: e.Auth.Id,
		ToUserID:   req.ToUserID,
		Type:       models.TransferType(req.Type),
		Price:      price,
		Immediate:  req.Immediate,
	})
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusCreated, transfer)
}

type verifyTransferRequest struct {
	Code string `json:"code"`
}

// VerifyTransfer - POST /api/marketplace/transfers/{transferId}/verify
func (h *TransferHandler) VerifyTransfer(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	transferID := e.Request.PathValue("transferId")

	var req verifyTransferRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if req.Code == "" {
		return apis.NewBadRequestError("code is required", nil)
	}

	transfer, err := h.transfers.VerifyTransfer(e.Request.Context(), transferID, e.Auth.Id, req.Code)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, transfer)
}

// CancelTransfer - POST /api/marketplace/transfers/{transferId}/cancel
func (h *TransferHandler) CancelTransfer(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	transferID := e.Request.PathValue("transferId")

	transfer, err := h.transfers.CancelTransfer(e.Request.Context(), transferID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, transfer)
}

// GetTransfer - GET /api/marketplace/transfers/{transferId}
func (h *TransferHandler) GetTransfer(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	transferID := e.Request.PathValue("transferId")

	transfer, err := h.transfers.GetTransfer(transferID, e.Auth.Id)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, transfer)
}

// ListTransfers - GET /api/marketplace/transfers
func (h *TransferHandler) ListTransfers(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Authentication required", nil)
	}
	page, perPage := pageParams(e.Request)

	transfers, err := h.transfers.ListTransfers(e.Auth.Id, page, perPage)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"page":     page,
		"per_page": perPage,
		"items":    transfers,
	})
}
