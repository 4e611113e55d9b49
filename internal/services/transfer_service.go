package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"ticket-marketplace/config"
	"ticket-marketplace/internal/escrow"
	"ticket-marketplace/internal/events"
	"ticket-marketplace/internal/fees"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"
	"ticket-marketplace/utils"
)

// TransferService runs the direct transfer state machine: pending, then
// exactly one of completed, cancelled, expired or failed.
type TransferService struct {
	store         store.Store
	gateway       escrow.Gateway
	notifier      Notifier
	events        events.Sink
	redis         *redis.Client
	metrics       Metrics
	distributions *DistributionService
	cfg           *config.Config
	now           func() time.Time
}

func NewTransferService(
	st store.Store,
	gateway escrow.Gateway,
	notifier Notifier,
	sink events.Sink,
	redisClient *redis.Client,
	metrics Metrics,
	distributions *DistributionService,
	cfg *config.Config,
) *TransferService {
	return &TransferService{
		store:         st,
		gateway:       gateway,
		notifier:      notifier,
		events:        sink,
		redis:         redisClient,
		metrics:       metrics,
		distributions: distributions,
		cfg:           cfg,
		now:           time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *TransferService) SetNowFunc(fn func() time.Time) { s.now = fn }

type InitiateTransferInput struct {
	TicketID   string
	FromUserID string
	ToUserID   string
	Type       models.TransferType
	Price      decimal.Decimal
	// Immediate skips dual verification. Honored for gifts only.
	Immediate bool
}

// InitiateTransfer validates every restriction, snapshots the fee
// breakdown, locks the ticket and creates the pending transfer. The
// lock set happens inside one transaction with a re-check, so of two
// concurrent initiations on the same ticket exactly one succeeds.
func (s *TransferService) InitiateTransfer(ctx context.Context, in InitiateTransferInput) (*models.Transfer, error) {
	now := s.now()

	if in.FromUserID == in.ToUserID {
		return nil, status.New(status.Validation, status.ReasonNotTransferParty)
	}
	if in.Type != models.TransferSale && in.Type != models.TransferGift {
		return nil, status.New(status.Validation, "unknown_transfer_type")
	}

	ticket, err := s.store.FindTicket(in.TicketID)
	if err != nil {
		return nil, err
	}
	if ticket.OwnerID != in.FromUserID {
		return nil, status.New(status.Restriction, status.ReasonNotOwner)
	}
	if ticket.Status == models.TicketUsed {
		return nil, status.New(status.Restriction, status.ReasonTicketUsed)
	}
	if ticket.PendingOpID != "" {
		return nil, status.New(status.Validation, status.ReasonPendingTransfer)
	}
	if ticket.Status != models.TicketActive {
		return nil, status.New(status.Validation, status.ReasonTicketNotActive)
	}
	if ticket.NonTransferable {
		return nil, status.New(status.Restriction, status.ReasonNonTransferable)
	}

	event, err := s.store.FindEvent(ticket.EventID)
	if err != nil {
		return nil, err
	}
	if !event.TransfersOpen(now) {
		return nil, status.New(status.Restriction, status.ReasonEventEnded)
	}
	if event.InBlackout(now) {
		return nil, status.New(status.Restriction, status.ReasonBlackoutWindow)
	}

	sender, err := s.store.FindUser(in.FromUserID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.store.FindUser(in.ToUserID)
	if err != nil {
		return nil, err
	}
	if sender.Suspended || recipient.Suspended {
		return nil, status.New(status.Restriction, status.ReasonAccountSuspended)
	}
	if recipient.WalletAddress == "" {
		return nil, status.New(status.Validation, status.ReasonWalletMissing)
	}
	if event.MaxTicketsPerUser > 0 {
		owned, err := s.store.CountTicketsOwned(in.ToUserID, event.ID)
		if err != nil {
			return nil, err
		}
		if owned >= event.MaxTicketsPerUser {
			return nil, status.New(status.Restriction, status.ReasonRecipientLimit)
		}
	}

	if ticket.LastTransferred != nil && now.Before(ticket.LastTransferred.Add(s.cfg.TransferCooldown)) {
		return nil, status.New(status.Restriction, status.ReasonCooldownActive)
	}
	if s.cfg.MaxTransfersPerTicket > 0 && ticket.TransferCount >= s.cfg.MaxTransfersPerTicket {
		return nil, status.New(status.Restriction, status.ReasonMaxTransfers)
	}

	var snapshot models.FeeSnapshot
	if in.Type == models.TransferSale {
		if !in.Price.IsPositive() {
			return nil, status.New(status.Validation, "price_not_positive")
		}
		if err := checkResaleMarkup(ticket, event, in.Price, s.cfg); err != nil {
			return nil, err
		}
		if overVelocity(ctx, s.redis, "sale:"+in.FromUserID, s.cfg.SaleVelocityWindow, s.cfg.SaleVelocityLimit) {
			return nil, status.New(status.Restriction, status.ReasonSaleVelocity)
		}

		breakdown, err := fees.Calculate(in.Price, feePolicyFromConfig(s.cfg), royaltyConfigForEvent(event, s.cfg.RoyaltyCapBps))
		if err != nil {
			return nil, err
		}
		snapshot = snapshotFromBreakdown(breakdown)
	}

	transfer := &models.Transfer{
		ID:               utils.GenerateID(),
		TicketID:         ticket.ID,
		FromUserID:       in.FromUserID,
		ToUserID:         in.ToUserID,
		Type:             in.Type,
		Status:           models.TransferPending,
		Price:            in.Price,
		Fees:             snapshot,
		Immediate:        in.Type == models.TransferGift && in.Immediate,
		NameMatchFlagged: ticket.NameMatchRequired,
		ExpiresAt:        now.Add(s.cfg.TransferExpiry),
		CreatedAt:        now,
	}

	var code string
	if !transfer.Immediate {
		code, err = utils.GenerateOTP(s.cfg.VerificationCodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate verification code: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash verification code: %w", err)
		}
		transfer.CodeHash = string(hash)
	}

	// For a sale the buyer's funds go into escrow before the pending
	// record is committed, so a committed sale transfer is always
	// backed by locked funds.
	if in.Type == models.TransferSale {
		ref, err := s.gateway.Lock(ctx, transfer.ID, recipient.WalletAddress, in.Price, "transfer-lock-"+transfer.ID)
		if err != nil {
			s.metrics.TrackTransfer("initiate", string(in.Type), "escrow_failed")
			return nil, err
		}
		transfer.EscrowRef = ref
	}

	err = s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindTicket(ticket.ID)
		if err != nil {
			return err
		}
		if !fresh.Lockable() {
			return status.New(status.Conflict, status.ReasonTicketLocked)
		}
		fresh.Status = models.TicketLocked
		fresh.LockedFor = in.ToUserID
		lockedUntil := transfer.ExpiresAt
		fresh.LockedUntil = &lockedUntil
		fresh.PendingOpID = transfer.ID
		if err := tx.SaveTicket(fresh); err != nil {
			return err
		}
		return tx.SaveTransfer(transfer)
	})
	if err != nil {
		s.compensateEscrow(ctx, transfer, recipient.WalletAddress)
		s.metrics.TrackTransfer("initiate", string(in.Type), "conflict")
		return nil, err
	}

	s.metrics.TrackTransfer("initiate", string(in.Type), "ok")
	s.events.Emit(events.SubjectTransferInitiated, transfer.ID, map[string]any{
		"ticket_id": ticket.ID,
		"type":      string(in.Type),
	})
	s.notifyParties(transfer, code)

	if transfer.Immediate {
		if err := s.completeTransfer(ctx, transfer); err != nil {
			return nil, err
		}
	}
	return transfer, nil
}

// VerifyTransfer records one party's verification. When the second
// party verifies, the same transaction flips the transfer to settling,
// so settlement runs exactly once even if both parties verify
// concurrently.
func (s *TransferService) VerifyTransfer(ctx context.Context, transferID, userID, code string) (*models.Transfer, error) {
	now := s.now()

	transfer, err := s.store.FindTransfer(transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != models.TransferPending || !now.Before(transfer.ExpiresAt) {
		return nil, status.New(status.Validation, status.ReasonTransferNotPending)
	}
	if !transfer.Party(userID) {
		return nil, status.New(status.Restriction, status.ReasonNotTransferParty)
	}
	if transfer.Immediate {
		return nil, status.New(status.Validation, status.ReasonTransferNotPending)
	}
	if bcrypt.CompareHashAndPassword([]byte(transfer.CodeHash), []byte(code)) != nil {
		s.metrics.TrackTransfer("verify", string(transfer.Type), "code_mismatch")
		return nil, status.New(status.Validation, status.ReasonCodeMismatch)
	}

	settle := false
	var updated *models.Transfer
	err = s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindTransfer(transferID)
		if err != nil {
			return err
		}
		if fresh.Status != models.TransferPending {
			return status.New(status.Conflict, status.ReasonTransferNotPending)
		}
		if userID == fresh.FromUserID {
			fresh.SenderVerified = true
		} else {
			fresh.RecipientVerified = true
		}
		if fresh.BothVerified() {
			fresh.Status = models.TransferSettling
			settle = true
		}
		updated = fresh
		return tx.SaveTransfer(fresh)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.TrackTransfer("verify", string(updated.Type), "ok")
	if settle {
		if err := s.completeTransfer(ctx, updated); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// completeTransfer runs the irreversible ledger step and then commits
// the ownership mutation. The ledger call is ordered after every
// validation; a database failure after the ledger step is a fatal
// inconsistency that is logged for manual reconciliation, never
// papered over.
func (s *TransferService) completeTransfer(ctx context.Context, transfer *models.Transfer) error {
	now := s.now()

	sender, err := s.store.FindUser(transfer.FromUserID)
	if err != nil {
		return err
	}
	recipient, err := s.store.FindUser(transfer.ToUserID)
	if err != nil {
		return err
	}
	ticket, err := s.store.FindTicket(transfer.TicketID)
	if err != nil {
		return err
	}

	settlementRef, err := s.gateway.TransferOwnership(ctx, ticket.MintAddress, sender.WalletAddress, recipient.WalletAddress, "transfer-own-"+transfer.ID)
	if err != nil {
		s.failTransfer(ctx, transfer, recipient.WalletAddress)
		s.metrics.TrackTransfer("complete", string(transfer.Type), "escrow_failed")
		return err
	}

	err = s.store.RunInTransaction(func(tx store.Store) error {
		freshTicket, err := tx.FindTicket(transfer.TicketID)
		if err != nil {
			return err
		}
		freshTicket.History = append(freshTicket.History, models.OwnershipEntry{
			Owner:      transfer.ToUserID,
			AcquiredAt: now,
			Via:        string(transfer.Type),
			Reference:  transfer.ID,
		})
		freshTicket.OwnerID = transfer.ToUserID
		freshTicket.Status = models.TicketActive
		if freshTicket.PendingOpID == transfer.ID {
			freshTicket.LockedFor = ""
			freshTicket.LockedUntil = nil
			freshTicket.PendingOpID = ""
		}
		freshTicket.TransferCount++
		freshTicket.LastTransferred = &now
		if err := tx.SaveTicket(freshTicket); err != nil {
			return err
		}

		fresh, err := tx.FindTransfer(transfer.ID)
		if err != nil {
			return err
		}
		fresh.Status = models.TransferCompleted
		fresh.SettlementRef = settlementRef
		fresh.CompletedAt = &now
		transfer.Status = fresh.Status
		transfer.SettlementRef = settlementRef
		transfer.CompletedAt = &now
		return tx.SaveTransfer(fresh)
	})
	if err != nil {
		log.Printf("CRITICAL: ledger moved ownership but database commit failed, manual reconciliation required: transfer=%s settlement=%s err=%v",
			transfer.ID, settlementRef, err)
		return status.Wrap(status.Integrity, "ownership_commit_failed", err)
	}

	if transfer.Type == models.TransferSale {
		seller := sellerPayout{UserID: sender.ID, Wallet: sender.WalletAddress, Method: sender.PayoutMethod}
		if err := s.distributions.CreateForSale(ctx, transfer.ID, transfer.EscrowRef, transfer.Fees, seller); err != nil {
			log.Printf("transfer %s: create distributions: %v", transfer.ID, err)
		} else if err := s.distributions.ProcessParent(ctx, transfer.ID); err != nil {
			log.Printf("transfer %s: process distributions: %v", transfer.ID, err)
		}
		amount, _ := transfer.Price.Float64()
		s.metrics.TrackSettlement("transfer", amount)
	}

	s.metrics.TrackTransfer("complete", string(transfer.Type), "ok")
	s.events.Emit(events.SubjectTransferCompleted, transfer.ID, map[string]any{
		"ticket_id": transfer.TicketID,
		"type":      string(transfer.Type),
	})
	s.notifier.NotifyUser(transfer.FromUserID, map[string]any{
		"type":        "transfer_completed",
		"transfer_id": transfer.ID,
		"ticket_id":   transfer.TicketID,
	})
	s.notifier.NotifyUser(transfer.ToUserID, map[string]any{
		"type":        "transfer_completed",
		"transfer_id": transfer.ID,
		"ticket_id":   transfer.TicketID,
	})
	return nil
}

// failTransfer is the compensation path when the ledger rejects the
// ownership move: unlock the ticket, mark the transfer failed, refund
// any escrowed sale funds.
func (s *TransferService) failTransfer(ctx context.Context, transfer *models.Transfer, buyerWallet string) {
	err := s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindTransfer(transfer.ID)
		if err != nil {
			return err
		}
		if fresh.Terminal() {
			return nil
		}
		fresh.Status = models.TransferFailed
		if err := tx.SaveTransfer(fresh); err != nil {
			return err
		}
		return unlockTicket(tx, fresh.TicketID, fresh.ID)
	})
	if err != nil {
		log.Printf("transfer %s: mark failed: %v", transfer.ID, err)
	}
	transfer.Status = models.TransferFailed
	s.compensateEscrow(ctx, transfer, buyerWallet)
}

// CancelTransfer aborts a pending transfer and unlocks the ticket.
// Inside the protected final window before expiry only the sender may
// cancel; the recipient is held to their verification deadline.
func (s *TransferService) CancelTransfer(ctx context.Context, transferID, userID string) (*models.Transfer, error) {
	now := s.now()

	transfer, err := s.store.FindTransfer(transferID)
	if err != nil {
		return nil, err
	}
	if !transfer.Party(userID) {
		return nil, status.New(status.Restriction, status.ReasonNotTransferParty)
	}
	if transfer.Status != models.TransferPending {
		return nil, status.New(status.Validation, status.ReasonTransferNotPending)
	}
	inFinalWindow := now.After(transfer.ExpiresAt.Add(-s.cfg.CancelProtectionWindow))
	if inFinalWindow && userID != transfer.FromUserID {
		return nil, status.New(status.Restriction, status.ReasonProtectedWindow)
	}

	var updated *models.Transfer
	err = s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindTransfer(transferID)
		if err != nil {
			return err
		}
		if fresh.Status != models.TransferPending {
			return status.New(status.Conflict, status.ReasonTransferNotPending)
		}
		fresh.Status = models.TransferCancelled
		if err := tx.SaveTransfer(fresh); err != nil {
			return err
		}
		updated = fresh
		return unlockTicket(tx, fresh.TicketID, fresh.ID)
	})
	if err != nil {
		return nil, err
	}

	if updated.EscrowRef != "" {
		buyer, err := s.store.FindUser(updated.ToUserID)
		if err == nil {
			s.compensateEscrow(ctx, updated, buyer.WalletAddress)
		}
	}

	other := updated.ToUserID
	if userID == updated.ToUserID {
		other = updated.FromUserID
	}
	s.notifier.NotifyUser(other, map[string]any{
		"type":        "transfer_cancelled",
		"transfer_id": updated.ID,
		"ticket_id":   updated.TicketID,
	})
	s.metrics.TrackTransfer("cancel", string(updated.Type), "ok")
	s.events.Emit(events.SubjectTransferCancelled, updated.ID, map[string]any{
		"ticket_id": updated.TicketID,
	})
	return updated, nil
}

// ExpireTransfer moves one overdue pending transfer to expired. The
// status re-check and the transition share a transaction, so a
// transfer completed by a racing verification is never expired.
func (s *TransferService) ExpireTransfer(ctx context.Context, transferID string, now time.Time) error {
	var expired *models.Transfer
	err := s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindTransfer(transferID)
		if err != nil {
			return err
		}
		if fresh.Status != models.TransferPending || fresh.ExpiresAt.After(now) {
			return nil
		}
		fresh.Status = models.TransferExpired
		if err := tx.SaveTransfer(fresh); err != nil {
			return err
		}
		expired = fresh
		return unlockTicket(tx, fresh.TicketID, fresh.ID)
	})
	if err != nil || expired == nil {
		return err
	}

	if expired.EscrowRef != "" {
		buyer, err := s.store.FindUser(expired.ToUserID)
		if err == nil {
			s.compensateEscrow(ctx, expired, buyer.WalletAddress)
		}
	}

	for _, userID := range []string{expired.FromUserID, expired.ToUserID} {
		s.notifier.NotifyUser(userID, map[string]any{
			"type":        "transfer_expired",
			"transfer_id": expired.ID,
			"ticket_id":   expired.TicketID,
		})
	}
	s.metrics.TrackTransfer("expire", string(expired.Type), "ok")
	s.events.Emit(events.SubjectTransferExpired, expired.ID, map[string]any{
		"ticket_id": expired.TicketID,
	})
	return nil
}

// GetTransfer returns one transfer to a participating party.
func (s *TransferService) GetTransfer(transferID, userID string) (*models.Transfer, error) {
	transfer, err := s.store.FindTransfer(transferID)
	if err != nil {
		return nil, err
	}
	if !transfer.Party(userID) {
		return nil, status.New(status.Restriction, status.ReasonNotTransferParty)
	}
	return transfer, nil
}

// ListTransfers pages through a user's transfer history.
func (s *TransferService) ListTransfers(userID string, page, perPage int) ([]*models.Transfer, error) {
	return s.store.ListTransfersByUser(userID, page, perPage)
}

func (s *TransferService) compensateEscrow(ctx context.Context, transfer *models.Transfer, buyerWallet string) {
	if transfer.EscrowRef == "" {
		return
	}
	if _, err := s.gateway.Refund(ctx, transfer.EscrowRef, buyerWallet, transfer.Price, "transfer-refund-"+transfer.ID); err != nil {
		log.Printf("transfer %s: refund escrow %s: %v", transfer.ID, transfer.EscrowRef, err)
	}
}

func (s *TransferService) notifyParties(transfer *models.Transfer, code string) {
	senderMsg := map[string]any{
		"type":        "transfer_initiated",
		"transfer_id": transfer.ID,
		"ticket_id":   transfer.TicketID,
		"role":        "sender",
	}
	recipientMsg := map[string]any{
		"type":        "transfer_initiated",
		"transfer_id": transfer.ID,
		"ticket_id":   transfer.TicketID,
		"role":        "recipient",
	}
	if code != "" {
		// The shared code goes only to the two parties; it is never
		// persisted in the clear.
		senderMsg["verification_code"] = code
		recipientMsg["verification_code"] = code
	}
	s.notifier.NotifyUser(transfer.FromUserID, senderMsg)
	s.notifier.NotifyUser(transfer.ToUserID, recipientMsg)
}

// unlockTicket clears the lock only when the pending operation id
// matches; another engine's lock is never touched.
func unlockTicket(tx store.Store, ticketID, opID string) error {
	ticket, err := tx.FindTicket(ticketID)
	if err != nil {
		return err
	}
	if ticket.PendingOpID != opID {
		return nil
	}
	ticket.Status = models.TicketActive
	ticket.LockedFor = ""
	ticket.LockedUntil = nil
	ticket.PendingOpID = ""
	return tx.SaveTicket(ticket)
}

func snapshotFromBreakdown(b fees.Breakdown) models.FeeSnapshot {
	shares := make([]models.RoyaltyShare, 0, len(b.Shares))
	for _, sh := range b.Shares {
		shares = append(shares, models.RoyaltyShare{UserID: sh.UserID, Wallet: sh.Wallet, Amount: sh.Amount})
	}
	return models.FeeSnapshot{
		PlatformFee:    b.PlatformFee,
		TotalRoyalty:   b.TotalRoyalty,
		Shares:         shares,
		SellerProceeds: b.SellerProceeds,
	}
}
