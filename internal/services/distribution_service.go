package services

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"ticket-marketplace/config"
	"ticket-marketplace/internal/escrow"
	"ticket-marketplace/internal/events"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"
	"ticket-marketplace/utils"
)

// sellerPayout is the seller-side leg description supplied by the
// engine that completed the sale.
type sellerPayout struct {
	UserID string
	Wallet string
	Method models.PayoutMethod
}

type payoutFunc func(ctx context.Context, d *models.Distribution) (string, error)

// DistributionService turns a completed sale's fee snapshot into one
// payable leg per recipient and pays each leg independently. A failed
// leg never rolls back its siblings; it is retried with backoff until
// the bounded attempt budget runs out.
type DistributionService struct {
	store    store.Store
	gateway  escrow.Gateway
	notifier Notifier
	events   events.Sink
	metrics  Metrics
	cfg      *config.Config
	now      func() time.Time

	payouts map[models.PayoutMethod]payoutFunc
}

func NewDistributionService(
	st store.Store,
	gateway escrow.Gateway,
	notifier Notifier,
	sink events.Sink,
	metrics Metrics,
	cfg *config.Config,
) *DistributionService {
	s := &DistributionService{
		store:    st,
		gateway:  gateway,
		notifier: notifier,
		events:   sink,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
	// Payout handling is a closed dispatch table keyed by the variant,
	// never a string comparison at the call site.
	s.payouts = map[models.PayoutMethod]payoutFunc{
		models.PayoutBank:   s.payoutBank,
		models.PayoutCrypto: s.payoutCrypto,
		models.PayoutHold:   s.payoutHold,
	}
	return s
}

// SetNowFunc overrides the clock. Tests only.
func (s *DistributionService) SetNowFunc(fn func() time.Time) { s.now = fn }

// CreateForSale persists the full leg set for one settled sale:
// platform fee, each royalty share and the seller proceeds. Legs below
// the minimum payout threshold are recorded as skipped instead of
// incurring a disproportionate transfer.
func (s *DistributionService) CreateForSale(ctx context.Context, parentID, escrowRef string, snapshot models.FeeSnapshot, seller sellerPayout) error {
	now := s.now()

	legs := []*models.Distribution{
		{
			Kind:            models.DistributionPlatform,
			RecipientWallet: s.cfg.PlatformWallet,
			Method:          models.PayoutCrypto,
			Amount:          snapshot.PlatformFee,
		},
	}
	for _, share := range snapshot.Shares {
		legs = append(legs, &models.Distribution{
			Kind:            models.DistributionRoyalty,
			RecipientID:     share.UserID,
			RecipientWallet: share.Wallet,
			Method:          models.PayoutCrypto,
			Amount:          share.Amount,
		})
	}
	method := seller.Method
	if method == "" {
		method = models.PayoutCrypto
	}
	legs = append(legs, &models.Distribution{
		Kind:            models.DistributionSeller,
		RecipientID:     seller.UserID,
		RecipientWallet: seller.Wallet,
		Method:          method,
		Amount:          snapshot.SellerProceeds,
	})

	return s.store.RunInTransaction(func(tx store.Store) error {
		for _, leg := range legs {
			leg.ID = utils.GenerateID()
			leg.ParentID = parentID
			leg.EscrowRef = escrowRef
			leg.Status = models.DistributionPending
			leg.NextAttemptAt = now
			leg.CreatedAt = now
			if leg.Amount.LessThan(s.cfg.MinPayout) {
				leg.Status = models.DistributionCompleted
				leg.Skipped = true
			}
			if err := tx.SaveDistribution(leg); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProcessParent attempts every pending leg of one sale once.
func (s *DistributionService) ProcessParent(ctx context.Context, parentID string) error {
	legs, err := s.store.DistributionsForParent(parentID)
	if err != nil {
		return err
	}
	for _, leg := range legs {
		if leg.Status != models.DistributionPending {
			continue
		}
		if err := s.Process(ctx, leg.ID); err != nil {
			log.Printf("distribution %s: %v", leg.ID, err)
		}
	}
	return nil
}

// Process pays one leg. The pending to processing transition is a
// check-and-set, so two concurrent sweeps never pay the same leg; the
// ledger call itself is additionally keyed by the leg id, so even a
// crashed-and-retried attempt cannot double-pay.
func (s *DistributionService) Process(ctx context.Context, distributionID string) error {
	var leg *models.Distribution
	err := s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindDistribution(distributionID)
		if err != nil {
			return err
		}
		if fresh.Status != models.DistributionPending {
			return status.New(status.Conflict, "distribution_not_pending")
		}
		fresh.Status = models.DistributionProcessing
		leg = fresh
		return tx.SaveDistribution(fresh)
	})
	if err != nil {
		return err
	}

	payout, ok := s.payouts[leg.Method]
	if !ok {
		return s.recordFailure(leg, fmt.Errorf("unknown payout method %q", leg.Method))
	}

	settlementRef, err := payout(ctx, leg)
	if err != nil {
		return s.recordFailure(leg, err)
	}
	return s.recordSuccess(leg, settlementRef)
}

func (s *DistributionService) payoutCrypto(ctx context.Context, d *models.Distribution) (string, error) {
	return s.gateway.Release(ctx, d.EscrowRef, d.RecipientWallet, d.Amount, "dist-"+d.ID)
}

// payoutBank releases to the recipient's settlement wallet; the ledger
// side handles the fiat off-ramp from there.
func (s *DistributionService) payoutBank(ctx context.Context, d *models.Distribution) (string, error) {
	return s.gateway.Release(ctx, d.EscrowRef, d.RecipientWallet, d.Amount, "dist-"+d.ID)
}

// payoutHold keeps the funds in the recipient's custodial balance; no
// ledger movement happens until they request a withdrawal.
func (s *DistributionService) payoutHold(_ context.Context, d *models.Distribution) (string, error) {
	return "hold:" + d.ID, nil
}

func (s *DistributionService) recordSuccess(leg *models.Distribution, settlementRef string) error {
	err := s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindDistribution(leg.ID)
		if err != nil {
			return err
		}
		fresh.Status = models.DistributionCompleted
		fresh.SettlementRef = settlementRef
		fresh.LastError = ""
		return tx.SaveDistribution(fresh)
	})
	if err != nil {
		log.Printf("CRITICAL: payout settled on ledger but database commit failed: distribution=%s settlement=%s err=%v",
			leg.ID, settlementRef, err)
		return status.Wrap(status.Integrity, "payout_commit_failed", err)
	}

	if leg.RecipientID != "" {
		s.notifier.NotifyUser(leg.RecipientID, map[string]any{
			"type":            "payout_completed",
			"distribution_id": leg.ID,
			"amount":          leg.Amount.String(),
		})
	}
	s.metrics.TrackPayout(string(leg.Kind), "completed")
	s.events.Emit(events.SubjectPayoutCompleted, leg.ID, map[string]any{
		"parent_id": leg.ParentID,
		"kind":      string(leg.Kind),
	})
	return nil
}

// recordFailure reschedules the leg with exponential backoff, or marks
// it permanently failed once the retry budget is spent.
func (s *DistributionService) recordFailure(leg *models.Distribution, cause error) error {
	now := s.now()
	permanent := false
	err := s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindDistribution(leg.ID)
		if err != nil {
			return err
		}
		fresh.RetryCount++
		fresh.LastError = cause.Error()
		if fresh.RetryCount >= s.cfg.MaxPayoutRetries {
			fresh.Status = models.DistributionFailed
			permanent = true
		} else {
			fresh.Status = models.DistributionPending
			backoff := time.Duration(math.Pow(2, float64(fresh.RetryCount-1))) * s.cfg.PayoutRetryBase
			fresh.NextAttemptAt = now.Add(backoff)
		}
		return tx.SaveDistribution(fresh)
	})
	if err != nil {
		return err
	}

	if permanent {
		log.Printf("CRITICAL: distribution %s permanently failed after %d attempts, manual payout required: %v", leg.ID, s.cfg.MaxPayoutRetries, cause)
		s.metrics.TrackPayout(string(leg.Kind), "permanent_failure")
		s.events.Emit(events.SubjectPayoutFailed, leg.ID, map[string]any{
			"parent_id": leg.ParentID,
			"kind":      string(leg.Kind),
		})
		if s.cfg.AdminUserID != "" {
			s.notifier.NotifyUser(s.cfg.AdminUserID, map[string]any{
				"type":            "payout_failed",
				"distribution_id": leg.ID,
				"parent_id":       leg.ParentID,
				"kind":            string(leg.Kind),
			})
		}
	} else {
		s.metrics.TrackPayout(string(leg.Kind), "retry_scheduled")
	}
	return status.Wrap(status.Escrow, "payout_failed", cause)
}

// RetryDue processes every pending leg whose next attempt time has
// passed. Invoked by the distribution sweeper.
func (s *DistributionService) RetryDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.DueDistributionIDs(now, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, id := range ids {
		if err := s.Process(ctx, id); err != nil {
			log.Printf("distribution retry %s: %v", id, err)
			continue
		}
		processed++
	}

	pending, err := s.store.ListDistributionsByStatus(models.DistributionPending, s.cfg.SweepBatchSize)
	if err == nil {
		s.metrics.SetPendingDistributions(len(pending))
	}
	return processed, nil
}

// ListByStatus surfaces legs in a given state, newest first.
func (s *DistributionService) ListByStatus(st models.DistributionStatus, limit int) ([]*models.Distribution, error) {
	return s.store.ListDistributionsByStatus(st, limit)
}

// AdminRetry requeues a permanently failed leg for one more attempt.
func (s *DistributionService) AdminRetry(ctx context.Context, distributionID string) error {
	err := s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindDistribution(distributionID)
		if err != nil {
			return err
		}
		if fresh.Status != models.DistributionFailed {
			return status.New(status.Validation, "distribution_not_failed")
		}
		fresh.Status = models.DistributionPending
		fresh.RetryCount = 0
		fresh.NextAttemptAt = s.now()
		return tx.SaveDistribution(fresh)
	})
	if err != nil {
		return err
	}
	return s.Process(ctx, distributionID)
}
