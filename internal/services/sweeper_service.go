package services

import (
	"context"
	"log"
	"sync"
	"time"

	"ticket-marketplace/config"
	"ticket-marketplace/internal/store"
)

// SweeperService owns the two background loops: a short-interval pass
// that expires overdue transfers and resolves ended auctions, and a
// longer-interval pass that retries due settlement legs. Each pass
// takes an explicit now so tests drive time directly.
type SweeperService struct {
	store         store.Store
	transfers     *TransferService
	auctions      *AuctionService
	distributions *DistributionService
	metrics       Metrics
	cfg           *config.Config

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

func NewSweeperService(
	st store.Store,
	transfers *TransferService,
	auctions *AuctionService,
	distributions *DistributionService,
	metrics Metrics,
	cfg *config.Config,
) *SweeperService {
	return &SweeperService{
		store:         st,
		transfers:     transfers,
		auctions:      auctions,
		distributions: distributions,
		metrics:       metrics,
		cfg:           cfg,
	}
}

func (s *SweeperService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopChan = make(chan struct{})

	s.wg.Add(2)
	go s.loop(ctx, s.stopChan, s.cfg.ExpirySweepInterval, s.SweepExpiry)
	go s.loop(ctx, s.stopChan, s.cfg.DistributionSweepInterval, s.SweepDistributions)
	log.Printf("sweepers started: expiry every %s, distributions every %s",
		s.cfg.ExpirySweepInterval, s.cfg.DistributionSweepInterval)
}

func (s *SweeperService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.started = false
	log.Println("sweepers stopped")
}

func (s *SweeperService) loop(ctx context.Context, stop <-chan struct{}, interval time.Duration, sweep func(context.Context, time.Time)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			sweep(ctx, t)
		}
	}
}

// SweepExpiry is the sole authority for pending-to-expired transfer
// transitions and triggers resolution of ended auctions.
func (s *SweeperService) SweepExpiry(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() { s.metrics.TrackSweep("expiry", time.Since(start)) }()

	transferIDs, err := s.store.ExpiredTransferIDs(now, s.cfg.SweepBatchSize)
	if err != nil {
		log.Printf("expiry sweep: list transfers: %v", err)
	}
	for _, id := range transferIDs {
		if err := s.transfers.ExpireTransfer(ctx, id, now); err != nil {
			log.Printf("expiry sweep: transfer %s: %v", id, err)
		}
	}

	auctionIDs, err := s.store.ExpiredAuctionIDs(now, s.cfg.SweepBatchSize)
	if err != nil {
		log.Printf("expiry sweep: list auctions: %v", err)
	}
	for _, id := range auctionIDs {
		if err := s.auctions.HandleAuctionEnd(ctx, id, now); err != nil {
			log.Printf("expiry sweep: auction %s: %v", id, err)
		}
	}
}

// SweepDistributions retries every due settlement leg.
func (s *SweeperService) SweepDistributions(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() { s.metrics.TrackSweep("distributions", time.Since(start)) }()

	processed, err := s.distributions.RetryDue(ctx, now)
	if err != nil {
		log.Printf("distribution sweep: %v", err)
		return
	}
	if processed > 0 {
		log.Printf("distribution sweep: processed %d legs", processed)
	}
}
