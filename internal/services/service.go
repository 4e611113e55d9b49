// Package services holds the marketplace engines: direct transfers,
// auctions and settlement distribution. Engines mutate state only
// through store transactions and talk to the settlement ledger through
// the escrow gateway.
package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Metrics is the slice of the monitor the engines record against.
type Metrics interface {
	TrackTransfer(operation, transferType, status string)
	TrackBid(operation, status string)
	TrackAuctionExtension()
	TrackSettlement(saleType string, amount float64)
	TrackPayout(kind, status string)
	SetPendingDistributions(n int)
	TrackSweep(sweep string, duration time.Duration)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) TrackTransfer(string, string, string) {}
func (NopMetrics) TrackBid(string, string)              {}
func (NopMetrics) TrackAuctionExtension()               {}
func (NopMetrics) TrackSettlement(string, float64)      {}
func (NopMetrics) TrackPayout(string, string)           {}
func (NopMetrics) SetPendingDistributions(int)          {}
func (NopMetrics) TrackSweep(string, time.Duration)     {}

// overVelocity counts one action against a rolling per-user window and
// reports whether the limit is now exceeded. Redis being down never
// blocks the operation; the check fails open.
func overVelocity(ctx context.Context, rdb *redis.Client, key string, window time.Duration, limit int) bool {
	if rdb == nil || limit <= 0 {
		return false
	}

	fullKey := fmt.Sprintf("velocity:%s", key)
	n, err := rdb.Incr(ctx, fullKey).Result()
	if err != nil {
		log.Printf("velocity: incr %s: %v", fullKey, err)
		return false
	}
	if n == 1 {
		if err := rdb.Expire(ctx, fullKey, window).Err(); err != nil {
			log.Printf("velocity: expire %s: %v", fullKey, err)
		}
	}
	return n > int64(limit)
}
