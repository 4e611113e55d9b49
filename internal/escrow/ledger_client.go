package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ticket-marketplace/internal/status"
	"ticket-marketplace/utils"
)

// idempotency results are kept long enough to cover any client retry
// horizon; the ledger itself also dedupes by key.
const idemCacheTTL = 24 * time.Hour

// LedgerClient talks to the settlement ledger over HTTP. Calls are
// wrapped in a circuit breaker and successful results are cached per
// idempotency key in redis so a replay returns the original reference
// without hitting the ledger again.
type LedgerClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	redis   *redis.Client
	breaker *utils.CircuitBreaker
}

func NewLedgerClient(baseURL, apiKey string, timeout time.Duration, redisClient *redis.Client) *LedgerClient {
	return &LedgerClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: timeout},
		redis:   redisClient,
		breaker: utils.NewCircuitBreaker("ledger"),
	}
}

type refReply struct {
	Ref string `json:"ref"`
}

func (c *LedgerClient) Lock(ctx context.Context, subjectID, payerWallet string, amount decimal.Decimal, idemKey string) (string, error) {
	return c.refCall(ctx, idemKey, http.MethodPost, "/v1/escrow/lock", map[string]any{
		"subject_id":   subjectID,
		"payer_wallet": payerWallet,
		"amount":       amount,
	})
}

func (c *LedgerClient) TopUp(ctx context.Context, escrowRef string, delta decimal.Decimal, idemKey string) error {
	// Two-phase: prepare the top-up, then confirm it. The prepare
	// reply carries the pending top-up id.
	var prepared struct {
		TopUpID string `json:"topup_id"`
	}
	path := fmt.Sprintf("/v1/escrow/%s/topup", url.PathEscape(escrowRef))
	if err := c.do(ctx, idemKey+":prepare", http.MethodPost, path, map[string]any{"delta": delta}, &prepared); err != nil {
		return err
	}

	confirm := fmt.Sprintf("/v1/topup/%s/confirm", url.PathEscape(prepared.TopUpID))
	return c.do(ctx, idemKey+":confirm", http.MethodPost, confirm, nil, nil)
}

func (c *LedgerClient) Release(ctx context.Context, escrowRef, recipientWallet string, amount decimal.Decimal, idemKey string) (string, error) {
	path := fmt.Sprintf("/v1/escrow/%s/release", url.PathEscape(escrowRef))
	return c.refCall(ctx, idemKey, http.MethodPost, path, map[string]any{
		"recipient_wallet": recipientWallet,
		"amount":           amount,
	})
}

func (c *LedgerClient) Refund(ctx context.Context, escrowRef, payerWallet string, amount decimal.Decimal, idemKey string) (string, error) {
	path := fmt.Sprintf("/v1/escrow/%s/refund", url.PathEscape(escrowRef))
	return c.refCall(ctx, idemKey, http.MethodPost, path, map[string]any{
		"payer_wallet": payerWallet,
		"amount":       amount,
	})
}

func (c *LedgerClient) TransferOwnership(ctx context.Context, assetRef, fromWallet, toWallet, idemKey string) (string, error) {
	return c.refCall(ctx, idemKey, http.MethodPost, "/v1/assets/transfer", map[string]any{
		"asset_ref":   assetRef,
		"from_wallet": fromWallet,
		"to_wallet":   toWallet,
	})
}

func (c *LedgerClient) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	var reply struct {
		Available decimal.Decimal `json:"available"`
	}
	path := fmt.Sprintf("/v1/wallets/%s/balance", url.PathEscape(wallet))
	if err := c.do(ctx, "", http.MethodGet, path, nil, &reply); err != nil {
		return decimal.Zero, err
	}
	return reply.Available, nil
}

// refCall is a do() variant for the common "returns a reference" shape.
func (c *LedgerClient) refCall(ctx context.Context, idemKey, method, path string, body map[string]any) (string, error) {
	var reply refReply
	if err := c.do(ctx, idemKey, method, path, body, &reply); err != nil {
		return "", err
	}
	return reply.Ref, nil
}

func (c *LedgerClient) do(ctx context.Context, idemKey, method, path string, body map[string]any, out any) error {
	if idemKey != "" {
		if cached, err := c.redis.Get(ctx, idemCacheKey(idemKey)).Result(); err == nil {
			if out != nil {
				return json.Unmarshal([]byte(cached), out)
			}
			return nil
		}
	}

	raw, err := c.breaker.Execute(ctx, func() (any, error) {
		return c.roundTrip(ctx, idemKey, method, path, body)
	})
	if err != nil {
		return status.Wrap(status.Escrow, "ledger_call_failed", err)
	}
	payload := raw.([]byte)

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return status.Wrap(status.Escrow, "ledger_reply_malformed", err)
		}
	}

	if idemKey != "" {
		if err := c.redis.Set(ctx, idemCacheKey(idemKey), string(payload), idemCacheTTL).Err(); err != nil {
			slog.Warn("ledger: idempotency cache write failed", "key", idemKey, "error", err)
		}
	}

	return nil
}

func (c *LedgerClient) roundTrip(ctx context.Context, idemKey, method, path string, body map[string]any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("ledger: json.Marshal: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("ledger: http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: http.Client.Do: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ledger: io.ReadAll: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ledger: %s %s: status %d, body %s", method, path, resp.StatusCode, payload)
	}

	return payload, nil
}

func idemCacheKey(idemKey string) string {
	return "escrow:idem:" + idemKey
}
