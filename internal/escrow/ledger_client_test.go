package escrow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-marketplace/internal/status"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLockSendsIdempotencyKeyAndCachesResult(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/escrow/lock", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "transfer-lock-t1", r.Header.Get("X-Idempotency-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "t1", body["subject_id"])
		assert.Equal(t, "wallet-bob", body["payer_wallet"])

		w.Write([]byte(`{"ref":"escrow-123"}`))
	}))
	defer srv.Close()

	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet("escrow:idem:transfer-lock-t1").RedisNil()
	mock.ExpectSet("escrow:idem:transfer-lock-t1", `{"ref":"escrow-123"}`, idemCacheTTL).SetVal("OK")

	client := NewLedgerClient(srv.URL, "secret", 5*time.Second, rdb)
	ref, err := client.Lock(context.Background(), "t1", "wallet-bob", dec("100"), "transfer-lock-t1")
	require.NoError(t, err)
	assert.Equal(t, "escrow-123", ref)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockReplayServedFromCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet("escrow:idem:transfer-lock-t1").SetVal(`{"ref":"escrow-123"}`)

	client := NewLedgerClient(srv.URL, "", 5*time.Second, rdb)
	ref, err := client.Lock(context.Background(), "t1", "wallet-bob", dec("100"), "transfer-lock-t1")
	require.NoError(t, err)
	assert.Equal(t, "escrow-123", ref)

	// The cached reference answered the call; the ledger saw nothing.
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTopUpRunsPrepareThenConfirm(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/v1/escrow/esc-1/topup":
			w.Write([]byte(`{"topup_id":"tp-1"}`))
		case "/v1/topup/tp-1/confirm":
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet("escrow:idem:bid-topup-b1-1:prepare").RedisNil()
	mock.ExpectSet("escrow:idem:bid-topup-b1-1:prepare", `{"topup_id":"tp-1"}`, idemCacheTTL).SetVal("OK")
	mock.ExpectGet("escrow:idem:bid-topup-b1-1:confirm").RedisNil()
	mock.ExpectSet("escrow:idem:bid-topup-b1-1:confirm", `{}`, idemCacheTTL).SetVal("OK")

	client := NewLedgerClient(srv.URL, "", 5*time.Second, rdb)
	err := client.TopUp(context.Background(), "esc-1", dec("1.50"), "bid-topup-b1-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/v1/escrow/esc-1/topup", "/v1/topup/tp-1/confirm"}, paths)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceSkipsIdempotencyCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/wallets/wallet-bob/balance", r.URL.Path)
		assert.Empty(t, r.Header.Get("X-Idempotency-Key"))
		w.Write([]byte(`{"available":"42.50"}`))
	}))
	defer srv.Close()

	rdb, mock := redismock.NewClientMock()

	client := NewLedgerClient(srv.URL, "", 5*time.Second, rdb)
	balance, err := client.Balance(context.Background(), "wallet-bob")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("42.50")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServerErrorReportedAsEscrowFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient funds", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet("escrow:idem:transfer-lock-t1").RedisNil()

	client := NewLedgerClient(srv.URL, "", 5*time.Second, rdb)
	_, err := client.Lock(context.Background(), "t1", "wallet-bob", dec("100"), "transfer-lock-t1")
	require.Error(t, err)
	assert.True(t, status.IsKind(err, status.Escrow))
	assert.NoError(t, mock.ExpectationsWereMet())
}
