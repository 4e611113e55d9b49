package utils

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

// Random Generator Tests

func TestGenerateID(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z0-9]{15}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGenerateOTP(t *testing.T) {
	otp, err := GenerateOTP(6)

	assert.NoError(t, err)
	assert.Len(t, otp, 6)
	assert.Regexp(t, `^[0-9]{6}$`, otp)
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(8)

	assert.NoError(t, err)
	assert.Len(t, code, 16)
	assert.Regexp(t, `^[0-9A-F]{16}$`, code)
}

// Circuit Breaker Tests

func TestCircuitBreakerPassesResultThrough(t *testing.T) {
	cb := NewCircuitBreaker("test")
	ctx := context.Background()

	result, err := cb.Execute(ctx, func() (any, error) {
		return "success", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, BreakerClosed, cb.State())

	wantErr := errors.New("downstream failure")
	result, err = cb.Execute(ctx, func() (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Nil(t, result)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerTripsOnFailureRatio(t *testing.T) {
	cb := NewCircuitBreaker("test")
	cb.minRequests = 5

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := cb.Execute(ctx, func() (any, error) {
			return "success", nil
		})
		assert.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, func() (any, error) {
			return nil, errors.New("failure")
		})
		assert.Error(t, err)
	}

	// 3 failures out of 5 hits the 0.6 ratio.
	assert.Equal(t, BreakerOpen, cb.State())

	_, err := cb.Execute(ctx, func() (any, error) {
		t.Fatal("must not run while open")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	cb := NewCircuitBreaker("test")
	cb.state = BreakerOpen
	cb.expiry = time.Now().Add(-time.Second)

	ctx := context.Background()
	for i := 0; i < int(cb.maxProbes); i++ {
		_, err := cb.Execute(ctx, func() (any, error) {
			return "success", nil
		})
		assert.NoError(t, err)
	}
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	cb := NewCircuitBreaker("test")
	cb.state = BreakerOpen
	cb.expiry = time.Now().Add(-time.Second)

	ctx := context.Background()
	_, err := cb.Execute(ctx, func() (any, error) {
		return nil, errors.New("still down")
	})
	assert.Error(t, err)
	assert.Equal(t, BreakerOpen, cb.State())

	_, err = cb.Execute(ctx, func() (any, error) {
		t.Fatal("must not run while open")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenProbeBudget(t *testing.T) {
	cb := NewCircuitBreaker("test")
	cb.state = BreakerHalfOpen
	cb.requests = cb.maxProbes

	_, err := cb.Execute(context.Background(), func() (any, error) {
		t.Fatal("probe budget spent, must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerWindowAgesOutCounters(t *testing.T) {
	cb := NewCircuitBreaker("test")
	cb.requests = 9
	cb.failures = 9
	cb.expiry = time.Now().Add(-time.Second)

	// One old bad minute never trips the next window.
	_, err := cb.Execute(context.Background(), func() (any, error) {
		return nil, errors.New("failure")
	})
	assert.Error(t, err)
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Equal(t, uint32(1), cb.requests)
	assert.Equal(t, uint32(1), cb.failures)
}

func TestCircuitBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("concurrent-test")
	cb.minRequests = 101 // never trips, every call must land
	ctx := context.Background()

	var wg sync.WaitGroup
	numGoroutines := 100
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			_, err := cb.Execute(ctx, func() (any, error) {
				time.Sleep(time.Millisecond)
				if id%10 == 0 {
					return nil, errors.New("simulated failure")
				}
				return "success", nil
			})

			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	// 10% failure stays under the trip ratio; nothing gets rejected.
	assert.Equal(t, numGoroutines-numGoroutines/10, successCount)
	assert.Equal(t, BreakerClosed, cb.State())
}

// Redis Client Tests

func TestRedisHealthCheck_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetVal("PONG")

	err := RedisHealthCheck(db)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()

	expectedError := errors.New("connection failed")
	mock.ExpectPing().SetErr(expectedError)

	err := RedisHealthCheck(db)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
	assert.Contains(t, err.Error(), "connection failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Benchmark Tests

func BenchmarkGenerateID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		GenerateID()
	}
}

func BenchmarkCircuitBreaker_Execute_Success(b *testing.B) {
	cb := NewCircuitBreaker("benchmark")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cb.Execute(ctx, func() (any, error) {
			return "success", nil
		})
	}
}
