package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config is built once at startup and injected into every engine; the
// engines never read ambient state.
type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// NATS configuration
	NatsURL string

	// Ledger gateway configuration
	LedgerURL     string
	LedgerAPIKey  string
	LedgerTimeout time.Duration

	// Platform fee policy
	PlatformFeeBps   int64
	PlatformFeeFixed decimal.Decimal
	PlatformFeeMin   decimal.Decimal
	PlatformFeeMax   decimal.Decimal
	PlatformWallet   string
	RoyaltyCapBps    int64

	// Transfer configuration
	TransferExpiry         time.Duration
	TransferCooldown       time.Duration
	MaxTransfersPerTicket  int
	MaxResaleMarkupBps     int64
	SaleVelocityWindow     time.Duration
	SaleVelocityLimit      int
	CancelProtectionWindow time.Duration
	VerificationCodeLength int

	// Auction configuration
	MaxActiveBids     int
	BidVelocityWindow time.Duration
	BidVelocityLimit  int
	SnipeWindow       time.Duration
	SnipeExtension    time.Duration
	AutoBidMaxRounds  int

	// Settlement configuration
	MinPayout        decimal.Decimal
	MaxPayoutRetries int
	PayoutRetryBase  time.Duration

	// Sweeper configuration
	ExpirySweepInterval       time.Duration
	DistributionSweepInterval time.Duration
	SweepBatchSize            int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string

	// Operator account notified on permanent payout failures.
	AdminUserID string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// NATS
		NatsURL: getEnv("NATS_URL", ""),

		// Ledger
		LedgerURL:     getEnv("LEDGER_URL", "http://localhost:8545"),
		LedgerAPIKey:  getEnv("LEDGER_API_KEY", ""),
		LedgerTimeout: getEnvAsDuration("LEDGER_TIMEOUT", "30s"),

		// Fees
		PlatformFeeBps:   getEnvAsInt64("PLATFORM_FEE_BPS", 250),
		PlatformFeeFixed: getEnvAsDecimal("PLATFORM_FEE_FIXED", "0.30"),
		PlatformFeeMin:   getEnvAsDecimal("PLATFORM_FEE_MIN", "0.10"),
		PlatformFeeMax:   getEnvAsDecimal("PLATFORM_FEE_MAX", "10.00"),
		PlatformWallet:   getEnv("PLATFORM_WALLET", ""),
		RoyaltyCapBps:    getEnvAsInt64("ROYALTY_CAP_BPS", 1000),

		// Transfers
		TransferExpiry:         getEnvAsDuration("TRANSFER_EXPIRY", "24h"),
		TransferCooldown:       getEnvAsDuration("TRANSFER_COOLDOWN", "10m"),
		MaxTransfersPerTicket:  getEnvAsInt("MAX_TRANSFERS_PER_TICKET", 5),
		MaxResaleMarkupBps:     getEnvAsInt64("MAX_RESALE_MARKUP_BPS", 5000),
		SaleVelocityWindow:     getEnvAsDuration("SALE_VELOCITY_WINDOW", "24h"),
		SaleVelocityLimit:      getEnvAsInt("SALE_VELOCITY_LIMIT", 10),
		CancelProtectionWindow: getEnvAsDuration("CANCEL_PROTECTION_WINDOW", "24h"),
		VerificationCodeLength: getEnvAsInt("VERIFICATION_CODE_LENGTH", 6),

		// Auctions
		MaxActiveBids:     getEnvAsInt("MAX_ACTIVE_BIDS", 10),
		BidVelocityWindow: getEnvAsDuration("BID_VELOCITY_WINDOW", "1m"),
		BidVelocityLimit:  getEnvAsInt("BID_VELOCITY_LIMIT", 20),
		SnipeWindow:       getEnvAsDuration("SNIPE_WINDOW", "5m"),
		SnipeExtension:    getEnvAsDuration("SNIPE_EXTENSION", "5m"),
		AutoBidMaxRounds:  getEnvAsInt("AUTOBID_MAX_ROUNDS", 25),

		// Settlement
		MinPayout:        getEnvAsDecimal("MIN_PAYOUT", "0.05"),
		MaxPayoutRetries: getEnvAsInt("MAX_PAYOUT_RETRIES", 5),
		PayoutRetryBase:  getEnvAsDuration("PAYOUT_RETRY_BASE", "15m"),

		// Sweepers
		ExpirySweepInterval:       getEnvAsDuration("EXPIRY_SWEEP_INTERVAL", "1m"),
		DistributionSweepInterval: getEnvAsDuration("DISTRIBUTION_SWEEP_INTERVAL", "1h"),
		SweepBatchSize:            getEnvAsInt("SWEEP_BATCH_SIZE", 100),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),

		AdminUserID: getEnv("ADMIN_USER_ID", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := getEnv(key, defaultValue)
	if value, err := decimal.NewFromString(valueStr); err == nil {
		return value
	}
	value, _ := decimal.NewFromString(defaultValue)
	return value
}
