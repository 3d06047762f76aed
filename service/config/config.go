package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Executor names accepted by SETTLEMENT_EXECUTOR.
const (
	ExecutorTemporal = "temporal"
	ExecutorInline   = "inline"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURL     string
	SolanaRPCRPS     int
	PaymentTokenMint string
	MintAddress      string
	// MintAuthorityKey is the base58 private key that signs MintTo instructions.
	// Only the worker (or the server in inline mode) needs it.
	MintAuthorityKey string

	// Settlement configuration
	DirectPaymentAddress string
	PoolAddress          string
	TokenPrice           int64
	PoolTokenPrice       int64
	VerifyMaxAttempts    int
	VerifyRetryDelay     time.Duration
	MintConfirmTimeout   time.Duration
	MintConfirmInterval  time.Duration
	SettlementExecutor   string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	rps, err := parseInt("SOLANA_RPC_RPS", 10)
	if err != nil {
		errs = append(errs, err)
	} else if rps < 1 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_RPS must be at least 1"))
	} else {
		cfg.SolanaRPCRPS = rps
	}

	cfg.PaymentTokenMint = os.Getenv("PAYMENT_TOKEN_MINT")
	if cfg.PaymentTokenMint == "" {
		errs = append(errs, fmt.Errorf("PAYMENT_TOKEN_MINT is required"))
	}

	cfg.MintAddress = os.Getenv("MINT_ADDRESS")
	if cfg.MintAddress == "" {
		errs = append(errs, fmt.Errorf("MINT_ADDRESS is required"))
	}

	cfg.MintAuthorityKey = os.Getenv("MINT_AUTHORITY_PRIVATE_KEY")

	// Settlement configuration
	cfg.DirectPaymentAddress = os.Getenv("DIRECT_PAYMENT_ADDRESS")
	if cfg.DirectPaymentAddress == "" {
		errs = append(errs, fmt.Errorf("DIRECT_PAYMENT_ADDRESS is required"))
	}

	cfg.PoolAddress = os.Getenv("POOL_ADDRESS")
	if cfg.PoolAddress == "" {
		errs = append(errs, fmt.Errorf("POOL_ADDRESS is required"))
	}

	if cfg.DirectPaymentAddress != "" && cfg.DirectPaymentAddress == cfg.PoolAddress {
		errs = append(errs, fmt.Errorf("DIRECT_PAYMENT_ADDRESS and POOL_ADDRESS must be different"))
	}

	price, err := parseInt64("TOKEN_PRICE", 1)
	if err != nil {
		errs = append(errs, err)
	} else if price <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_PRICE must be positive"))
	} else {
		cfg.TokenPrice = price
	}

	poolPrice, err := parseInt64("POOL_TOKEN_PRICE", cfg.TokenPrice)
	if err != nil {
		errs = append(errs, err)
	} else if poolPrice <= 0 {
		errs = append(errs, fmt.Errorf("POOL_TOKEN_PRICE must be positive"))
	} else {
		cfg.PoolTokenPrice = poolPrice
	}

	attempts, err := parseInt("VERIFY_MAX_ATTEMPTS", 5)
	if err != nil {
		errs = append(errs, err)
	} else if attempts < 1 {
		errs = append(errs, fmt.Errorf("VERIFY_MAX_ATTEMPTS must be at least 1"))
	} else {
		cfg.VerifyMaxAttempts = attempts
	}

	retryDelay, err := parseDuration("VERIFY_RETRY_DELAY", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.VerifyRetryDelay = retryDelay
	}

	confirmTimeout, err := parseDuration("MINT_CONFIRM_TIMEOUT", "60s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MintConfirmTimeout = confirmTimeout
	}

	confirmInterval, err := parseDuration("MINT_CONFIRM_INTERVAL", "1s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MintConfirmInterval = confirmInterval
	}

	if cfg.MintConfirmInterval > cfg.MintConfirmTimeout {
		errs = append(errs, fmt.Errorf("MINT_CONFIRM_INTERVAL (%v) cannot be greater than MINT_CONFIRM_TIMEOUT (%v)",
			cfg.MintConfirmInterval, cfg.MintConfirmTimeout))
	}

	cfg.SettlementExecutor = getEnvOrDefault("SETTLEMENT_EXECUTOR", ExecutorTemporal)
	if cfg.SettlementExecutor != ExecutorTemporal && cfg.SettlementExecutor != ExecutorInline {
		errs = append(errs, fmt.Errorf("SETTLEMENT_EXECUTOR must be %q or %q, got %q",
			ExecutorTemporal, ExecutorInline, cfg.SettlementExecutor))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "agrosettle-settlements")

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.MintAddress == "" {
		errs = append(errs, fmt.Errorf("MintAddress is required"))
	}

	if c.DirectPaymentAddress == "" {
		errs = append(errs, fmt.Errorf("DirectPaymentAddress is required"))
	}

	if c.PoolAddress == "" {
		errs = append(errs, fmt.Errorf("PoolAddress is required"))
	}

	if c.TokenPrice <= 0 {
		errs = append(errs, fmt.Errorf("TokenPrice must be positive"))
	}

	if c.PoolTokenPrice <= 0 {
		errs = append(errs, fmt.Errorf("PoolTokenPrice must be positive"))
	}

	if c.VerifyMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("VerifyMaxAttempts must be at least 1"))
	}

	if c.VerifyRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("VerifyRetryDelay cannot be negative"))
	}

	if c.SettlementExecutor != ExecutorTemporal && c.SettlementExecutor != ExecutorInline {
		errs = append(errs, fmt.Errorf("SettlementExecutor must be %q or %q", ExecutorTemporal, ExecutorInline))
	}

	if c.SettlementExecutor == ExecutorTemporal {
		if c.TemporalHost == "" {
			errs = append(errs, fmt.Errorf("TemporalHost is required"))
		}
		if c.TemporalNamespace == "" {
			errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
		}
		if c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RequireMintAuthority reports an error when the mint authority key is missing.
// Binaries that execute mints call this after Load.
func (c *Config) RequireMintAuthority() error {
	if c.MintAuthorityKey == "" {
		return fmt.Errorf("MINT_AUTHORITY_PRIVATE_KEY is required to execute mints")
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseInt64 parses a 64-bit integer from an environment variable or uses a default.
func parseInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
