package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDirectAddress = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	testPoolAddress   = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
	testMint          = "So11111111111111111111111111111111111111112"
	testPaymentMint   = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// setRequiredEnv sets the minimum environment for Load to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SOLANA_RPC_URL", "https://api.devnet.solana.com")
	t.Setenv("PAYMENT_TOKEN_MINT", testPaymentMint)
	t.Setenv("MINT_ADDRESS", testMint)
	t.Setenv("DIRECT_PAYMENT_ADDRESS", testDirectAddress)
	t.Setenv("POOL_ADDRESS", testPoolAddress)
}

func TestLoad_ValidConfig(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.VerifyMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.VerifyRetryDelay)
	assert.Equal(t, int64(1), cfg.TokenPrice)
	assert.Equal(t, cfg.TokenPrice, cfg.PoolTokenPrice)
	assert.Equal(t, 10, cfg.SolanaRPCRPS)
	assert.Equal(t, ExecutorTemporal, cfg.SettlementExecutor)
	assert.Equal(t, "agrosettle-settlements", cfg.TemporalTaskQueue)
	assert.Empty(t, cfg.MintAuthorityKey)
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		want  string
	}{
		{name: "database url", unset: "DATABASE_URL", want: "DATABASE_URL is required"},
		{name: "rpc url", unset: "SOLANA_RPC_URL", want: "SOLANA_RPC_URL is required"},
		{name: "mint", unset: "MINT_ADDRESS", want: "MINT_ADDRESS is required"},
		{name: "payment mint", unset: "PAYMENT_TOKEN_MINT", want: "PAYMENT_TOKEN_MINT is required"},
		{name: "pool address", unset: "POOL_ADDRESS", want: "POOL_ADDRESS is required"},
		{name: "direct address", unset: "DIRECT_PAYMENT_ADDRESS", want: "DIRECT_PAYMENT_ADDRESS is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SOLANA_RPC_URL", "")
	t.Setenv("MINT_ADDRESS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "SOLANA_RPC_URL is required")
	assert.Contains(t, err.Error(), "MINT_ADDRESS is required")
}

func TestLoad_SameRecipientAddresses(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POOL_ADDRESS", testDirectAddress)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be different")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{name: "bad delay", key: "VERIFY_RETRY_DELAY", value: "soon", want: "invalid duration"},
		{name: "bad attempts", key: "VERIFY_MAX_ATTEMPTS", value: "five", want: "invalid integer"},
		{name: "zero attempts", key: "VERIFY_MAX_ATTEMPTS", value: "0", want: "VERIFY_MAX_ATTEMPTS must be at least 1"},
		{name: "negative price", key: "TOKEN_PRICE", value: "-3", want: "TOKEN_PRICE must be positive"},
		{name: "unknown executor", key: "SETTLEMENT_EXECUTOR", value: "cron", want: "SETTLEMENT_EXECUTOR must be"},
		{name: "zero rps", key: "SOLANA_RPC_RPS", value: "0", want: "SOLANA_RPC_RPS must be at least 1"},
		{name: "interval above timeout", key: "MINT_CONFIRM_INTERVAL", value: "2m", want: "cannot be greater than"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TOKEN_PRICE", "10")
	t.Setenv("POOL_TOKEN_PRICE", "5")
	t.Setenv("VERIFY_MAX_ATTEMPTS", "3")
	t.Setenv("VERIFY_RETRY_DELAY", "500ms")
	t.Setenv("SETTLEMENT_EXECUTOR", "inline")
	t.Setenv("MINT_AUTHORITY_PRIVATE_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(10), cfg.TokenPrice)
	assert.Equal(t, int64(5), cfg.PoolTokenPrice)
	assert.Equal(t, 3, cfg.VerifyMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.VerifyRetryDelay)
	assert.Equal(t, ExecutorInline, cfg.SettlementExecutor)
	assert.NoError(t, cfg.RequireMintAuthority())
}

func TestMustLoad_Panics(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:          "postgres://localhost/test",
			SolanaRPCURL:         "https://api.devnet.solana.com",
			MintAddress:          testMint,
			DirectPaymentAddress: testDirectAddress,
			PoolAddress:          testPoolAddress,
			TokenPrice:           10,
			PoolTokenPrice:       5,
			VerifyMaxAttempts:    5,
			VerifyRetryDelay:     2 * time.Second,
			SettlementExecutor:   ExecutorTemporal,
			TemporalHost:         "localhost:7233",
			TemporalNamespace:    "default",
			TemporalTaskQueue:    "agrosettle-settlements",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "inline skips temporal", mutate: func(c *Config) {
			c.SettlementExecutor = ExecutorInline
			c.TemporalHost = ""
		}},
		{name: "missing db", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: "DatabaseURL is required"},
		{name: "zero price", mutate: func(c *Config) { c.TokenPrice = 0 }, wantErr: "TokenPrice must be positive"},
		{name: "zero attempts", mutate: func(c *Config) { c.VerifyMaxAttempts = 0 }, wantErr: "VerifyMaxAttempts"},
		{name: "temporal host", mutate: func(c *Config) { c.TemporalHost = "" }, wantErr: "TemporalHost is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequireMintAuthority(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireMintAuthority()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MINT_AUTHORITY_PRIVATE_KEY")
}
