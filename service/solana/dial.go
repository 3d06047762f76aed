package solana

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/agrosettle/service/metrics"
	"github.com/gagliardetto/solana-go"
)

// DialConfig is the operator-facing form of a chain client configuration.
type DialConfig struct {
	// Endpoints is a comma-separated list of RPC URLs; one is chosen at random.
	Endpoints string
	RPS       int
	// MintAddress and MintAuthorityKey are base58. Leave the key empty for a
	// read-only client that can verify payments but not mint.
	MintAddress      string
	MintAuthorityKey string
	ConfirmTimeout   time.Duration
	ConfirmInterval  time.Duration
}

// Dial builds a Client against one of the configured endpoints.
func Dial(cfg DialConfig, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	endpoint, err := SelectRandomEndpoint(SplitEndpoints(cfg.Endpoints))
	if err != nil {
		return nil, err
	}

	clientCfg := ClientConfig{
		Endpoint:        EndpointLabel(endpoint),
		RPS:             cfg.RPS,
		ConfirmTimeout:  cfg.ConfirmTimeout,
		ConfirmInterval: cfg.ConfirmInterval,
	}

	if cfg.MintAddress != "" {
		clientCfg.Mint, err = solana.PublicKeyFromBase58(cfg.MintAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid mint address: %w", err)
		}
	}
	if cfg.MintAuthorityKey != "" {
		clientCfg.MintAuthority, err = solana.PrivateKeyFromBase58(cfg.MintAuthorityKey)
		if err != nil {
			return nil, fmt.Errorf("invalid mint authority key: %w", err)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"endpoint", clientCfg.Endpoint, "rps", cfg.RPS}
	if cfg.MintAuthorityKey != "" {
		attrs = append(attrs, "mint_authority", clientCfg.MintAuthority.PublicKey().String())
	}
	logger.Info("initialized solana RPC client", attrs...)

	return NewClient(NewRPCClient(endpoint), clientCfg, m, logger), nil
}

// EndpointLabel extracts a short identifier from an RPC URL for metrics labeling.
// Examples:
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://api.devnet.solana.com" -> "devnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
func EndpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "unknown"
	}

	host := parsed.Hostname()

	// Providers first, then the official clusters.
	for _, known := range []struct{ match, label string }{
		{"helius", "helius"},
		{"quiknode", "quiknode"},
		{"quicknode", "quiknode"},
		{"alchemy", "alchemy"},
		{"triton", "triton"},
		{"rpcpool", "rpcpool"},
		{"mainnet", "mainnet"},
		{"devnet", "devnet"},
		{"testnet", "testnet"},
	} {
		if strings.Contains(host, known.match) {
			return known.label
		}
	}
	return host
}
