package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/agrosettle/service/metrics"
	"github.com/brojonat/agrosettle/service/settlement"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	GetAccountInfo(
		ctx context.Context,
		account solana.PublicKey,
	) (*rpc.GetAccountInfoResult, error)

	GetLatestBlockhash(
		ctx context.Context,
		commitment rpc.CommitmentType,
	) (*rpc.GetLatestBlockhashResult, error)

	SendTransactionWithOpts(
		ctx context.Context,
		tx *solana.Transaction,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)
}

// ClientConfig holds the chain settings of a Client.
type ClientConfig struct {
	// Endpoint labels metrics (e.g. "mainnet", "devnet", or the RPC host).
	Endpoint string
	// RPS caps outgoing RPC calls. Zero disables throttling.
	RPS int
	// Mint is the token minted to farms. Required for Mint.
	Mint solana.PublicKey
	// MintAuthority signs mints and pays fees. Required for Mint.
	MintAuthority   solana.PrivateKey
	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration
	// Sleep is used between confirmation polls. Defaults to settlement.ContextSleep.
	Sleep settlement.Sleeper
}

// Client implements settlement.ChainClient on top of a Solana RPC node.
type Client struct {
	rpc     RPCClient
	cfg     ClientConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ settlement.ChainClient = (*Client)(nil)

// NewClient creates a new Solana client. If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, cfg ClientConfig, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 2 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = settlement.ContextSleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.RPS)
	}
	return &Client{
		rpc:     rpcClient,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		metrics: m,
	}
}

// call throttles and instruments a single RPC round trip.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if waited := time.Since(waitStart); waited > time.Millisecond {
			c.metrics.RecordRPCThrottleWait(c.cfg.Endpoint, waited.Seconds())
		}
	}

	start := time.Now()
	err := fn()
	status := "success"
	if err != nil && !errors.Is(err, rpc.ErrNotFound) {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.cfg.Endpoint, time.Since(start).Seconds())
	return err
}

// LookupTransaction fetches a transaction and decodes its first transfer.
// It returns nil, nil when the node does not know the signature yet.
func (c *Client) LookupTransaction(ctx context.Context, hash string) (*settlement.ChainTransaction, error) {
	sig, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction signature %q: %w", hash, err)
	}

	var result *rpc.GetTransactionResult
	err = c.call(ctx, "GetTransaction", func() error {
		var callErr error
		result, callErr = c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &[]uint64{0}[0],
		})
		return callErr
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		c.logger.WarnContext(ctx, "failed to get transaction",
			"signature", hash,
			"error", err,
		)
		return nil, err
	}
	if result == nil || result.Transaction == nil {
		return nil, nil
	}

	txn, err := parseTransfer(hash, result)
	if err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "fetched transaction",
		"signature", hash,
		"from", txn.From,
		"to", txn.To,
		"amount", txn.Amount,
		"slot", txn.Slot,
	)
	return txn, nil
}

// LookupReceipt returns the execution status of a transaction. Signatures that
// are unknown or only processed are reported as absent.
func (c *Client) LookupReceipt(ctx context.Context, hash string) (*settlement.Receipt, error) {
	sig, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction signature %q: %w", hash, err)
	}

	status, err := c.signatureStatus(ctx, sig)
	if err != nil || status == nil {
		return nil, err
	}
	if status.ConfirmationStatus == rpc.ConfirmationStatusProcessed {
		return nil, nil
	}

	receipt := &settlement.Receipt{
		Success:            status.Err == nil,
		BlockNumber:        status.Slot,
		ConfirmationStatus: string(status.ConfirmationStatus),
	}
	if status.Err != nil {
		receipt.Err = fmt.Sprintf("%v", status.Err)
	}
	return receipt, nil
}

func (c *Client) signatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var result *rpc.GetSignatureStatusesResult
	err := c.call(ctx, "GetSignatureStatuses", func() error {
		var callErr error
		result, callErr = c.rpc.GetSignatureStatuses(ctx, true, sig)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if result == nil || len(result.Value) == 0 {
		return nil, nil
	}
	return result.Value[0], nil
}

// Mint issues amount tokens of the configured mint to recipient's associated
// token account, creating it if needed, and waits for the transaction to settle.
// An on-chain failure is reported in the receipt; transport failures are errors.
func (c *Client) Mint(ctx context.Context, recipient string, amount int64) (*settlement.MintReceipt, error) {
	if c.cfg.Mint.IsZero() || c.cfg.MintAuthority == nil {
		return nil, fmt.Errorf("minting is not configured")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("mint amount must be positive: %d", amount)
	}

	owner, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	authority := c.cfg.MintAuthority.PublicKey()

	ata, _, err := solana.FindAssociatedTokenAddress(owner, c.cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive token account: %w", err)
	}

	exists, err := c.accountExists(ctx, ata)
	if err != nil {
		return nil, err
	}

	var instructions []solana.Instruction
	if !exists {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(authority, owner, c.cfg.Mint).Build())
	}
	instructions = append(instructions,
		token.NewMintToInstruction(uint64(amount), c.cfg.Mint, ata, authority, nil).Build())

	var blockhash *rpc.GetLatestBlockhashResult
	err = c.call(ctx, "GetLatestBlockhash", func() error {
		var callErr error
		blockhash, callErr = c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(authority))
	if err != nil {
		return nil, fmt.Errorf("failed to build mint transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(authority) {
			return &c.cfg.MintAuthority
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign mint transaction: %w", err)
	}

	var sig solana.Signature
	err = c.call(ctx, "SendTransaction", func() error {
		var callErr error
		sig, callErr = c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send mint transaction: %w", err)
	}

	c.logger.InfoContext(ctx, "mint submitted",
		"signature", sig.String(),
		"recipient", recipient,
		"token_account", ata.String(),
		"amount", amount,
		"created_account", !exists,
	)

	return c.awaitMint(ctx, sig)
}

func (c *Client) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	err := c.call(ctx, "GetAccountInfo", func() error {
		_, callErr := c.rpc.GetAccountInfo(ctx, account)
		return callErr
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check token account %s: %w", account, err)
	}
	return true, nil
}

// awaitMint polls the signature status until it is confirmed, fails, or the
// confirmation window closes.
func (c *Client) awaitMint(ctx context.Context, sig solana.Signature) (*settlement.MintReceipt, error) {
	attempts := max(int(c.cfg.ConfirmTimeout/c.cfg.ConfirmInterval), 1)
	poll := settlement.PollConfig{
		MaxAttempts: attempts,
		Delay:       c.cfg.ConfirmInterval,
		Sleep:       c.cfg.Sleep,
	}

	status, _, ok := settlement.Poll(ctx, poll, func(ctx context.Context, attempt int) (*rpc.SignatureStatusesResult, bool) {
		s, err := c.signatureStatus(ctx, sig)
		if err != nil {
			c.logger.DebugContext(ctx, "mint status lookup failed", "signature", sig.String(), "attempt", attempt, "error", err)
			return nil, false
		}
		if s == nil {
			return nil, false
		}
		if s.Err != nil {
			return s, true
		}
		switch s.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return s, true
		}
		return nil, false
	})
	if !ok {
		return &settlement.MintReceipt{TransactionHash: sig.String()},
			fmt.Errorf("mint %s not confirmed within %s", sig, c.cfg.ConfirmTimeout)
	}

	receipt := &settlement.MintReceipt{
		Succeeded:       status.Err == nil,
		TransactionHash: sig.String(),
	}
	if status.Err != nil {
		receipt.Error = fmt.Sprintf("mint failed on chain: %v", status.Err)
	}
	return receipt, nil
}
