package settlement

import (
	"context"
	"time"

	"github.com/brojonat/agrosettle/service/db"
)

// Mode selects how a purchase is routed.
type Mode string

const (
	// ModeDirect sends the full payment and mint to a single farm.
	ModeDirect Mode = "direct"
	// ModePooled fans the mint out across all eligible farms.
	ModePooled Mode = "pooled"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeDirect || m == ModePooled
}

// Request is a user's claim that a payment has been made.
type Request struct {
	Mode            Mode   `json:"mode"`
	FarmID          string `json:"farm_id,omitempty"`
	InvestorID      string `json:"investor_id"`
	TokenAmount     int64  `json:"token_amount"`
	TransactionHash string `json:"transaction_hash"`
	WalletAddress   string `json:"wallet_address"`
}

// ChainTransaction is the value transfer found on chain for a hash.
type ChainTransaction struct {
	Hash      string     `json:"hash"`
	From      string     `json:"from"`
	// To is empty when the transaction contains no recognised transfer.
	To        string     `json:"to"`
	Amount    uint64     `json:"amount"`
	TokenMint string     `json:"token_mint,omitempty"`
	Slot      uint64     `json:"slot"`
	BlockTime *time.Time `json:"block_time,omitempty"`
}

// Receipt is the execution status of a transaction.
type Receipt struct {
	Success            bool   `json:"success"`
	BlockNumber        uint64 `json:"block_number"`
	ConfirmationStatus string `json:"confirmation_status,omitempty"`
	Err                string `json:"error,omitempty"`
}

// MintReceipt is what the chain reports for one mint.
type MintReceipt struct {
	Succeeded       bool   `json:"succeeded"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Error           string `json:"error,omitempty"`
}

// PaymentLookup reads transactions and receipts from the chain.
// Both methods return nil, nil when the hash is not (yet) visible.
type PaymentLookup interface {
	LookupTransaction(ctx context.Context, hash string) (*ChainTransaction, error)
	LookupReceipt(ctx context.Context, hash string) (*Receipt, error)
}

// Minter issues new tokens to an on-chain identity and waits for the result.
type Minter interface {
	Mint(ctx context.Context, recipient string, amount int64) (*MintReceipt, error)
}

// ChainClient is the full chain adapter surface used by settlement.
type ChainClient interface {
	PaymentLookup
	Minter
}

// FarmReader reads farms for request preparation and planning.
type FarmReader interface {
	GetFarm(ctx context.Context, id string) (*db.Farm, error)
	ListEligibleFarms(ctx context.Context) ([]*db.Farm, error)
}

// LedgerStore persists settlement outcomes.
type LedgerStore interface {
	CreateInvestment(ctx context.Context, params db.CreateInvestmentParams) (*db.Investment, error)
	IncrementFarmInvestment(ctx context.Context, farmID string, amount int64) (*db.Farm, error)
	IncrementInvestorStats(ctx context.Context, params db.IncrementInvestorStatsParams) (*db.User, error)
	CreateTransaction(ctx context.Context, params db.CreateTransactionParams) (*db.Transaction, error)
}

// Store is everything the settlement service needs from persistence.
type Store interface {
	FarmReader
	LedgerStore
	GetInvestmentByHash(ctx context.Context, hash string) (*db.Investment, error)
}

// Notifier is told about every completed settlement.
type Notifier interface {
	NotifySettled(ctx context.Context, result *Result) error
}

// Prepared is a validated request with its pricing and expected recipient resolved.
type Prepared struct {
	Request           Request  `json:"request"`
	Farm              *db.Farm `json:"farm,omitempty"`
	PricePerToken     int64    `json:"price_per_token"`
	Amount            int64    `json:"amount"`
	ExpectedRecipient string   `json:"expected_recipient"`
	PaymentTokenMint  string   `json:"payment_token_mint,omitempty"`
}

// VerifiedPayment is a payment that passed verification.
type VerifiedPayment struct {
	Hash          string     `json:"hash"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	OnChainAmount uint64     `json:"on_chain_amount"`
	TokenMint     string     `json:"token_mint,omitempty"`
	BlockNumber   int64      `json:"block_number"`
	BlockTime     *time.Time `json:"block_time,omitempty"`
	Attempts      int        `json:"attempts"`
}

// PlanEntry is one planned mint.
type PlanEntry struct {
	Recipient string `json:"recipient"`
	FarmID    string `json:"farm_id,omitempty"`
	Amount    int64  `json:"amount"`
}

// Plan is the ordered list of mints for a settlement.
type Plan struct {
	Mode      Mode        `json:"mode"`
	Total     int64       `json:"total"`
	Entries   []PlanEntry `json:"entries"`
	Remainder int64       `json:"remainder"`
}

// Planned returns the sum of planned amounts.
func (p *Plan) Planned() int64 {
	var sum int64
	for _, e := range p.Entries {
		sum += e.Amount
	}
	return sum
}

// MintResult is the outcome of one planned mint.
type MintResult struct {
	Recipient       string `json:"recipient"`
	FarmID          string `json:"farm_id,omitempty"`
	Amount          int64  `json:"amount"`
	Succeeded       bool   `json:"succeeded"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Result is what a completed settlement returns to the caller.
type Result struct {
	Investment          *db.Investment  `json:"investment"`
	Transaction         *db.Transaction `json:"transaction,omitempty"`
	MintBreakdown       []MintResult    `json:"mint_breakdown"`
	TransactionHash     string          `json:"transaction_hash"`
	RecipientsSupported int             `json:"recipients_supported"`
	Remainder           int64           `json:"remainder"`
}
