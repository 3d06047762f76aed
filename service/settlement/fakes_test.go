package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/agrosettle/service/db"
)

const (
	payerWallet   = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	directWallet  = "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV"
	poolWallet    = "3Kzh9qAqVWQhEsfQz7zEQL1EuSx5tyNLNABLRLdbQ8y6"
	paymentMint   = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	testTokenHash = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChain implements ChainClient for tests. It is behavior-focused: tests set
// what it returns and read back what it was asked to do.
type fakeChain struct {
	mu sync.Mutex

	tx      *ChainTransaction
	receipt *Receipt
	// visibleAfter hides the transaction for this many lookups.
	visibleAfter int
	lookupErr    error

	// mintErrs and mintFailures are keyed by recipient.
	mintErrs     map[string]error
	mintFailures map[string]string
	mintPanics   map[string]bool

	txLookups      int
	receiptLookups int
	mints          []PlanEntry
}

func (f *fakeChain) LookupTransaction(ctx context.Context, hash string) (*ChainTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txLookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.txLookups <= f.visibleAfter || f.tx == nil || f.tx.Hash != hash {
		return nil, nil
	}
	tx := *f.tx
	return &tx, nil
}

func (f *fakeChain) LookupReceipt(ctx context.Context, hash string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptLookups++
	if f.receipt == nil {
		return nil, nil
	}
	r := *f.receipt
	return &r, nil
}

func (f *fakeChain) Mint(ctx context.Context, recipient string, amount int64) (*MintReceipt, error) {
	f.mu.Lock()
	f.mints = append(f.mints, PlanEntry{Recipient: recipient, Amount: amount})
	n := len(f.mints)
	panics := f.mintPanics[recipient]
	err := f.mintErrs[recipient]
	failure, failed := f.mintFailures[recipient]
	f.mu.Unlock()

	if panics {
		panic("rpc client exploded")
	}
	if err != nil {
		return nil, err
	}
	if failed {
		return &MintReceipt{Succeeded: false, TransactionHash: "failed-sig", Error: failure}, nil
	}
	return &MintReceipt{Succeeded: true, TransactionHash: mintSignature(n)}, nil
}

func (f *fakeChain) mintCalls() []PlanEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PlanEntry(nil), f.mints...)
}

func mintSignature(n int) string {
	return "mint-sig-" + string(rune('a'+n-1))
}

// visiblePayment returns a chain that already shows a successful transfer.
func visiblePayment(from, to string, amount uint64) *fakeChain {
	blockTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeChain{
		tx: &ChainTransaction{
			Hash:      testTokenHash,
			From:      from,
			To:        to,
			Amount:    amount,
			TokenMint: paymentMint,
			Slot:      4242,
			BlockTime: &blockTime,
		},
		receipt: &Receipt{Success: true, BlockNumber: 4242, ConfirmationStatus: "finalized"},
	}
}

// sleepRecorder is an injectable Sleeper that records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

func strPtr(s string) *string { return &s }

var errRPCDown = errors.New("rpc unavailable")

// seedFarm inserts an active farm with an on-chain identity.
func seedFarm(ctx context.Context, store *db.MemoryStore, name, tokenID string, price, goal int64) *db.Farm {
	farm, err := store.UpsertFarm(ctx, db.UpsertFarmParams{
		Name:           name,
		TokenID:        strPtr(tokenID),
		TokenPrice:     price,
		InvestmentGoal: goal,
	})
	if err != nil {
		panic(err)
	}
	return farm
}
