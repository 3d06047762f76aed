package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/brojonat/agrosettle/service/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	results []*Result
	err     error
}

func (n *recordingNotifier) NotifySettled(ctx context.Context, result *Result) error {
	n.results = append(n.results, result)
	return n.err
}

func newTestService(store Store, chain ChainClient, sleeper *sleepRecorder) *Service {
	return NewService(store, chain, Options{
		DirectPaymentAddress: directWallet,
		PoolAddress:          poolWallet,
		TokenPrice:           10,
		PoolTokenPrice:       5,
		PaymentTokenMint:     paymentMint,
		Poll:                 PollConfig{MaxAttempts: 5, Delay: 2 * time.Second, Sleep: sleeper.Sleep},
	}, nil, discardLogger())
}

func TestSettle_DirectPercentageAndFarmCounters(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	farm := seedFarm(ctx, store, "cacao", "FarmTokenA", 10, 1000)
	chain := visiblePayment(payerWallet, directWallet, 100)
	notifier := &recordingNotifier{}
	svc := newTestService(store, chain, &sleepRecorder{}).WithNotifier(notifier)

	result, err := svc.Settle(ctx, Request{
		Mode:            ModeDirect,
		FarmID:          farm.ID,
		InvestorID:      "user-1",
		TokenAmount:     10,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	})
	require.NoError(t, err)

	require.NotNil(t, result.Investment.Percentage)
	assert.InDelta(t, 10.0, *result.Investment.Percentage, 1e-9)
	assert.Equal(t, int64(100), result.Investment.Amount)
	assert.Equal(t, testTokenHash, result.TransactionHash)
	assert.Equal(t, 1, result.RecipientsSupported)
	require.Len(t, result.MintBreakdown, 1)
	assert.Equal(t, "FarmTokenA", result.MintBreakdown[0].Recipient)
	assert.Equal(t, int64(100), result.MintBreakdown[0].Amount)

	got, err := store.GetFarm(ctx, farm.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.CurrentInvestment)
	assert.Equal(t, int64(1), got.InvestorsCount)

	require.Len(t, notifier.results, 1)
	assert.Equal(t, result, notifier.results[0])
}

func TestSettle_PooledEvenSplit(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	for _, tok := range []string{"FarmTokenA", "FarmTokenB", "FarmTokenC"} {
		seedFarm(ctx, store, tok, tok, 10, 1000)
	}
	chain := visiblePayment(payerWallet, poolWallet, 750)
	svc := newTestService(store, chain, &sleepRecorder{})

	result, err := svc.Settle(ctx, Request{
		Mode:            ModePooled,
		InvestorID:      "user-2",
		TokenAmount:     150,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(750), result.Investment.Amount)
	assert.Nil(t, result.Investment.Percentage)
	assert.Equal(t, 3, result.RecipientsSupported)
	assert.Equal(t, int64(0), result.Remainder)
	for _, m := range result.MintBreakdown {
		assert.True(t, m.Succeeded)
		assert.Equal(t, int64(250), m.Amount)
	}

	farms, err := store.ListEligibleFarms(ctx)
	require.NoError(t, err)
	for _, f := range farms {
		assert.Equal(t, int64(0), f.CurrentInvestment, "pooled mode does not touch farm counters")
	}
}

func TestSettle_PooledRemainderDropped(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	for _, tok := range []string{"FarmTokenA", "FarmTokenB", "FarmTokenC"} {
		seedFarm(ctx, store, tok, tok, 10, 1000)
	}
	chain := visiblePayment(payerWallet, poolWallet, 100)
	svc := newTestService(store, chain, &sleepRecorder{})

	result, err := svc.Settle(ctx, Request{
		Mode:            ModePooled,
		InvestorID:      "user-2",
		TokenAmount:     20,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	})
	require.NoError(t, err)

	var total int64
	for _, m := range result.MintBreakdown {
		assert.Equal(t, int64(33), m.Amount)
		total += m.Amount
	}
	assert.Equal(t, int64(99), total)
	assert.Equal(t, int64(1), result.Remainder)
	assert.Equal(t, int64(100), result.Investment.Amount, "investment keeps the full declared amount")
}

func TestSettle_PartialMintFailureStillRecords(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	for _, tok := range []string{"FarmTokenA", "FarmTokenB", "FarmTokenC"} {
		seedFarm(ctx, store, tok, tok, 10, 1000)
	}
	chain := visiblePayment(payerWallet, poolWallet, 750)
	chain.mintErrs = map[string]error{"FarmTokenB": errRPCDown}
	svc := newTestService(store, chain, &sleepRecorder{})

	result, err := svc.Settle(ctx, Request{
		Mode:            ModePooled,
		InvestorID:      "user-2",
		TokenAmount:     150,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	})
	require.NoError(t, err)

	succeeded, failed := Partition(result.MintBreakdown)
	assert.Len(t, succeeded, 2)
	require.Len(t, failed, 1)
	assert.Equal(t, "FarmTokenB", failed[0].Recipient)

	assert.Equal(t, 1, store.InvestmentCount())
	txn, err := store.GetTransactionByHash(ctx, testTokenHash)
	require.NoError(t, err)

	var md TransactionMetadata
	require.NoError(t, json.Unmarshal(txn.Metadata, &md))
	assert.Equal(t, 2, md.MintsSucceeded)
	assert.Equal(t, 1, md.MintsFailed)
	require.Len(t, md.MintBreakdown, 3)
	assert.False(t, md.MintBreakdown[1].Succeeded)
	assert.Equal(t, "rpc unavailable", md.MintBreakdown[1].Error)
}

func TestSettle_PooledWithNoEligibleFarms(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	chain := visiblePayment(payerWallet, poolWallet, 500)
	svc := newTestService(store, chain, &sleepRecorder{})

	result, err := svc.Settle(ctx, Request{
		Mode:            ModePooled,
		InvestorID:      "user-3",
		TokenAmount:     100,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	})
	require.NoError(t, err)

	assert.Empty(t, result.MintBreakdown)
	assert.Equal(t, 0, result.RecipientsSupported)
	assert.Equal(t, int64(500), result.Investment.Amount)
	assert.Equal(t, int64(100), result.Investment.TokenQuantity)
	assert.Empty(t, chain.mintCalls())
}

func TestSettle_SameHashSettlesOnce(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	farm := seedFarm(ctx, store, "cacao", "FarmTokenA", 10, 1000)
	chain := visiblePayment(payerWallet, directWallet, 100)
	svc := newTestService(store, chain, &sleepRecorder{})

	req := Request{
		Mode:            ModeDirect,
		FarmID:          farm.ID,
		InvestorID:      "user-1",
		TokenAmount:     10,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	}
	_, err := svc.Settle(ctx, req)
	require.NoError(t, err)

	_, err = svc.Settle(ctx, req)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConflict))
	assert.ErrorIs(t, err, ErrAlreadySettled)

	assert.Equal(t, 1, store.InvestmentCount())
	assert.Len(t, chain.mintCalls(), 1, "the duplicate never reaches the mint stage")
}

func TestSettle_NeverVisible(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	farm := seedFarm(ctx, store, "cacao", "FarmTokenA", 10, 1000)
	chain := &fakeChain{}
	sleeper := &sleepRecorder{}
	svc := newTestService(store, chain, sleeper)

	_, err := svc.Settle(ctx, Request{
		Mode:            ModeDirect,
		FarmID:          farm.ID,
		InvestorID:      "user-1",
		TokenAmount:     10,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, 5, chain.txLookups)
	assert.Equal(t, 4, sleeper.count())
	assert.Equal(t, 0, store.InvestmentCount())
	assert.Equal(t, 0, store.TransactionCount())
	assert.Empty(t, chain.mintCalls())
}

func TestSettle_VerificationFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	seedFarm(ctx, store, "a", "FarmTokenA", 10, 1000)
	chain := visiblePayment(payerWallet, directWallet, 100) // paid the direct wallet, not the pool
	svc := newTestService(store, chain, &sleepRecorder{})

	_, err := svc.Settle(ctx, Request{
		Mode:            ModePooled,
		InvestorID:      "user-1",
		TokenAmount:     10,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	})

	assert.True(t, IsKind(err, KindVerification))
	assert.ErrorIs(t, err, ErrRecipientMismatch)
	assert.Equal(t, 0, store.InvestmentCount())
	assert.Empty(t, chain.mintCalls())
}

func TestSettle_PersistenceFailureSurfacesInvestmentID(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	farm := seedFarm(ctx, store, "cacao", "FarmTokenA", 10, 1000)
	store.SetError("CreateTransaction", errors.New("connection reset"))
	chain := visiblePayment(payerWallet, directWallet, 100)
	notifier := &recordingNotifier{}
	svc := newTestService(store, chain, &sleepRecorder{}).WithNotifier(notifier)

	_, err := svc.Settle(ctx, Request{
		Mode:            ModeDirect,
		FarmID:          farm.ID,
		InvestorID:      "user-1",
		TokenAmount:     10,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	})

	serr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindPersistence, serr.Kind)
	assert.Equal(t, StepCreateTransaction, serr.Step)
	assert.NotEmpty(t, serr.InvestmentID)
	assert.Equal(t, 1, store.InvestmentCount())
	assert.Empty(t, notifier.results)
}

func TestSettle_NotifierFailureIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	chain := visiblePayment(payerWallet, poolWallet, 50)
	notifier := &recordingNotifier{err: errors.New("nats down")}
	svc := newTestService(store, chain, &sleepRecorder{}).WithNotifier(notifier)

	_, err := svc.Settle(ctx, Request{
		Mode:            ModePooled,
		InvestorID:      "user-1",
		TokenAmount:     10,
		TransactionHash: testTokenHash,
		WalletAddress:   payerWallet,
	})

	assert.NoError(t, err)
	assert.Len(t, notifier.results, 1)
}

func TestPrepare(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	priced := seedFarm(ctx, store, "priced", "FarmTokenA", 25, 1000)
	unpriced := seedFarm(ctx, store, "unpriced", "FarmTokenB", 0, 1000)
	ownWallet, err := store.UpsertFarm(ctx, db.UpsertFarmParams{
		Name:           "own wallet",
		TokenID:        strPtr("FarmTokenC"),
		PaymentAddress: strPtr("FarmWallet111"),
		TokenPrice:     10,
		InvestmentGoal: 1000,
	})
	require.NoError(t, err)
	noToken, err := store.UpsertFarm(ctx, db.UpsertFarmParams{Name: "no token", TokenPrice: 10})
	require.NoError(t, err)

	svc := newTestService(store, &fakeChain{}, &sleepRecorder{})

	base := Request{InvestorID: "user-1", TokenAmount: 4, TransactionHash: "hash-prepare", WalletAddress: payerWallet}
	with := func(mutate func(*Request)) Request {
		r := base
		mutate(&r)
		return r
	}

	t.Run("direct uses farm price", func(t *testing.T) {
		p, err := svc.Prepare(ctx, with(func(r *Request) { r.Mode = ModeDirect; r.FarmID = priced.ID }))
		require.NoError(t, err)
		assert.Equal(t, int64(25), p.PricePerToken)
		assert.Equal(t, int64(100), p.Amount)
		assert.Equal(t, directWallet, p.ExpectedRecipient)
		assert.Equal(t, paymentMint, p.PaymentTokenMint)
	})

	t.Run("direct falls back to default price", func(t *testing.T) {
		p, err := svc.Prepare(ctx, with(func(r *Request) { r.Mode = ModeDirect; r.FarmID = unpriced.ID }))
		require.NoError(t, err)
		assert.Equal(t, int64(10), p.PricePerToken)
		assert.Equal(t, int64(40), p.Amount)
	})

	t.Run("direct uses farm payment address", func(t *testing.T) {
		p, err := svc.Prepare(ctx, with(func(r *Request) { r.Mode = ModeDirect; r.FarmID = ownWallet.ID }))
		require.NoError(t, err)
		assert.Equal(t, "FarmWallet111", p.ExpectedRecipient)
	})

	t.Run("pooled uses pool price and address", func(t *testing.T) {
		p, err := svc.Prepare(ctx, with(func(r *Request) { r.Mode = ModePooled }))
		require.NoError(t, err)
		assert.Equal(t, int64(5), p.PricePerToken)
		assert.Equal(t, int64(20), p.Amount)
		assert.Equal(t, poolWallet, p.ExpectedRecipient)
		assert.Nil(t, p.Farm)
	})

	t.Run("missing farm", func(t *testing.T) {
		_, err := svc.Prepare(ctx, with(func(r *Request) { r.Mode = ModeDirect; r.FarmID = "6f1c2a6e-9d43-4b8e-9a53-0d3c8f6f6c11" }))
		assert.True(t, IsKind(err, KindNotFound))
		assert.ErrorIs(t, err, ErrFarmNotFound)
	})

	t.Run("farm without token", func(t *testing.T) {
		_, err := svc.Prepare(ctx, with(func(r *Request) { r.Mode = ModeDirect; r.FarmID = noToken.ID }))
		assert.True(t, IsKind(err, KindValidation))
	})

	invalid := []struct {
		name   string
		mutate func(*Request)
	}{
		{"unknown mode", func(r *Request) { r.Mode = "split" }},
		{"direct without farm", func(r *Request) { r.Mode = ModeDirect }},
		{"pooled with farm", func(r *Request) { r.Mode = ModePooled; r.FarmID = priced.ID }},
		{"zero tokens", func(r *Request) { r.Mode = ModePooled; r.TokenAmount = 0 }},
		{"negative tokens", func(r *Request) { r.Mode = ModePooled; r.TokenAmount = -3 }},
		{"missing hash", func(r *Request) { r.Mode = ModePooled; r.TransactionHash = "" }},
		{"missing wallet", func(r *Request) { r.Mode = ModePooled; r.WalletAddress = "" }},
		{"missing investor", func(r *Request) { r.Mode = ModePooled; r.InvestorID = "" }},
		{"overflow", func(r *Request) { r.Mode = ModePooled; r.TokenAmount = math.MaxInt64 / 2 }},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Prepare(ctx, with(tt.mutate))
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation), "got %v", err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestErrorReasonRoundTrip(t *testing.T) {
	for _, sentinel := range []error{ErrTransactionNotFound, ErrSenderMismatch, ErrRecipientMismatch, ErrOnChainFailure, ErrAlreadySettled, ErrFarmNotFound} {
		e := newError(KindVerification, "op", sentinel)
		assert.Equal(t, sentinel, SentinelForReason(e.Reason()))
	}
	assert.Nil(t, SentinelForReason("nope"))
}
