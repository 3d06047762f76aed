package temporal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/agrosettle/service/db"
	"github.com/brojonat/agrosettle/service/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

// MockStages mocks the settlement service.
type MockStages struct {
	mock.Mock
}

func (m *MockStages) Prepare(ctx context.Context, req settlement.Request) (*settlement.Prepared, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.Prepared), args.Error(1)
}

func (m *MockStages) Verify(ctx context.Context, p *settlement.Prepared) (*settlement.VerifiedPayment, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.VerifiedPayment), args.Error(1)
}

func (m *MockStages) Plan(ctx context.Context, p *settlement.Prepared) (*settlement.Plan, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.Plan), args.Error(1)
}

func (m *MockStages) Mint(ctx context.Context, plan *settlement.Plan, observe settlement.MintObserver) []settlement.MintResult {
	args := m.Called(ctx, plan, observe)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]settlement.MintResult)
}

func (m *MockStages) Record(ctx context.Context, p *settlement.Prepared, payment *settlement.VerifiedPayment, plan *settlement.Plan, mints []settlement.MintResult) (*settlement.Result, error) {
	args := m.Called(ctx, p, payment, plan, mints)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.Result), args.Error(1)
}

func (m *MockStages) Notify(ctx context.Context, result *settlement.Result) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestActivities_PrepareSettlement(t *testing.T) {
	ctx := context.Background()
	req := directRequest()

	t.Run("success", func(t *testing.T) {
		stages := new(MockStages)
		prepared := &settlement.Prepared{Request: req, Amount: 1000}
		stages.On("Prepare", ctx, req).Return(prepared, nil)

		got, err := NewActivities(stages, nil, testLogger()).PrepareSettlement(ctx, req)

		require.NoError(t, err)
		assert.Equal(t, prepared, got)
		stages.AssertExpectations(t)
	})

	t.Run("validation error is non-retryable", func(t *testing.T) {
		stages := new(MockStages)
		stages.On("Prepare", ctx, req).Return(nil, &settlement.Error{
			Kind: settlement.KindValidation,
			Op:   "prepare",
			Err:  fmt.Errorf("%w: token amount must be positive", settlement.ErrInvalidRequest),
		})

		_, err := NewActivities(stages, nil, testLogger()).PrepareSettlement(ctx, req)

		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, string(settlement.KindValidation), appErr.Type())
		assert.True(t, appErr.NonRetryable())
		assert.Contains(t, appErr.Message(), "token amount must be positive")
	})

	t.Run("store read failure stays retryable", func(t *testing.T) {
		stages := new(MockStages)
		stages.On("Prepare", ctx, req).Return(nil, &settlement.Error{
			Kind: settlement.KindPersistence,
			Op:   "prepare",
			Err:  errors.New("connection refused"),
		})

		_, err := NewActivities(stages, nil, testLogger()).PrepareSettlement(ctx, req)

		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, string(settlement.KindPersistence), appErr.Type())
		assert.False(t, appErr.NonRetryable())
	})

	t.Run("unclassified errors pass through", func(t *testing.T) {
		stages := new(MockStages)
		boom := errors.New("boom")
		stages.On("Prepare", ctx, req).Return(nil, boom)

		_, err := NewActivities(stages, nil, testLogger()).PrepareSettlement(ctx, req)
		assert.ErrorIs(t, err, boom)
	})
}

func TestActivities_VerifyPayment(t *testing.T) {
	ctx := context.Background()
	prepared := &settlement.Prepared{Request: directRequest()}

	stages := new(MockStages)
	stages.On("Verify", ctx, prepared).Return(nil, &settlement.Error{
		Kind: settlement.KindVerification,
		Op:   "verify",
		Err:  fmt.Errorf("%w: got %s", settlement.ErrRecipientMismatch, "Someone"),
	})

	_, err := NewActivities(stages, nil, testLogger()).VerifyPayment(ctx, prepared)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, string(settlement.KindVerification), appErr.Type())
	assert.True(t, appErr.NonRetryable())

	var details errorDetails
	require.True(t, appErr.HasDetails())
	require.NoError(t, appErr.Details(&details))
	assert.Equal(t, "recipient_mismatch", details.Reason)
}

func TestActivities_PlanDistribution(t *testing.T) {
	ctx := context.Background()
	prepared := &settlement.Prepared{Request: directRequest()}
	plan := pooledPlan()

	stages := new(MockStages)
	stages.On("Plan", ctx, prepared).Return(plan, nil)

	got, err := NewActivities(stages, nil, testLogger()).PlanDistribution(ctx, prepared)

	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Remainder)
	assert.Len(t, got.Entries, 3)
}

func TestActivities_ExecuteMints(t *testing.T) {
	plan := pooledPlan()
	mints := []settlement.MintResult{
		{Recipient: "TokenA", Amount: 33, Succeeded: true},
		{Recipient: "TokenB", Amount: 33, Error: "insufficient funds"},
		{Recipient: "TokenC", Amount: 33, Succeeded: true},
	}

	stages := new(MockStages)
	stages.On("Mint", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			observe := args.Get(2).(settlement.MintObserver)
			for i, r := range mints {
				observe(i, r)
			}
		}).
		Return(mints)

	var s testsuite.WorkflowTestSuite
	env := s.NewTestActivityEnvironment()
	env.RegisterActivity(NewActivities(stages, nil, testLogger()).ExecuteMints)

	val, err := env.ExecuteActivity(a.ExecuteMints, plan)
	require.NoError(t, err, "mint failures are results, not activity errors")

	var got []settlement.MintResult
	require.NoError(t, val.Get(&got))
	require.Len(t, got, 3)
	assert.False(t, got[1].Succeeded)
	assert.Equal(t, "insufficient funds", got[1].Error)
}

func TestActivities_ExecuteMints_OutsideActivityContext(t *testing.T) {
	stages := new(MockStages)
	stages.On("Mint", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(2).(settlement.MintObserver)(0, settlement.MintResult{Succeeded: true})
		}).
		Return([]settlement.MintResult{{Succeeded: true}})

	got, err := NewActivities(stages, nil, testLogger()).ExecuteMints(context.Background(), pooledPlan())

	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestActivities_RecordSettlement(t *testing.T) {
	ctx := context.Background()
	in := RecordSettlementInput{
		Prepared: &settlement.Prepared{Request: directRequest()},
		Payment:  &settlement.VerifiedPayment{Hash: testHash},
		Plan:     &settlement.Plan{Mode: settlement.ModeDirect},
		Mints:    []settlement.MintResult{},
	}

	t.Run("success", func(t *testing.T) {
		stages := new(MockStages)
		result := &settlement.Result{Investment: &db.Investment{ID: "inv-1"}}
		stages.On("Record", ctx, in.Prepared, in.Payment, in.Plan, in.Mints).Return(result, nil)

		got, err := NewActivities(stages, nil, testLogger()).RecordSettlement(ctx, in)

		require.NoError(t, err)
		assert.Equal(t, "inv-1", got.Investment.ID)
	})

	t.Run("failure after investment is final and carries the step", func(t *testing.T) {
		stages := new(MockStages)
		stages.On("Record", ctx, in.Prepared, in.Payment, in.Plan, in.Mints).Return(nil, &settlement.Error{
			Kind:         settlement.KindPersistence,
			Op:           "record",
			Step:         settlement.StepIncrementFarm,
			InvestmentID: "inv-7",
			Err:          errors.New("deadlock detected"),
		})

		_, err := NewActivities(stages, nil, testLogger()).RecordSettlement(ctx, in)

		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.True(t, appErr.NonRetryable())

		var details errorDetails
		require.NoError(t, appErr.Details(&details))
		assert.Equal(t, settlement.StepIncrementFarm, details.Step)
		assert.Equal(t, "inv-7", details.InvestmentID)
	})

	t.Run("duplicate hash is a conflict", func(t *testing.T) {
		stages := new(MockStages)
		stages.On("Record", ctx, in.Prepared, in.Payment, in.Plan, in.Mints).Return(nil, &settlement.Error{
			Kind: settlement.KindConflict,
			Op:   "record",
			Err:  settlement.ErrAlreadySettled,
		})

		_, err := NewActivities(stages, nil, testLogger()).RecordSettlement(ctx, in)

		rebuilt := fromApplicationError(err)
		assert.True(t, settlement.IsKind(rebuilt, settlement.KindConflict))
		assert.ErrorIs(t, rebuilt, settlement.ErrAlreadySettled)
	})
}

func TestActivities_PublishSettlement(t *testing.T) {
	ctx := context.Background()
	result := &settlement.Result{Investment: &db.Investment{ID: "inv-1"}}

	stages := new(MockStages)
	stages.On("Notify", ctx, result).Return(errors.New("nats unavailable")).Once()
	stages.On("Notify", ctx, result).Return(nil).Once()

	acts := NewActivities(stages, nil, testLogger())
	assert.Error(t, acts.PublishSettlement(ctx, result))
	assert.NoError(t, acts.PublishSettlement(ctx, result))
	stages.AssertExpectations(t)
}

func TestFromApplicationError(t *testing.T) {
	t.Run("rebuilds kind and sentinel", func(t *testing.T) {
		appErr := toApplicationError(&settlement.Error{
			Kind: settlement.KindVerification,
			Op:   "verify",
			Err:  fmt.Errorf("%w: expected A, got B", settlement.ErrSenderMismatch),
		})

		err := fromApplicationError(appErr)

		serr, ok := settlement.AsError(err)
		require.True(t, ok)
		assert.Equal(t, settlement.KindVerification, serr.Kind)
		assert.ErrorIs(t, err, settlement.ErrSenderMismatch)
		assert.Contains(t, err.Error(), "expected A, got B")
	})

	t.Run("unknown types pass through", func(t *testing.T) {
		appErr := temporal.NewApplicationError("something else", "OtherType")
		assert.Equal(t, appErr, fromApplicationError(appErr))

		plain := errors.New("plain")
		assert.Equal(t, plain, fromApplicationError(plain))
	})
}
