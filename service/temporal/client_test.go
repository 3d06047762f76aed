package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/agrosettle/service/db"
	"github.com/brojonat/agrosettle/service/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestClient_Settle(t *testing.T) {
	ctx := context.Background()
	req := directRequest()

	t.Run("starts a deduplicated workflow and returns its result", func(t *testing.T) {
		sdk := new(mocks.Client)
		run := new(mocks.WorkflowRun)

		sdk.On("ExecuteWorkflow", ctx, mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
			return opts.ID == "settlement-"+testHash &&
				opts.TaskQueue == "settlements" &&
				opts.WorkflowIDReusePolicy == enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY &&
				opts.WorkflowExecutionErrorWhenAlreadyStarted
		}), SettlementWorkflowName, req).Return(run, nil)
		run.On("GetID").Return("settlement-" + testHash).Maybe()
		run.On("GetRunID").Return("run-1").Maybe()
		run.On("Get", ctx, mock.Anything).
			Run(func(args mock.Arguments) {
				out := args.Get(1).(**settlement.Result)
				*out = &settlement.Result{Investment: &db.Investment{ID: "inv-1"}, TransactionHash: testHash}
			}).
			Return(nil)

		c := NewClientFromSDK(sdk, "default", "settlements", testLogger())
		result, err := c.Settle(ctx, req)

		require.NoError(t, err)
		assert.Equal(t, "inv-1", result.Investment.ID)
		sdk.AssertExpectations(t)
		run.AssertExpectations(t)
	})

	t.Run("already started is a conflict", func(t *testing.T) {
		sdk := new(mocks.Client)
		rejectRunning := mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
			return opts.WorkflowExecutionErrorWhenAlreadyStarted
		})
		sdk.On("ExecuteWorkflow", ctx, rejectRunning, SettlementWorkflowName, req).
			Return(nil, serviceerror.NewWorkflowExecutionAlreadyStarted("already started", "", ""))

		_, err := NewClientFromSDK(sdk, "default", "settlements", testLogger()).Settle(ctx, req)

		assert.True(t, settlement.IsKind(err, settlement.KindConflict))
		assert.ErrorIs(t, err, settlement.ErrAlreadySettled)
	})

	t.Run("start failure", func(t *testing.T) {
		sdk := new(mocks.Client)
		sdk.On("ExecuteWorkflow", ctx, mock.Anything, SettlementWorkflowName, req).
			Return(nil, errors.New("connection refused"))

		_, err := NewClientFromSDK(sdk, "default", "settlements", testLogger()).Settle(ctx, req)

		require.Error(t, err)
		_, classified := settlement.AsError(err)
		assert.False(t, classified)
	})

	t.Run("workflow failure is rebuilt as a settlement error", func(t *testing.T) {
		sdk := new(mocks.Client)
		run := new(mocks.WorkflowRun)
		sdk.On("ExecuteWorkflow", ctx, mock.Anything, SettlementWorkflowName, req).Return(run, nil)
		run.On("GetID").Return("settlement-" + testHash).Maybe()
		run.On("GetRunID").Return("run-1").Maybe()
		run.On("Get", ctx, mock.Anything).Return(temporal.NewNonRetryableApplicationError(
			"transaction not found on chain", string(settlement.KindNotFound), nil,
			errorDetails{Reason: "transaction_not_found"},
		))

		_, err := NewClientFromSDK(sdk, "default", "settlements", testLogger()).Settle(ctx, req)

		assert.True(t, settlement.IsKind(err, settlement.KindNotFound))
		assert.ErrorIs(t, err, settlement.ErrTransactionNotFound)
	})
}

func TestClient_DescribeSettlement(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		sdk := new(mocks.Client)
		sdk.On("DescribeWorkflowExecution", ctx, "settlement-"+testHash, "").Return(
			&workflowservice.DescribeWorkflowExecutionResponse{
				WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{
					Execution: &commonpb.WorkflowExecution{WorkflowId: "settlement-" + testHash, RunId: "run-1"},
					Status:    enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING,
					StartTime: timestamppb.New(started),
				},
			}, nil)

		exec, err := NewClientFromSDK(sdk, "default", "settlements", testLogger()).DescribeSettlement(ctx, testHash)

		require.NoError(t, err)
		assert.Equal(t, "run-1", exec.RunID)
		assert.Equal(t, enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING.String(), exec.Status)
		assert.Equal(t, started, exec.StartTime)
		assert.Nil(t, exec.CloseTime)
	})

	t.Run("not found", func(t *testing.T) {
		sdk := new(mocks.Client)
		sdk.On("DescribeWorkflowExecution", ctx, "settlement-"+testHash, "").
			Return(nil, serviceerror.NewNotFound("workflow not found"))

		_, err := NewClientFromSDK(sdk, "default", "settlements", testLogger()).DescribeSettlement(ctx, testHash)

		assert.True(t, settlement.IsKind(err, settlement.KindNotFound))
	})
}

func TestClient_ListSettlements(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	closed := started.Add(time.Minute)

	sdk := new(mocks.Client)
	sdk.On("ListWorkflow", ctx, mock.MatchedBy(func(req *workflowservice.ListWorkflowExecutionsRequest) bool {
		return req.GetNamespace() == "default" && req.GetPageSize() == 20
	})).Return(&workflowservice.ListWorkflowExecutionsResponse{
		Executions: []*workflowpb.WorkflowExecutionInfo{
			{
				Execution: &commonpb.WorkflowExecution{WorkflowId: "settlement-a", RunId: "run-a"},
				Status:    enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED,
				StartTime: timestamppb.New(started),
				CloseTime: timestamppb.New(closed),
			},
		},
	}, nil)

	execs, err := NewClientFromSDK(sdk, "default", "settlements", testLogger()).ListSettlements(ctx, 20)

	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "settlement-a", execs[0].WorkflowID)
	require.NotNil(t, execs[0].CloseTime)
	assert.Equal(t, closed, *execs[0].CloseTime)
}
