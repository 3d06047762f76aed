package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/agrosettle/service/settlement"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
)

// Client submits settlements to Temporal and waits for their outcome.
type Client struct {
	client    client.Client
	namespace string
	taskQueue string
	logger    *slog.Logger
}

// SettlementExecution summarizes one settlement workflow run.
type SettlementExecution struct {
	WorkflowID string     `json:"workflow_id"`
	RunID      string     `json:"run_id"`
	Status     string     `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	CloseTime  *time.Time `json:"close_time,omitempty"`
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return NewClientFromSDK(c, namespace, taskQueue, logger), nil
}

// NewClientFromSDK wraps an existing SDK client.
func NewClientFromSDK(c client.Client, namespace, taskQueue string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:    c,
		namespace: namespace,
		taskQueue: taskQueue,
		logger:    logger,
	}
}

// Settle runs a settlement workflow for req and blocks until it finishes.
// The workflow ID is derived from the payment hash, so a payment that is
// already settled or still settling is rejected as a conflict.
func (c *Client) Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error) {
	id := settlementWorkflowID(req.TransactionHash)

	c.logger.Debug("starting settlement workflow",
		"workflow_id", id,
		"mode", req.Mode,
		"farm_id", req.FarmID,
		"investor_id", req.InvestorID,
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                c.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		WorkflowExecutionTimeout:                 30 * time.Minute,
	}, SettlementWorkflowName, req)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			c.logger.Info("settlement already started for payment", "workflow_id", id)
			return nil, &settlement.Error{
				Kind: settlement.KindConflict,
				Op:   "settle",
				Err:  fmt.Errorf("%w: %s", settlement.ErrAlreadySettled, req.TransactionHash),
			}
		}
		return nil, fmt.Errorf("failed to start settlement workflow: %w", err)
	}

	var result *settlement.Result
	if err := run.Get(ctx, &result); err != nil {
		c.logger.Warn("settlement workflow failed",
			"workflow_id", run.GetID(),
			"run_id", run.GetRunID(),
			"error", err,
		)
		return nil, fromApplicationError(err)
	}

	c.logger.Info("settlement workflow completed",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return result, nil
}

// ListSettlements returns recent settlement workflow runs, newest first.
func (c *Client) ListSettlements(ctx context.Context, pageSize int32) ([]SettlementExecution, error) {
	resp, err := c.client.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
		Namespace: c.namespace,
		PageSize:  pageSize,
		Query:     fmt.Sprintf("WorkflowType = '%s'", SettlementWorkflowName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement workflows: %w", err)
	}

	out := make([]SettlementExecution, 0, len(resp.GetExecutions()))
	for _, info := range resp.GetExecutions() {
		exec := SettlementExecution{
			WorkflowID: info.GetExecution().GetWorkflowId(),
			RunID:      info.GetExecution().GetRunId(),
			Status:     info.GetStatus().String(),
			StartTime:  info.GetStartTime().AsTime(),
		}
		if info.GetCloseTime() != nil {
			closed := info.GetCloseTime().AsTime()
			exec.CloseTime = &closed
		}
		out = append(out, exec)
	}
	return out, nil
}

// DescribeSettlement reports the latest run for a payment hash.
func (c *Client) DescribeSettlement(ctx context.Context, hash string) (*SettlementExecution, error) {
	resp, err := c.client.DescribeWorkflowExecution(ctx, settlementWorkflowID(hash), "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, &settlement.Error{
				Kind: settlement.KindNotFound,
				Op:   "describe settlement",
				Err:  fmt.Errorf("%w: no settlement workflow for %s", settlement.ErrTransactionNotFound, hash),
			}
		}
		return nil, fmt.Errorf("failed to describe settlement workflow: %w", err)
	}

	info := resp.GetWorkflowExecutionInfo()
	exec := &SettlementExecution{
		WorkflowID: info.GetExecution().GetWorkflowId(),
		RunID:      info.GetExecution().GetRunId(),
		Status:     info.GetStatus().String(),
		StartTime:  info.GetStartTime().AsTime(),
	}
	if info.GetCloseTime() != nil {
		closed := info.GetCloseTime().AsTime()
		exec.CloseTime = &closed
	}
	return exec, nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
