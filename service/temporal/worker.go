package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/agrosettle/service/metrics"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	// Temporal connection settings
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Dependencies
	Stages  Stages
	Metrics *metrics.Metrics // Optional: if nil, no metrics will be recorded
	Logger  *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker creates and configures a new Temporal worker.
// The worker will process settlement workflows and activities on the configured task queue.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Stages == nil {
		return nil, fmt.Errorf("worker requires settlement stages")
	}

	logger := config.Logger.With("component", "temporal_worker")

	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)

	// Connect to Temporal
	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	// Mints run one at a time per settlement; the limits bound concurrent settlements.
	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     10,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	register(w, NewActivities(config.Stages, config.Metrics, logger))
	logger.Info("registered settlement workflow and activities",
		"workflow", SettlementWorkflowName,
		"activities", activityNames,
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
	}, nil
}

var activityNames = []string{
	"PrepareSettlement",
	"VerifyPayment",
	"PlanDistribution",
	"ExecuteMints",
	"RecordSettlement",
	"PublishSettlement",
}

// registrar is the subset of worker.Worker used for registration; the test
// environment satisfies it too.
type registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// register binds the settlement workflow and its activities by name,
// matching the ExecuteActivity calls in the workflow.
func register(r registrar, activities *Activities) {
	r.RegisterWorkflowWithOptions(SettlementWorkflow, workflow.RegisterOptions{Name: SettlementWorkflowName})
	r.RegisterActivityWithOptions(activities.PrepareSettlement, activity.RegisterOptions{Name: "PrepareSettlement"})
	r.RegisterActivityWithOptions(activities.VerifyPayment, activity.RegisterOptions{Name: "VerifyPayment"})
	r.RegisterActivityWithOptions(activities.PlanDistribution, activity.RegisterOptions{Name: "PlanDistribution"})
	r.RegisterActivityWithOptions(activities.ExecuteMints, activity.RegisterOptions{Name: "ExecuteMints"})
	r.RegisterActivityWithOptions(activities.RecordSettlement, activity.RegisterOptions{Name: "RecordSettlement"})
	r.RegisterActivityWithOptions(activities.PublishSettlement, activity.RegisterOptions{Name: "PublishSettlement"})
}

// Start begins processing workflows and activities.
// This method blocks until Stop is called or an error occurs.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	err := w.worker.Run(worker.InterruptCh())
	if err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	w.client.Close()
	w.logger.Info("temporal worker stopped")
}
