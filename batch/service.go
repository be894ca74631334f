package batch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/logger"
)

// defaultPollInterval paces Wait's status checks.
const defaultPollInterval = 250 * time.Millisecond

// Service is the public batch surface: submit a manifest, poll or wait
// for its execution, interrupt, pause, resume, and list.
type Service struct {
	queue        *engine.Queue
	publisher    *StatePublisher
	logger       *zap.SugaredLogger
	pollInterval time.Duration
}

// NewService creates the batch service. A nil logger falls back to nop.
func NewService(queue *engine.Queue, publisher *StatePublisher, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		queue:        queue,
		publisher:    publisher,
		logger:       log.Named("batch.service"),
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the Wait polling cadence. Tests shorten it.
func (s *Service) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Start validates the manifest and enqueues its workflow execution,
// returning the execution id to poll on. The id derives from the batch
// id and the manifest's idempotency key, so resubmitting the same
// content lands on the existing execution: suspended ones resume,
// anything else is simply returned. An empty batchID gets a fresh id.
func (s *Service) Start(ctx context.Context, m *BatchManifest, batchID string) (string, error) {
	if m == nil {
		return "", errors.New("manifest is required")
	}
	if err := m.Validate(); err != nil {
		return "", errors.Wrap(err, "invalid manifest")
	}
	if batchID == "" {
		batchID = NewBatchID()
	}

	executionID := DeriveExecutionID(batchID, m)

	existing, err := s.queue.GetExecution(executionID)
	if err != nil && !errors.IsNotFoundError(err) {
		return "", errors.Wrapf(err, "failed to look up execution %s", executionID)
	}
	if existing != nil {
		if existing.Status == engine.StatusSuspended {
			if err := s.queue.ResumeExecution(executionID); err != nil {
				return "", errors.Wrapf(err, "failed to resume execution %s", executionID)
			}
			s.logger.Infow("Resumed suspended execution for resubmitted batch",
				logger.FieldBatchID, batchID,
				logger.FieldExecutionID, executionID)
			return executionID, nil
		}
		s.logger.Infow("Batch already submitted, reusing execution",
			logger.FieldBatchID, batchID,
			logger.FieldExecutionID, executionID,
			logger.FieldStatus, string(existing.Status))
		return executionID, nil
	}

	j := NewJournal(batchID, executionID, m)
	payload, err := EncodeJournal(j)
	if err != nil {
		return "", err
	}

	e, err := engine.NewExecutionWithID(executionID, WorkflowName, batchID, payload, len(m.Documents))
	if err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(e); err != nil {
		// A concurrent submitter may have won the insert race; the
		// deterministic id makes that a success, not a conflict.
		if raced, gerr := s.queue.GetExecution(executionID); gerr == nil && raced != nil {
			return executionID, nil
		}
		return "", err
	}

	if err := s.publisher.EmitState(ctx, j.State); err != nil {
		s.logger.Warnw("Failed to publish initial state",
			logger.FieldExecutionID, executionID,
			logger.FieldError, err.Error())
	}

	s.logger.Infow("Batch submitted",
		logger.FieldBatchID, batchID,
		logger.FieldExecutionID, executionID,
		"documents", len(m.Documents),
		"ontology", m.Ontology.URI)
	return executionID, nil
}

// PollResult is one observation of an execution and its state snapshot.
// State is nil when no snapshot has been published yet.
type PollResult struct {
	ExecutionID   string
	BatchID       string
	Status        engine.Status
	State         *BatchState
	SuspendReason string
	Error         string
}

// Running reports whether the execution is still making progress.
func (p *PollResult) Running() bool {
	return p.Status == engine.StatusQueued || p.Status == engine.StatusRunning
}

// Suspended reports whether the execution is parked awaiting Resume.
func (p *PollResult) Suspended() bool {
	return p.Status == engine.StatusSuspended
}

// Done reports whether the execution reached a terminal status.
func (p *PollResult) Done() bool {
	return p.Status.IsTerminal()
}

// Poll returns the execution's current status and stored state snapshot.
func (s *Service) Poll(ctx context.Context, executionID string) (*PollResult, error) {
	e, err := s.queue.GetExecution(executionID)
	if err != nil {
		return nil, err
	}

	state, _, err := s.publisher.LoadState(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return &PollResult{
		ExecutionID:   e.ID,
		BatchID:       e.BatchID,
		Status:        e.Status,
		State:         state,
		SuspendReason: e.SuspendReason,
		Error:         e.Error,
	}, nil
}

// StartAndWait submits the batch and blocks until its execution settles.
func (s *Service) StartAndWait(ctx context.Context, m *BatchManifest, batchID string) (*BatchState, error) {
	executionID, err := s.Start(ctx, m, batchID)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, executionID)
}

// Wait blocks until the execution leaves the active statuses. It returns
// the final state snapshot; for anything but completion the error says
// what happened, with ErrSuspended identifiable for suspensions.
func (s *Service) Wait(ctx context.Context, executionID string) (*BatchState, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		res, err := s.Poll(ctx, executionID)
		if err != nil {
			return nil, err
		}

		switch res.Status {
		case engine.StatusCompleted:
			return res.State, nil
		case engine.StatusFailed:
			return res.State, errors.Newf("execution %s failed: %s", executionID, res.Error)
		case engine.StatusSuspended:
			return res.State, errors.Wrapf(errors.ErrSuspended,
				"execution %s suspended: %s", executionID, res.SuspendReason)
		case engine.StatusCancelled:
			return res.State, errors.Newf("execution %s cancelled: %s", executionID, res.Error)
		}

		select {
		case <-ctx.Done():
			return res.State, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Interrupt cancels a non-terminal execution. The workflow observes the
// cancellation at its next stage boundary and stops without failing the
// batch state.
func (s *Service) Interrupt(ctx context.Context, executionID string) error {
	if err := s.queue.CancelExecution(executionID, "interrupted"); err != nil {
		return err
	}
	s.logger.Infow("Execution interrupted", logger.FieldExecutionID, executionID)
	return nil
}

// Pause suspends an active execution after its current stage. Resume
// picks it back up from the journal checkpoint.
func (s *Service) Pause(ctx context.Context, executionID string) error {
	if err := s.queue.SuspendExecution(executionID, "paused by operator"); err != nil {
		return err
	}
	s.logger.Infow("Execution paused", logger.FieldExecutionID, executionID)
	return nil
}

// Resume re-queues a suspended execution.
func (s *Service) Resume(ctx context.Context, executionID string) error {
	if err := s.queue.ResumeExecution(executionID); err != nil {
		return err
	}
	s.logger.Infow("Execution resumed", logger.FieldExecutionID, executionID)
	return nil
}

// BatchSummary pairs an execution row with its stored state snapshot.
type BatchSummary struct {
	Execution *engine.Execution `json:"execution"`
	State     *BatchState       `json:"state,omitempty"`
}

// List returns recent batch executions, newest first, with whatever
// state snapshots exist. Limit <= 0 defaults to 50.
func (s *Service) List(ctx context.Context, limit int) ([]BatchSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	execs, err := s.queue.ListExecutions(nil, limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]BatchSummary, 0, len(execs))
	for _, e := range execs {
		if e.Workflow != WorkflowName {
			continue
		}
		state, _, err := s.publisher.LoadState(ctx, e.ID)
		if err != nil {
			s.logger.Warnw("Failed to load state snapshot",
				logger.FieldExecutionID, e.ID,
				logger.FieldError, err.Error())
		}
		summaries = append(summaries, BatchSummary{Execution: e, State: state})
	}
	return summaries, nil
}

// Get returns one batch execution with its state snapshot.
func (s *Service) Get(ctx context.Context, executionID string) (*BatchSummary, error) {
	e, err := s.queue.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	state, _, err := s.publisher.LoadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &BatchSummary{Execution: e, State: state}, nil
}
