package engine

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kriegcloud/kgforge/errors"
)

func TestNewExecution(t *testing.T) {
	tests := []struct {
		name     string
		workflow string
		batchID  string
		totalOps int
		wantErr  bool
	}{
		{
			name:     "batch ingest workflow",
			workflow: "batch.ingest",
			batchID:  "bt_quarterly-filings",
			totalOps: 240,
			wantErr:  false,
		},
		{
			name:     "missing workflow",
			workflow: "",
			batchID:  "bt_quarterly-filings",
			wantErr:  true,
		},
		{
			name:     "missing batch id",
			workflow: "batch.ingest",
			batchID:  "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(map[string]interface{}{"documents": 12})
			if err != nil {
				t.Fatalf("Failed to marshal payload: %v", err)
			}

			e, err := NewExecution(tt.workflow, tt.batchID, payload, tt.totalOps)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExecution() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			if e.ID == "" {
				t.Error("Execution ID should be generated")
			}
			if !strings.HasPrefix(e.ID, "ex_") {
				t.Errorf("Execution ID prefix = %s, want 'ex_'", e.ID[:3])
			}
			if e.Status != StatusQueued {
				t.Errorf("Status = %v, want %v", e.Status, StatusQueued)
			}
			if e.Workflow != tt.workflow {
				t.Errorf("Workflow = %v, want %v", e.Workflow, tt.workflow)
			}
			if e.Progress.Total != tt.totalOps {
				t.Errorf("Progress.Total = %v, want %v", e.Progress.Total, tt.totalOps)
			}
			if e.Attempts != 0 {
				t.Errorf("Attempts = %v, want 0", e.Attempts)
			}
		})
	}
}

func TestExecutionIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewExecutionID()
		if seen[id] {
			t.Fatalf("Duplicate execution ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestExecutionStateTransitions(t *testing.T) {
	e, err := NewExecution("batch.ingest", "bt_transitions", nil, 10)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}

	// queued -> running
	if e.Status != StatusQueued {
		t.Errorf("Initial status = %v, want %v", e.Status, StatusQueued)
	}
	e.Start()
	if e.Status != StatusRunning {
		t.Errorf("After Start(), status = %v, want %v", e.Status, StatusRunning)
	}
	if e.StartedAt == nil {
		t.Error("After Start(), StartedAt should be set")
	}

	// running -> suspended
	e.Suspend("operator interrupt")
	if e.Status != StatusSuspended {
		t.Errorf("After Suspend(), status = %v, want %v", e.Status, StatusSuspended)
	}
	if e.SuspendReason != "operator interrupt" {
		t.Errorf("SuspendReason = %q, want %q", e.SuspendReason, "operator interrupt")
	}

	// suspended -> queued (resume re-queues; a worker restarts the workflow
	// from its journal checkpoint rather than jumping straight to running)
	e.Resume()
	if e.Status != StatusQueued {
		t.Errorf("After Resume(), status = %v, want %v", e.Status, StatusQueued)
	}
	if e.SuspendReason != "" {
		t.Errorf("After Resume(), SuspendReason = %q, want empty", e.SuspendReason)
	}

	// queued -> running -> completed
	e.Start()
	e.Complete()
	if e.Status != StatusCompleted {
		t.Errorf("After Complete(), status = %v, want %v", e.Status, StatusCompleted)
	}
	if e.CompletedAt == nil {
		t.Error("After Complete(), CompletedAt should be set")
	}
	if !e.Status.IsTerminal() {
		t.Error("Completed status should be terminal")
	}
}

func TestExecutionFailure(t *testing.T) {
	e, err := NewExecution("batch.ingest", "bt_failure", nil, 5)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}

	e.Start()
	e.Fail(errors.New("all documents failed extraction"), ErrKindValidation)

	if e.Status != StatusFailed {
		t.Errorf("After Fail(), status = %v, want %v", e.Status, StatusFailed)
	}
	if e.Error != "all documents failed extraction" {
		t.Errorf("Error = %q, want the failure message", e.Error)
	}
	if e.ErrorKind != string(ErrKindValidation) {
		t.Errorf("ErrorKind = %q, want %q", e.ErrorKind, ErrKindValidation)
	}
	if e.CompletedAt == nil {
		t.Error("After Fail(), CompletedAt should be set")
	}
}

func TestExecutionScheduleRetry(t *testing.T) {
	e, err := NewExecution("batch.ingest", "bt_retry", nil, 5)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	e.Start()

	at := time.Now().Add(30 * time.Second)
	e.ScheduleRetry(errors.New("provider timeout"), ErrKindTimeout, at)

	if e.Status != StatusQueued {
		t.Errorf("After ScheduleRetry(), status = %v, want %v", e.Status, StatusQueued)
	}
	if e.Attempts != 1 {
		t.Errorf("Attempts = %v, want 1", e.Attempts)
	}
	if e.NextAttemptAt == nil {
		t.Fatal("NextAttemptAt should be set")
	}
	if !e.NextAttemptAt.Equal(at.UTC()) {
		t.Errorf("NextAttemptAt = %v, want %v", e.NextAttemptAt, at.UTC())
	}
	if e.Error != "provider timeout" {
		t.Errorf("Error = %q, want the failure message preserved", e.Error)
	}
}

func TestProgressPercentage(t *testing.T) {
	e, err := NewExecution("batch.ingest", "bt_progress", nil, 60)
	if err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}

	if e.Progress.Percentage() != 0 {
		t.Errorf("Initial percentage = %v, want 0", e.Progress.Percentage())
	}

	e.UpdateProgress(15)
	if e.Progress.Percentage() != 25.0 {
		t.Errorf("Percentage = %v, want 25.0", e.Progress.Percentage())
	}

	e.UpdateProgress(60)
	if e.Progress.Percentage() != 100.0 {
		t.Errorf("Percentage = %v, want 100.0", e.Progress.Percentage())
	}

	// Zero total never divides by zero
	zero := Progress{Current: 5, Total: 0}
	if zero.Percentage() != 0 {
		t.Errorf("Zero-total percentage = %v, want 0", zero.Percentage())
	}
}

func TestStatusValidity(t *testing.T) {
	valid := []string{"queued", "running", "suspended", "completed", "failed", "cancelled"}
	for _, s := range valid {
		if !IsValidStatus(s) {
			t.Errorf("IsValidStatus(%q) = false, want true", s)
		}
	}

	invalid := []string{"", "paused", "scheduled", "QUEUED", "done"}
	for _, s := range invalid {
		if IsValidStatus(s) {
			t.Errorf("IsValidStatus(%q) = true, want false", s)
		}
	}

	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	active := []Status{StatusQueued, StatusRunning, StatusSuspended}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  ErrorKind
		retryable bool
	}{
		{
			name:      "sentinel not found",
			err:       errors.NewNotFoundError("ontology %s", "onto-1"),
			wantKind:  ErrKindNotFound,
			retryable: false,
		},
		{
			name:      "sentinel invalid request",
			err:       errors.NewInvalidRequestError("manifest missing namespace"),
			wantKind:  ErrKindValidation,
			retryable: false,
		},
		{
			name:      "rate limit by message",
			err:       errors.New("openai: status 429 Too Many Requests"),
			wantKind:  ErrKindRateLimited,
			retryable: true,
		},
		{
			name:      "timeout by message",
			err:       errors.New("context deadline exceeded while calling provider"),
			wantKind:  ErrKindTimeout,
			retryable: true,
		},
		{
			name:      "connection refused",
			err:       errors.New("dial tcp 127.0.0.1:7687: connection refused"),
			wantKind:  ErrKindNetwork,
			retryable: true,
		},
		{
			name:      "shacl violation",
			err:       errors.New("shacl validation reported 3 violations"),
			wantKind:  ErrKindValidation,
			retryable: false,
		},
		{
			name:      "json parse",
			err:       errors.New("failed to unmarshal extraction response"),
			wantKind:  ErrKindParse,
			retryable: false,
		},
		{
			name:      "database locked",
			err:       errors.New("database is locked"),
			wantKind:  ErrKindDatabase,
			retryable: false,
		},
		{
			name:      "provider overloaded",
			err:       errors.New("upstream returned status 503: overloaded"),
			wantKind:  ErrKindProvider,
			retryable: true,
		},
		{
			name:      "unknown defect",
			err:       errors.New("index out of range"),
			wantKind:  ErrKindInternal,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := Classify(tt.err, "extracting")
			if ec.Kind != tt.wantKind {
				t.Errorf("Classify() kind = %v, want %v", ec.Kind, tt.wantKind)
			}
			if ec.Retryable != tt.retryable {
				t.Errorf("Classify() retryable = %v, want %v", ec.Retryable, tt.retryable)
			}
			if ec.Stage != "extracting" {
				t.Errorf("Classify() stage = %q, want %q", ec.Stage, "extracting")
			}
			if ec.Message == "" {
				t.Error("Classify() message should carry the error text")
			}
		})
	}
}

func TestForcedRetry(t *testing.T) {
	base := errors.New("deterministic-looking failure")
	forced := NewRetryableError("ingesting", base)

	re, ok := IsForcedRetry(forced)
	if !ok {
		t.Fatal("IsForcedRetry should detect a RetryableError")
	}
	if re.Stage != "ingesting" {
		t.Errorf("Stage = %q, want %q", re.Stage, "ingesting")
	}
	if !errors.Is(forced, base) {
		t.Error("RetryableError should unwrap to the underlying error")
	}

	wrapped := errors.Wrap(forced, "stage failed")
	if _, ok := IsForcedRetry(wrapped); !ok {
		t.Error("IsForcedRetry should find a RetryableError through wrapping")
	}

	if _, ok := IsForcedRetry(base); ok {
		t.Error("IsForcedRetry should not trigger on a plain error")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 4 * time.Second, Cap: 16 * time.Second}

	// Equal jitter keeps each delay within [backoff/2, backoff]
	bounds := []struct {
		attempt int
		backoff time.Duration
	}{
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 16 * time.Second}, // capped
		{9, 16 * time.Second}, // stays capped
	}

	for _, b := range bounds {
		for i := 0; i < 20; i++ {
			d := p.Delay(b.attempt)
			if d < b.backoff/2 || d > b.backoff {
				t.Fatalf("Delay(attempt=%d) = %v, want within [%v, %v]",
					b.attempt, d, b.backoff/2, b.backoff)
			}
		}
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Second, Cap: time.Minute}

	if p.Exhausted(1) || p.Exhausted(2) {
		t.Error("Policy should allow attempts below the maximum")
	}
	if !p.Exhausted(3) {
		t.Error("Policy should be exhausted at the maximum attempt count")
	}
	if !p.Exhausted(4) {
		t.Error("Policy should stay exhausted beyond the maximum")
	}

	// Zero-valued policy falls back to defaults instead of retrying forever
	var zero RetryPolicy
	if !zero.Exhausted(DefaultRetryPolicy().MaxAttempts) {
		t.Error("Zero policy should inherit the default attempt ceiling")
	}
	if zero.Delay(1) <= 0 {
		t.Error("Zero policy should still produce a positive delay")
	}
}
