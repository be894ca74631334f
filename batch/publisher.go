package batch

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/kriegcloud/kgforge/errors"
	"github.com/kriegcloud/kgforge/events"
	"github.com/kriegcloud/kgforge/store"
)

// StateKeyPrefix is the object-store prefix batch state snapshots live
// under, keyed by execution id.
const StateKeyPrefix = "batchstate/"

// StateKey returns the object-store key for an execution's state
// snapshot.
func StateKey(executionID string) string {
	return StateKeyPrefix + executionID
}

// StatePublisher persists BatchState snapshots and announces them to
// event subscribers. Writes are doubly guarded: a snapshot whose
// UpdatedAt is not strictly newer than the stored one is dropped, and the
// store write is conditional on the generation read, so a replayed stage
// cannot clobber newer state.
type StatePublisher struct {
	store  store.Store
	events events.Publisher
	logger *zap.SugaredLogger
}

// NewStatePublisher creates a publisher. A nil events publisher disables
// fan-out; a nil logger falls back to nop.
func NewStatePublisher(st store.Store, pub events.Publisher, logger *zap.SugaredLogger) *StatePublisher {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StatePublisher{
		store:  st,
		events: pub,
		logger: logger.Named("batch.publisher"),
	}
}

// EmitState stores and announces a state snapshot. Stale snapshots are
// dropped without error. A concurrent writer surfaces as
// *store.GenerationMismatchError; the caller decides what a conflict
// means, the publisher never retries.
func (p *StatePublisher) EmitState(ctx context.Context, state *BatchState) error {
	key := StateKey(state.ExecutionID)

	raw, generation, found, err := p.store.GetWithGeneration(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "failed to read stored state for %s", state.ExecutionID)
	}
	if found {
		var stored BatchState
		if err := json.Unmarshal(raw, &stored); err != nil {
			// An unreadable snapshot is replaced rather than defended.
			p.logger.Warnw("Replacing unreadable state snapshot",
				"execution_id", state.ExecutionID,
				"error", err.Error())
		} else if !state.UpdatedAt.After(stored.UpdatedAt) {
			p.logger.Debugw("Dropping stale state publish",
				"execution_id", state.ExecutionID,
				"stage", string(state.Stage),
				"stored_stage", string(stored.Stage))
			return nil
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "failed to marshal batch state")
	}
	if err := p.store.SetIfGenerationMatch(ctx, key, data, generation); err != nil {
		return errors.Wrapf(err, "failed to store state for %s", state.ExecutionID)
	}

	p.announce(ctx, state)
	return nil
}

// LoadState reads the stored snapshot for an execution.
func (p *StatePublisher) LoadState(ctx context.Context, executionID string) (*BatchState, bool, error) {
	raw, found, err := p.store.Get(ctx, StateKey(executionID))
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to load state for %s", executionID)
	}
	if !found {
		return nil, false, nil
	}
	var state BatchState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, errors.Wrapf(err, "corrupt state snapshot for %s", executionID)
	}
	return &state, true, nil
}

// ListExecutionIDs returns every execution id with a stored snapshot,
// sorted ascending.
func (p *StatePublisher) ListExecutionIDs(ctx context.Context) ([]string, error) {
	keys, err := p.store.List(ctx, StateKeyPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list state snapshots")
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, StateKeyPrefix))
	}
	return ids, nil
}

// announce fans the snapshot out to event subscribers. Event delivery is
// fire-and-forget and never propagates failures.
func (p *StatePublisher) announce(ctx context.Context, state *BatchState) {
	data := map[string]interface{}{
		"stage":               string(state.Stage),
		"updated_at":          state.UpdatedAt,
		"documents_succeeded": state.SucceededCount(),
		"documents_failed":    state.FailedCount(),
	}
	if state.Error != "" {
		data["error"] = state.Error
	}
	p.events.Publish(ctx, events.New(events.TypeBatchState, state.BatchID, state.ExecutionID, data))

	switch state.Stage {
	case StageComplete:
		summary := map[string]interface{}{}
		if state.Stats != nil {
			summary["stats"] = state.Stats
		}
		p.events.Publish(ctx, events.New(events.TypeBatchCompleted, state.BatchID, state.ExecutionID, summary))
	case StageFailed:
		p.events.Publish(ctx, events.New(events.TypeBatchFailed, state.BatchID, state.ExecutionID, map[string]interface{}{
			"error":                 state.Error,
			"failed_in_stage":       string(state.FailedInStage),
			"last_successful_stage": string(state.LastSuccessfulStage),
		}))
	}
}
