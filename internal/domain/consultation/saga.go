package consultation

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// CompensationResult is the outcome of one undo action.
type CompensationResult struct {
	Description string `json:"description"`
	Err         error  `json:"-"`
	Error       string `json:"error,omitempty"`
}

type undoAction struct {
	description string
	undo        func(ctx context.Context) error
}

// Saga records an undo action for every sub-step a completion commits so a
// later failure can reverse them, newest first, on a best-effort basis.
type Saga struct {
	actions  []undoAction
	orphaned []string
}

// Record appends an undo action.
func (s *Saga) Record(description string, undo func(ctx context.Context) error) {
	s.actions = append(s.actions, undoAction{description: description, undo: undo})
}

// RecordOrphan notes a side effect that cannot be undone, such as an upload
// to an endpoint without a delete operation.
func (s *Saga) RecordOrphan(description string) {
	s.orphaned = append(s.orphaned, description)
}

// RecordLabCommit registers the inverse of every lab order operation that
// succeeded: created orders are deleted, deleted orders are re-created.
func (s *Saga) RecordLabCommit(store LabOrderStore, res CommitResult) {
	for _, o := range res.Deleted {
		o := o
		s.Record(fmt.Sprintf("re-create lab order %q", o.TestName), func(ctx context.Context) error {
			recreated := o
			recreated.ID = 0
			_, err := store.CreateLabOrder(ctx, recreated)
			return err
		})
	}
	for _, o := range res.Created {
		o := o
		s.Record(fmt.Sprintf("delete lab order %q (#%d)", o.TestName, o.ID), func(ctx context.Context) error {
			return store.DeleteLabOrder(ctx, o.ID)
		})
	}
}

// Len returns the number of recorded undo actions.
func (s *Saga) Len() int { return len(s.actions) }

// Orphaned lists the side effects that cannot be compensated.
func (s *Saga) Orphaned() []string { return append([]string(nil), s.orphaned...) }

// Compensate runs every undo action in reverse order. All actions are
// attempted even when some fail; the combined error is returned alongside
// the per-action results.
func (s *Saga) Compensate(ctx context.Context) ([]CompensationResult, error) {
	results := make([]CompensationResult, 0, len(s.actions))
	var errs error
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		res := CompensationResult{Description: a.description}
		if err := a.undo(ctx); err != nil {
			res.Err = err
			res.Error = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", a.description, err))
		}
		results = append(results, res)
	}
	s.actions = nil
	return results, errs
}
