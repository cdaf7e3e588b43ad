package consultation

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Reconciler tracks in-session lab test edits against the orders already on
// file and turns them into the minimal set of creates and deletes.
// A Reconciler belongs to one completion run and is not safe for concurrent
// mutation.
type Reconciler struct {
	prescribed []LabOrder
	added      []LabOrder
	toDelete   []LabOrder
}

// NewReconciler starts a session from the persisted lab orders.
func NewReconciler(prescribed []LabOrder) *Reconciler {
	return &Reconciler{prescribed: append([]LabOrder(nil), prescribed...)}
}

func sameTestName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (r *Reconciler) hasTestNamed(name string) bool {
	for _, o := range r.prescribed {
		if sameTestName(o.TestName, name) {
			return true
		}
	}
	for _, o := range r.added {
		if sameTestName(o.TestName, name) {
			return true
		}
	}
	return false
}

// AddTest stages a catalog test for creation. The display name is the
// uniqueness key: a test already prescribed or staged is ignored and false
// is returned.
func (r *Reconciler) AddTest(t LabTest) bool {
	if strings.TrimSpace(t.Name) == "" || r.hasTestNamed(t.Name) {
		return false
	}
	r.added = append(r.added, LabOrder{LabTestID: t.ID, TestName: t.Name, Status: LabOrderPending})
	return true
}

// RemovePrescribed moves a persisted order into the delete-on-commit set.
// Nothing is sent to the backing store until Commit.
func (r *Reconciler) RemovePrescribed(orderID int64) bool {
	for i, o := range r.prescribed {
		if o.ID == orderID {
			r.prescribed = append(r.prescribed[:i:i], r.prescribed[i+1:]...)
			r.toDelete = append(r.toDelete, o)
			return true
		}
	}
	return false
}

// RemoveAdded drops a staged test that was never persisted.
func (r *Reconciler) RemoveAdded(testName string) bool {
	for i, o := range r.added {
		if sameTestName(o.TestName, testName) {
			r.added = append(r.added[:i:i], r.added[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Reconciler) Prescribed() []LabOrder { return append([]LabOrder(nil), r.prescribed...) }
func (r *Reconciler) Added() []LabOrder      { return append([]LabOrder(nil), r.added...) }
func (r *Reconciler) ToDelete() []LabOrder   { return append([]LabOrder(nil), r.toDelete...) }

// HasChanges reports whether Commit would issue any operation.
func (r *Reconciler) HasChanges() bool {
	return len(r.added) > 0 || len(r.toDelete) > 0
}

// AddedNames returns the display names of the staged tests.
func (r *Reconciler) AddedNames() []string {
	names := make([]string, 0, len(r.added))
	for _, o := range r.added {
		names = append(names, o.TestName)
	}
	return names
}

// CommitResult records the operations that actually succeeded, including
// those of a commit that failed overall.
type CommitResult struct {
	Deleted []LabOrder
	Created []LabOrder
}

// Commit issues every staged deletion, then every staged creation. Each batch
// runs concurrently and is awaited as a whole; a failure anywhere in a batch
// fails the commit and a failed deletion batch stops the creations. Nothing
// already applied is reverted here.
func (r *Reconciler) Commit(ctx context.Context, store LabOrderStore, patientID, appointmentID int64) (CommitResult, error) {
	var res CommitResult

	deleted, err := runBatch(ctx, r.toDelete, func(ctx context.Context, o LabOrder) (LabOrder, error) {
		if err := store.DeleteLabOrder(ctx, o.ID); err != nil {
			return o, &LabOrderError{Op: "delete", TestName: o.TestName, Err: err}
		}
		return o, nil
	})
	res.Deleted = deleted
	if err != nil {
		return res, err
	}

	created, err := runBatch(ctx, r.added, func(ctx context.Context, o LabOrder) (LabOrder, error) {
		o.PatientID = patientID
		o.AppointmentID = appointmentID
		if o.Status == "" {
			o.Status = LabOrderPending
		}
		out, err := store.CreateLabOrder(ctx, o)
		if err != nil {
			return o, &LabOrderError{Op: "create", TestName: o.TestName, Err: err}
		}
		if out == nil {
			return o, &LabOrderError{Op: "create", TestName: o.TestName, Err: ErrEmptyResponse}
		}
		return *out, nil
	})
	res.Created = created
	return res, err
}

// runBatch applies op to every order concurrently and waits for all of them.
// It returns the results of the successful calls in input order and every
// error combined.
func runBatch(ctx context.Context, orders []LabOrder, op func(context.Context, LabOrder) (LabOrder, error)) ([]LabOrder, error) {
	if len(orders) == 0 {
		return nil, nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	results := make([]*LabOrder, len(orders))
	for i, o := range orders {
		i, o := i, o
		g.Go(func() error {
			out, err := op(ctx, o)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return err
			}
			results[i] = &out
			return nil
		})
	}
	waitErr := g.Wait()

	done := make([]LabOrder, 0, len(orders))
	for _, r := range results {
		if r != nil {
			done = append(done, *r)
		}
	}
	if waitErr != nil {
		// Wait reports the first failure; errs carries all of them.
		return done, errs
	}
	return done, nil
}
