package consultation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/opd/pkg/pagination"
)

// JournalStatus is the state of one completion attempt.
type JournalStatus string

const (
	JournalPending   JournalStatus = "pending"
	JournalCompleted JournalStatus = "completed"
	JournalFailed    JournalStatus = "failed"
	JournalAbandoned JournalStatus = "abandoned"
)

// JournalEntry is the pending-completion marker of one attempt and, once
// finished, its outcome.
type JournalEntry struct {
	ID            uuid.UUID            `json:"id"`
	AppointmentID int64                `json:"appointment_id"`
	Status        JournalStatus        `json:"status"`
	Step          Step                 `json:"step,omitempty"`
	Error         string               `json:"error,omitempty"`
	Compensations []CompensationResult `json:"compensations,omitempty"`
	Orphaned      []string             `json:"orphaned,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    *time.Time           `json:"finished_at,omitempty"`
}

// Journal persists completion attempts. At most one pending entry exists per
// appointment; a pending entry older than the lease no longer blocks a new
// attempt and is marked abandoned. Finish only closes pending entries.
type Journal interface {
	Begin(ctx context.Context, appointmentID int64, lease time.Duration) (*JournalEntry, error)
	MarkStep(ctx context.Context, id uuid.UUID, step Step) error
	Finish(ctx context.Context, e *JournalEntry) error
	ListByAppointment(ctx context.Context, appointmentID int64, limit, offset int) ([]*JournalEntry, int, error)
	ExpirePending(ctx context.Context, startedBefore time.Time) ([]*JournalEntry, error)
}

// MemoryJournal is an in-process Journal for development and tests.
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*JournalEntry
	now     func() time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[uuid.UUID]*JournalEntry), now: time.Now}
}

func (j *MemoryJournal) Begin(_ context.Context, appointmentID int64, lease time.Duration) (*JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().UTC()
	for _, e := range j.entries {
		if e.AppointmentID != appointmentID || e.Status != JournalPending {
			continue
		}
		if now.Sub(e.StartedAt) < lease {
			return nil, ErrCompletionInFlight
		}
		e.Status = JournalAbandoned
		e.FinishedAt = &now
	}

	e := &JournalEntry{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		Status:        JournalPending,
		StartedAt:     now,
	}
	j.entries[e.ID] = e
	out := *e
	return &out, nil
}

func (j *MemoryJournal) MarkStep(_ context.Context, id uuid.UUID, step Step) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.entries[id]
	if !ok {
		return fmt.Errorf("journal entry %s: %w", id, ErrNotFound)
	}
	e.Step = step
	return nil
}

func (j *MemoryJournal) Finish(_ context.Context, in *JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.entries[in.ID]
	if !ok {
		return fmt.Errorf("journal entry %s: %w", in.ID, ErrNotFound)
	}
	if e.Status != JournalPending {
		return fmt.Errorf("journal entry %s is %s: %w", in.ID, e.Status, ErrEntryNotPending)
	}
	now := j.now().UTC()
	e.Status = in.Status
	e.Step = in.Step
	e.Error = in.Error
	e.Compensations = in.Compensations
	e.Orphaned = in.Orphaned
	e.FinishedAt = &now
	in.FinishedAt = &now
	return nil
}

func (j *MemoryJournal) ListByAppointment(_ context.Context, appointmentID int64, limit, offset int) ([]*JournalEntry, int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var matched []*JournalEntry
	for _, e := range j.entries {
		if e.AppointmentID == appointmentID {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		return matched[a].StartedAt.After(matched[b].StartedAt)
	})

	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	start, end := pagination.Params{Limit: limit, Offset: max(offset, 0)}.Window(len(matched))
	return matched[start:end], len(matched), nil
}

func (j *MemoryJournal) ExpirePending(_ context.Context, startedBefore time.Time) ([]*JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().UTC()
	var expired []*JournalEntry
	for _, e := range j.entries {
		if e.Status == JournalPending && e.StartedAt.Before(startedBefore) {
			e.Status = JournalAbandoned
			e.FinishedAt = &now
			cp := *e
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}
