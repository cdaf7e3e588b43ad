package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultUploadFolder    = "prescriptions"
	DefaultCompletionLease = 15 * time.Minute

	// compensationTimeout bounds the undo phase, which runs detached from the
	// request context so a cancelled request still gets cleaned up.
	compensationTimeout = 30 * time.Second
)

// Options configures the completion workflow.
type Options struct {
	UploadFolder    string
	CompletionLease time.Duration
	Queue           QueueOptions
}

func (o Options) withDefaults() Options {
	if o.UploadFolder == "" {
		o.UploadFolder = DefaultUploadFolder
	}
	if o.CompletionLease <= 0 {
		o.CompletionLease = DefaultCompletionLease
	}
	o.Queue = o.Queue.withDefaults()
	return o
}

// Service sequences the consultation-completion workflow over the
// collaborator backend.
type Service struct {
	backend Backend
	loader  *Loader
	queue   *QueueBuilder
	stager  *Stager
	journal Journal
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(backend Backend, journal Journal, opts Options, logger zerolog.Logger) *Service {
	opts = opts.withDefaults()
	return &Service{
		backend: backend,
		loader:  NewLoader(backend, backend, backend, logger),
		queue:   NewQueueBuilder(backend, backend, opts.Queue, logger),
		stager:  NewStager(backend),
		journal: journal,
		opts:    opts,
		logger:  logger.With().Str("component", "completion").Logger(),
		now:     time.Now,
	}
}

// EncounterView is everything the completion screen shows for an encounter.
type EncounterView struct {
	*Encounter
	PrescribedLabOrders []LabOrder      `json:"prescribed_lab_orders"`
	Queue               *Queue          `json:"queue,omitempty"`
	Next                RoutingDecision `json:"next"`
}

// LoadEncounter resolves the encounter context of an appointment.
func (s *Service) LoadEncounter(ctx context.Context, appointmentID int64) (*Encounter, error) {
	return s.loader.Load(ctx, appointmentID)
}

// EncounterView loads the encounter, its lab orders on file and the waiting
// queue. The queue is informational; failing to build it is only logged.
func (s *Service) EncounterView(ctx context.Context, appointmentID int64) (*EncounterView, error) {
	enc, err := s.loader.Load(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	orders, err := s.backend.ListPrescribedLabOrders(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list lab orders of appointment %d: %w", appointmentID, err)
	}
	if orders == nil {
		orders = []LabOrder{}
	}

	view := &EncounterView{Encounter: enc, PrescribedLabOrders: orders, Next: BackToList}
	q, err := s.queue.Build(ctx, enc.Appointment.DoctorID, appointmentID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("appointment_id", appointmentID).Msg("waiting queue unavailable")
		return view, nil
	}
	view.Queue = q
	view.Next = q.Next()
	return view, nil
}

// Queue builds the waiting queue of the doctor owning the appointment.
func (s *Service) Queue(ctx context.Context, appointmentID int64) (*Queue, error) {
	appt, err := s.loader.LoadAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.queue.Build(ctx, appt.DoctorID, appt.ID)
}

// DoctorQueue builds a doctor's waiting queue without a current encounter.
func (s *Service) DoctorQueue(ctx context.Context, doctorID int64) (*Queue, error) {
	return s.queue.Build(ctx, doctorID, 0)
}

// LabCatalog lists the lab tests a clinician can add.
func (s *Service) LabCatalog(ctx context.Context) ([]LabTest, error) {
	return s.backend.ListLabCatalog(ctx)
}

// Completions lists the journaled completion attempts of an appointment.
func (s *Service) Completions(ctx context.Context, appointmentID int64, limit, offset int) ([]*JournalEntry, int, error) {
	return s.journal.ListByAppointment(ctx, appointmentID, limit, offset)
}

// Complete runs the consultation-completion workflow: lab order
// reconciliation, document upload and the terminal appointment update, in
// that order, each gated on the previous one. On success it returns the
// encounter summary and the next patient to route to.
func (s *Service) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if err := req.Draft.Validate(); err != nil {
		return nil, err
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f.Name) == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("files[%d]", i), Message: "file name is required"}
		}
	}

	appt, err := s.loader.LoadAppointment(ctx, req.AppointmentID)
	if err != nil {
		if IsValidation(err) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &StepError{Step: StepLoad, Err: err}
	}
	if len(req.Files) > 0 && appt.PatientID <= 0 {
		return nil, &ValidationError{Field: "patient_id", Message: "appointment has no patient to file documents under"}
	}

	prescribed, err := s.backend.ListPrescribedLabOrders(ctx, appt.ID)
	if err != nil {
		return nil, &StepError{Step: StepLoad, Err: fmt.Errorf("list lab orders: %w", err)}
	}
	rec := NewReconciler(prescribed)
	for _, id := range req.LabEdits.Removed {
		if !rec.RemovePrescribed(id) {
			return nil, &ValidationError{
				Field:   "lab_edits.removed",
				Message: fmt.Sprintf("lab order %d is not on file for appointment %d", id, appt.ID),
			}
		}
	}
	for _, t := range req.LabEdits.Added {
		if !rec.AddTest(t) {
			s.logger.Debug().Str("test", t.Name).Int64("appointment_id", appt.ID).Msg("lab test already ordered, skipped")
		}
	}

	entry, err := s.journal.Begin(ctx, appt.ID, s.opts.CompletionLease)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Int64("appointment_id", appt.ID).Str("completion_id", entry.ID.String()).Logger()
	run := &completionRun{svc: s, entry: entry, log: log}

	draft := req.Draft
	if rec.HasChanges() {
		run.mark(ctx, StepLabOrders)
		res, err := rec.Commit(ctx, s.backend, appt.PatientID, appt.ID)
		run.saga.RecordLabCommit(s.backend, res)
		if err != nil {
			return nil, run.fail(ctx, StepLabOrders, err, nil)
		}
		log.Info().Int("created", len(res.Created)).Int("deleted", len(res.Deleted)).Msg("lab orders reconciled")
	}

	if len(req.Files) > 0 {
		run.mark(ctx, StepDocuments)
		urls, err := s.stager.Stage(ctx, req.Files, appt.PatientID, s.opts.UploadFolder)
		for _, u := range urls {
			run.saga.RecordOrphan(u)
		}
		if err != nil {
			return nil, run.fail(ctx, StepDocuments, err, urls)
		}
		draft.References = append(append([]string(nil), draft.References...), urls...)
		log.Info().Int("documents", len(urls)).Msg("documents uploaded")
	}

	run.mark(ctx, StepAppointment)
	stored := MergeReferences(draft.References, nil)
	if err := s.backend.UpdateAppointment(ctx, appt.ID, CompletionUpdate(draft, stored)); err != nil {
		return nil, run.fail(ctx, StepAppointment, err, run.saga.Orphaned())
	}

	run.succeed(ctx)
	log.Info().Msg("consultation completed")

	result := &CompletionResult{
		CompletionID: entry.ID,
		Summary: Summary{
			AppointmentID: appt.ID,
			Diagnosis:     strings.TrimSpace(draft.Diagnosis),
			LabTestsAdded: rec.AddedNames(),
			FollowUp:      draft.FollowUpDetails,
			References:    SplitReferences(stored),
		},
		Next:        BackToList,
		CompletedAt: s.now().UTC(),
	}

	// The commit already succeeded, so a queue failure only costs the
	// automatic hand-off to the next patient.
	q, err := s.queue.Build(ctx, appt.DoctorID, appt.ID)
	if err != nil {
		log.Warn().Err(err).Msg("waiting queue unavailable, returning to list")
		return result, nil
	}
	result.Next = q.Next()
	return result, nil
}

// completionRun carries the journal entry and saga of one Complete call.
type completionRun struct {
	svc   *Service
	entry *JournalEntry
	saga  Saga
	log   zerolog.Logger
}

func (r *completionRun) mark(ctx context.Context, step Step) {
	r.entry.Step = step
	if err := r.svc.journal.MarkStep(ctx, r.entry.ID, step); err != nil {
		r.log.Warn().Err(err).Str("step", string(step)).Msg("journal step not recorded")
	}
}

// fail compensates every sub-step committed so far, journals the outcome and
// returns the StepError surfaced to the clinician.
func (r *completionRun) fail(ctx context.Context, step Step, cause error, uploaded []string) error {
	var ue *UploadError
	if errors.As(cause, &ue) {
		uploaded = ue.Uploaded
	}
	stepErr := &StepError{Step: step, Err: cause, Uploaded: uploaded}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	comps, cerr := r.saga.Compensate(cctx)
	stepErr.Compensations = comps

	evt := r.log.Error().Err(cause).Str("step", string(step)).Int("compensations", len(comps))
	if cerr != nil {
		evt = evt.AnErr("compensation_error", cerr)
	}
	evt.Strs("orphaned", r.saga.Orphaned()).Msg("consultation completion failed")

	r.entry.Status = JournalFailed
	r.entry.Step = step
	r.entry.Error = cause.Error()
	r.entry.Compensations = comps
	r.entry.Orphaned = r.saga.Orphaned()
	r.finish(cctx)
	return stepErr
}

func (r *completionRun) succeed(ctx context.Context) {
	r.entry.Status = JournalCompleted
	r.entry.Orphaned = nil
	r.finish(ctx)
}

func (r *completionRun) finish(ctx context.Context) {
	err := r.svc.journal.Finish(ctx, r.entry)
	switch {
	case err == nil:
	case errors.Is(err, ErrEntryNotPending):
		r.log.Warn().Err(err).Str("status", string(r.entry.Status)).Msg("completion outlived its lease, journal entry left as closed")
	default:
		r.log.Warn().Err(err).Str("status", string(r.entry.Status)).Msg("journal outcome not recorded")
	}
}
