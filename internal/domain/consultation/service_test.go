package consultation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type serviceFixture struct {
	svc     *Service
	backend *fakeBackend
	journal *MemoryJournal
}

func newServiceFixture() *serviceFixture {
	fb := newFakeBackend()
	fb.addAppointment(&Appointment{
		ID: 42, PatientID: 5, DoctorID: 7, Date: "2025-01-15", Time: "08:30",
		Token: "T1", Status: StatusConsulting,
	})
	fb.addAppointment(waiting(51, 7, 6, "2025-01-16", "09:00"))
	fb.addAppointment(waiting(52, 7, 8, "2025-01-15", "10:00"))
	fb.doctors[7] = &Doctor{ID: 7, Name: "Dr. Rao", Specialization: "Cardiology"}
	fb.patients[5] = &Patient{ID: 5, Name: "Asha"}
	fb.addOrder(LabOrder{ID: 1, LabTestID: 10, TestName: "CBC", AppointmentID: 42, PatientID: 5, Status: LabOrderPending})
	fb.catalog = []LabTest{{ID: 10, Name: "CBC"}, {ID: 11, Name: "TSH"}}

	j := NewMemoryJournal()
	svc := NewService(fb, j, Options{}, nopLogger())
	svc.stager.now = func() time.Time { return time.Date(2026, time.October, 18, 10, 0, 0, 0, time.Local) }
	return &serviceFixture{svc: svc, backend: fb, journal: j}
}

func validRequest() CompletionRequest {
	return CompletionRequest{
		AppointmentID: 42,
		Draft: Draft{
			Diagnosis:          "Hypertension",
			ConsultationCharge: decimal.NewFromInt(400),
			FollowUpDetails:    "Review in 2 weeks",
		},
	}
}

func (f *serviceFixture) status(id int64) AppointmentStatus {
	return f.backend.appointments[id].Status
}

func (f *serviceFixture) lastJournalEntry(t *testing.T) *JournalEntry {
	t.Helper()
	entries, _, _ := f.journal.ListByAppointment(context.Background(), 42, 1, 0)
	if len(entries) == 0 {
		t.Fatal("expected a journal entry")
	}
	return entries[0]
}

func TestService_Complete(t *testing.T) {
	f := newServiceFixture()
	req := validRequest()
	req.LabEdits = LabEdits{Added: []LabTest{{ID: 11, Name: "TSH"}, {ID: 11, Name: "tsh"}}, Removed: []int64{1}}
	req.Files = []File{{Name: "rx.pdf", Content: []byte("%PDF")}, {Name: "ecg.png", Content: []byte("png")}}

	res, err := f.svc.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.status(42) != StatusCompleted {
		t.Errorf("expected Completed, got %s", f.status(42))
	}
	if res.Next.Kind != RouteAppointment || res.Next.AppointmentID != 52 {
		t.Errorf("expected routing to appointment 52, got %+v", res.Next)
	}
	if res.Summary.Diagnosis != "Hypertension" || res.Summary.FollowUp != "Review in 2 weeks" {
		t.Errorf("unexpected summary %+v", res.Summary)
	}
	if len(res.Summary.LabTestsAdded) != 1 || res.Summary.LabTestsAdded[0] != "TSH" {
		t.Errorf("expected the duplicate tsh to be ignored, got %v", res.Summary.LabTestsAdded)
	}
	if f.backend.Calls("DeleteLabOrder") != 1 || f.backend.Calls("CreateLabOrder") != 1 {
		t.Errorf("expected 1 delete and 1 create, got %d/%d", f.backend.Calls("DeleteLabOrder"), f.backend.Calls("CreateLabOrder"))
	}

	if len(f.backend.updates) != 1 {
		t.Fatalf("expected one appointment update, got %d", len(f.backend.updates))
	}
	u := f.backend.updates[0]
	if u.PrescriptionsURL != "https://files.test/patients/5/prescriptions/" {
		t.Errorf("expected uploads to collapse to their folder, got %q", u.PrescriptionsURL)
	}
	if !u.ConsultationCharge.Equal(decimal.NewFromInt(400)) {
		t.Errorf("unexpected charge %s", u.ConsultationCharge)
	}
	if f.backend.uploads[0].Name != "rx_18_10_2026.pdf" {
		t.Errorf("expected dated upload name, got %q", f.backend.uploads[0].Name)
	}

	entry := f.lastJournalEntry(t)
	if entry.ID != res.CompletionID || entry.Status != JournalCompleted {
		t.Errorf("expected completed journal entry %s, got %+v", res.CompletionID, entry)
	}
}

func TestService_Complete_EmptyDiagnosisMakesNoCalls(t *testing.T) {
	f := newServiceFixture()
	req := validRequest()
	req.Draft.Diagnosis = "  "
	req.Files = []File{{Name: "rx.pdf"}}
	req.LabEdits.Added = []LabTest{{ID: 11, Name: "TSH"}}

	_, err := f.svc.Complete(context.Background(), req)
	if !IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if n := f.backend.TotalCalls(); n != 0 {
		t.Errorf("expected zero network calls, got %d", n)
	}
	if _, total, _ := f.journal.ListByAppointment(context.Background(), 42, 10, 0); total != 0 {
		t.Error("expected no journal entry")
	}
}

func TestService_Complete_ReferralAndTransferRejected(t *testing.T) {
	f := newServiceFixture()
	req := validRequest()
	req.Draft.Disposition = Disposition{Kind: DispositionReferral, ReferredDoctorID: 3, TransferTo: TransferICU}

	if _, err := f.svc.Complete(context.Background(), req); !IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if f.backend.TotalCalls() != 0 {
		t.Error("expected zero network calls")
	}
}

func TestService_Complete_UnknownRemoval(t *testing.T) {
	f := newServiceFixture()
	req := validRequest()
	req.LabEdits.Removed = []int64{999}

	_, err := f.svc.Complete(context.Background(), req)
	if !IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if f.backend.Calls("DeleteLabOrder") != 0 || f.backend.Calls("UpdateAppointment") != 0 {
		t.Error("expected no mutation")
	}
}

func TestService_Complete_NotFound(t *testing.T) {
	f := newServiceFixture()
	req := validRequest()
	req.AppointmentID = 404

	if _, err := f.svc.Complete(context.Background(), req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Complete_UploadFailureOnSecondOfThree(t *testing.T) {
	f := newServiceFixture()
	f.backend.failUploadAt = 2
	req := validRequest()
	req.LabEdits.Added = []LabTest{{ID: 11, Name: "TSH"}}
	req.Files = threeFiles()

	_, err := f.svc.Complete(context.Background(), req)
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if se.Step != StepDocuments {
		t.Errorf("expected documents step, got %s", se.Step)
	}
	if len(se.Uploaded) != 1 {
		t.Errorf("expected exactly 1 already uploaded url, got %v", se.Uploaded)
	}
	if f.backend.Calls("UpdateAppointment") != 0 {
		t.Error("appointment must not be updated")
	}
	if f.status(42) != StatusConsulting {
		t.Errorf("expected status unchanged, got %s", f.status(42))
	}

	// the TSH order created before the upload is undone
	if f.backend.Calls("DeleteLabOrder") != 1 {
		t.Errorf("expected the created lab order to be compensated, got %d deletes", f.backend.Calls("DeleteLabOrder"))
	}
	if orders := f.backend.ordersFor(42); len(orders) != 1 || orders[0].TestName != "CBC" {
		t.Errorf("expected lab orders restored, got %+v", orders)
	}
	if se.CompensationFailed() {
		t.Error("expected compensation to succeed")
	}

	entry := f.lastJournalEntry(t)
	if entry.Status != JournalFailed || entry.Step != StepDocuments {
		t.Errorf("unexpected journal entry %+v", entry)
	}
	if len(entry.Orphaned) != 1 || entry.Orphaned[0] != se.Uploaded[0] {
		t.Errorf("expected the uploaded url to be journaled as orphaned, got %v", entry.Orphaned)
	}
}

func TestService_Complete_LabFailure(t *testing.T) {
	f := newServiceFixture()
	f.backend.failCreate["TSH"] = true
	req := validRequest()
	req.LabEdits = LabEdits{Added: []LabTest{{ID: 11, Name: "TSH"}}, Removed: []int64{1}}
	req.Files = []File{{Name: "rx.pdf"}}

	_, err := f.svc.Complete(context.Background(), req)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepLabOrders {
		t.Fatalf("expected lab-orders StepError, got %v", err)
	}
	if f.backend.Calls("UploadFile") != 0 || f.backend.Calls("UpdateAppointment") != 0 {
		t.Error("expected later steps to be skipped")
	}
	if orders := f.backend.ordersFor(42); len(orders) != 1 || orders[0].TestName != "CBC" {
		t.Errorf("expected the deleted CBC order to be re-created, got %+v", orders)
	}
}

func TestService_Complete_AppointmentUpdateFailure(t *testing.T) {
	f := newServiceFixture()
	f.backend.failUpdate = true
	req := validRequest()
	req.LabEdits.Added = []LabTest{{ID: 11, Name: "TSH"}}

	_, err := f.svc.Complete(context.Background(), req)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepAppointment {
		t.Fatalf("expected appointment StepError, got %v", err)
	}
	if !errors.Is(err, errBackendDown) {
		t.Error("expected the backend error to be wrapped")
	}
	if len(se.Compensations) != 1 {
		t.Errorf("expected one compensation, got %+v", se.Compensations)
	}
	if f.status(42) != StatusConsulting {
		t.Errorf("expected status unchanged, got %s", f.status(42))
	}
}

func TestService_Complete_UpdateFailureReportsUploads(t *testing.T) {
	f := newServiceFixture()
	f.backend.failUpdate = true
	req := validRequest()
	req.Files = []File{{Name: "rx.pdf", Content: []byte("rx")}, {Name: "cbc.pdf", Content: []byte("cbc")}}

	_, err := f.svc.Complete(context.Background(), req)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepAppointment {
		t.Fatalf("expected appointment StepError, got %v", err)
	}
	if len(se.Uploaded) != 2 {
		t.Fatalf("expected both uploaded urls on the error, got %v", se.Uploaded)
	}
	if !strings.Contains(se.Uploaded[0], "rx_") || !strings.Contains(se.Uploaded[1], "cbc_") {
		t.Errorf("unexpected uploaded urls %v", se.Uploaded)
	}
}

// expiringJournal abandons every pending entry as soon as a step is marked,
// as the sweeper does for a run that outlives its lease.
type expiringJournal struct {
	*MemoryJournal
}

func (j expiringJournal) MarkStep(ctx context.Context, id uuid.UUID, step Step) error {
	if _, err := j.ExpirePending(ctx, time.Now().Add(time.Hour)); err != nil {
		return err
	}
	return j.MemoryJournal.MarkStep(ctx, id, step)
}

func TestService_Complete_OutlivedLease(t *testing.T) {
	f := newServiceFixture()
	journal := expiringJournal{NewMemoryJournal()}
	svc := NewService(f.backend, journal, Options{}, nopLogger())

	res, err := svc.Complete(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("expected the committed completion to succeed, got %v", err)
	}
	entries, _, _ := journal.ListByAppointment(context.Background(), 42, 10, 0)
	if len(entries) != 1 || entries[0].ID != res.CompletionID {
		t.Fatalf("unexpected journal entries %+v", entries)
	}
	if entries[0].Status != JournalAbandoned {
		t.Errorf("expected the abandoned status to be kept, got %s", entries[0].Status)
	}
}

func TestService_Complete_InFlight(t *testing.T) {
	f := newServiceFixture()
	if _, err := f.journal.Begin(context.Background(), 42, time.Hour); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Complete(context.Background(), validRequest())
	if !errors.Is(err, ErrCompletionInFlight) {
		t.Fatalf("expected ErrCompletionInFlight, got %v", err)
	}
	if f.backend.Calls("UpdateAppointment") != 0 {
		t.Error("expected no update while another completion is pending")
	}
}

func TestService_Complete_QueueFailureFallsBackToList(t *testing.T) {
	f := newServiceFixture()
	f.backend.failListWaiting = true

	res, err := f.svc.Complete(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Next != BackToList {
		t.Errorf("expected back-to-list, got %+v", res.Next)
	}
	if f.status(42) != StatusCompleted {
		t.Error("expected the completion to stand")
	}
}

func TestService_Complete_NobodyWaiting(t *testing.T) {
	f := newServiceFixture()
	f.backend.appointments[51].Status = StatusCompleted
	f.backend.appointments[52].Status = StatusCompleted

	res, err := f.svc.Complete(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Next != BackToList {
		t.Errorf("expected back-to-list, got %+v", res.Next)
	}
}

func TestService_Complete_KeepsExistingReferences(t *testing.T) {
	f := newServiceFixture()
	req := validRequest()
	req.Draft.References = []string{"https://other.test/old.pdf"}
	req.Files = []File{{Name: "rx.pdf"}}

	res, err := f.svc.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://other.test/old.pdf,https://files.test/patients/5/prescriptions/rx_18_10_2026.pdf"
	if got := f.backend.updates[0].PrescriptionsURL; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if len(res.Summary.References) != 2 {
		t.Errorf("expected 2 references in the summary, got %v", res.Summary.References)
	}
}

func TestService_EncounterView(t *testing.T) {
	f := newServiceFixture()

	view, err := f.svc.EncounterView(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Doctor.Name != "Dr. Rao" {
		t.Errorf("unexpected doctor %+v", view.Doctor)
	}
	if len(view.PrescribedLabOrders) != 1 {
		t.Errorf("expected 1 lab order, got %d", len(view.PrescribedLabOrders))
	}
	if view.Queue == nil || len(view.Queue.Entries) != 2 {
		t.Fatalf("expected 2 queue entries, got %+v", view.Queue)
	}
	if view.Next.AppointmentID != 52 {
		t.Errorf("expected next 52, got %+v", view.Next)
	}
}

func TestService_EncounterView_QueueUnavailable(t *testing.T) {
	f := newServiceFixture()
	f.backend.failListWaiting = true

	view, err := f.svc.EncounterView(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Queue != nil || view.Next != BackToList {
		t.Errorf("expected no queue, got %+v", view.Queue)
	}
}

func TestService_QueueAndCatalog(t *testing.T) {
	f := newServiceFixture()

	q, err := f.svc.Queue(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Total != 2 {
		t.Errorf("expected 2 waiting, got %d", q.Total)
	}

	dq, err := f.svc.DoctorQueue(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dq.Total != 2 {
		t.Errorf("expected 2 waiting for the doctor, got %d", dq.Total)
	}

	tests, err := f.svc.LabCatalog(context.Background())
	if err != nil || len(tests) != 2 {
		t.Errorf("unexpected catalog %v, %v", tests, err)
	}
}
