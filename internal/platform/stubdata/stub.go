// Package stubdata is an in-memory stand-in for the hospital REST backend.
// The service uses it directly when no BACKEND_URL is configured, and the
// stub-backend command serves it over the same REST contract the backend
// client speaks.
package stubdata

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ehr/opd/internal/domain/consultation"
	"github.com/ehr/opd/internal/platform/blobstore"
	"github.com/ehr/opd/pkg/pagination"
)

// Backend is a thread-safe in-memory consultation.Backend.
type Backend struct {
	mu           sync.RWMutex
	appointments map[int64]*consultation.Appointment
	doctors      map[int64]*consultation.Doctor
	patients     map[int64]*consultation.Patient
	orders       map[int64]consultation.LabOrder
	catalog      []consultation.LabTest
	nextOrderID  int64

	blobs   blobstore.BlobStore
	fileURL string
}

var _ consultation.Backend = (*Backend)(nil)

// New returns an empty backend whose uploads go to blobs and are addressed
// below fileURL (e.g. http://localhost:8000/files).
func New(blobs blobstore.BlobStore, fileURL string) *Backend {
	return &Backend{
		appointments: make(map[int64]*consultation.Appointment),
		doctors:      make(map[int64]*consultation.Doctor),
		patients:     make(map[int64]*consultation.Patient),
		orders:       make(map[int64]consultation.LabOrder),
		nextOrderID:  1,
		blobs:        blobs,
		fileURL:      fileURL,
	}
}

// Seeded returns a backend loaded with the demo data set.
func Seeded(blobs blobstore.BlobStore, fileURL string) *Backend {
	b := New(blobs, fileURL)
	Seed(b)
	return b
}

func (b *Backend) PutAppointment(a consultation.Appointment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appointments[a.ID] = &a
}

func (b *Backend) PutDoctor(d consultation.Doctor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doctors[d.ID] = &d
}

func (b *Backend) PutPatient(p consultation.Patient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patients[p.ID] = &p
}

func (b *Backend) PutLabTests(tests ...consultation.LabTest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catalog = append(b.catalog, tests...)
}

func (b *Backend) GetAppointment(_ context.Context, id int64) (*consultation.Appointment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %d: %w", id, consultation.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// ListWaitingAppointments pages a doctor's waiting appointments ordered by
// slot. page is 1-based.
func (b *Backend) ListWaitingAppointments(_ context.Context, doctorID int64, page, limit int) (*consultation.AppointmentPage, error) {
	b.mu.RLock()
	var all []*consultation.Appointment
	for _, a := range b.appointments {
		if a.DoctorID == doctorID && a.Status == consultation.StatusWaiting {
			cp := *a
			all = append(all, &cp)
		}
	}
	b.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].SlotKey() != all[j].SlotKey() {
			return all[i].SlotKey() < all[j].SlotKey()
		}
		return all[i].ID < all[j].ID
	})

	start, end := pagination.ForPage(page, limit).Window(len(all))
	return &consultation.AppointmentPage{Items: all[start:end], Total: len(all)}, nil
}

func (b *Backend) UpdateAppointment(_ context.Context, id int64, u consultation.AppointmentUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.appointments[id]
	if !ok {
		return fmt.Errorf("appointment %d: %w", id, consultation.ErrNotFound)
	}
	ApplyUpdate(a, u)
	return nil
}

// ApplyUpdate writes a completion update onto an appointment. Disposition
// fields are only touched when the update carries them.
func ApplyUpdate(a *consultation.Appointment, u consultation.AppointmentUpdate) {
	a.Diagnosis = u.Diagnosis
	a.ConsultationCharge = u.ConsultationCharge
	a.FollowUpDetails = u.FollowUpDetails
	a.PrescriptionsURL = u.PrescriptionsURL
	if u.ReferToAnotherDoctor != nil {
		a.ReferToAnotherDoctor = *u.ReferToAnotherDoctor
	}
	if u.ReferredDoctorID != nil {
		id := *u.ReferredDoctorID
		a.ReferredDoctorID = &id
	}
	if u.TransferToIPDOTICU != nil {
		a.TransferToIPDOTICU = *u.TransferToIPDOTICU
	}
	if u.TransferTo != nil {
		a.TransferTo = *u.TransferTo
	}
	if u.TransferDetails != nil {
		a.TransferDetails = *u.TransferDetails
	}
	if u.Status != "" {
		a.Status = u.Status
	}
}

func (b *Backend) GetDoctor(_ context.Context, id int64) (*consultation.Doctor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.doctors[id]
	if !ok {
		return nil, fmt.Errorf("doctor %d: %w", id, consultation.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (b *Backend) GetPatient(_ context.Context, id int64) (*consultation.Patient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %d: %w", id, consultation.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (b *Backend) ListPrescribedLabOrders(_ context.Context, appointmentID int64) ([]consultation.LabOrder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []consultation.LabOrder{}
	for _, o := range b.orders {
		if o.AppointmentID == appointmentID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) CreateLabOrder(_ context.Context, o consultation.LabOrder) (*consultation.LabOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.appointments[o.AppointmentID]; !ok {
		return nil, fmt.Errorf("appointment %d: %w", o.AppointmentID, consultation.ErrNotFound)
	}
	if o.Status == "" {
		o.Status = consultation.LabOrderPending
	}
	o.ID = b.nextOrderID
	b.nextOrderID++
	b.orders[o.ID] = o
	return &o, nil
}

func (b *Backend) DeleteLabOrder(_ context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[id]; !ok {
		return fmt.Errorf("lab order %d: %w", id, consultation.ErrNotFound)
	}
	delete(b.orders, id)
	return nil
}

func (b *Backend) ListLabCatalog(context.Context) ([]consultation.LabTest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]consultation.LabTest(nil), b.catalog...), nil
}

// UploadFile stores the document in the blob store and returns its URL
// below fileURL.
func (b *Backend) UploadFile(ctx context.Context, f consultation.File, patientID int64, folder string) (string, error) {
	meta, err := b.blobs.Put(ctx, blobstore.BlobMetadata{
		FileName:    f.Name,
		ContentType: f.ContentType,
		PatientID:   patientID,
		Folder:      folder,
	}, bytes.NewReader(f.Content))
	if err != nil {
		return "", fmt.Errorf("store %s: %w", f.Name, err)
	}
	return b.fileURL + "/" + meta.Key, nil
}

// Seed loads a small outpatient day: Dr. Meera Rao (7) is consulting
// appointment 42 with three patients waiting.
func Seed(b *Backend) {
	b.PutDoctor(consultation.Doctor{ID: 7, Name: "Dr. Meera Rao", Specialization: "General Medicine"})
	b.PutDoctor(consultation.Doctor{ID: 8, Name: "Dr. Arjun Iyer", Specialization: "Cardiology"})
	b.PutDoctor(consultation.Doctor{ID: 9, Name: "Dr. Fatima Khan", Specialization: "Orthopaedics"})

	b.PutPatient(consultation.Patient{ID: 5, Name: "Asha Verma", Age: 34, Gender: "Female", Phone: "9800000005", ChiefComplaint: "Fever for 3 days"})
	b.PutPatient(consultation.Patient{ID: 6, Name: "Ravi Kumar", Age: 58, Gender: "Male", Phone: "9800000006", ChiefComplaint: "Chest discomfort"})
	b.PutPatient(consultation.Patient{ID: 10, Name: "Neha Joshi", Age: 27, Gender: "Female", Phone: "9800000010"})
	b.PutPatient(consultation.Patient{ID: 11, Name: "Imran Shaikh", Age: 45, Gender: "Male", Phone: "9800000011", ChiefComplaint: "Lower back pain"})

	charge := decimal.NewFromInt(500)
	b.PutAppointment(consultation.Appointment{
		ID: 42, PatientID: 5, DoctorID: 7, Date: "2024-03-09", Time: "09:00", Token: "T-01",
		Status: consultation.StatusConsulting, ChiefComplaint: "Fever for 3 days", ConsultationCharge: charge,
	})
	b.PutAppointment(consultation.Appointment{
		ID: 43, PatientID: 6, DoctorID: 7, Date: "2024-03-09", Time: "09:30", Token: "T-02",
		Status: consultation.StatusWaiting, ChiefComplaint: "Chest discomfort", ConsultationCharge: charge,
	})
	b.PutAppointment(consultation.Appointment{
		ID: 44, PatientID: 10, DoctorID: 7, Date: "2024-03-09", Time: "09:15", Token: "T-03",
		Status: consultation.StatusWaiting, ConsultationCharge: charge,
	})
	b.PutAppointment(consultation.Appointment{
		ID: 45, PatientID: 11, DoctorID: 7, Date: "2024-03-09", Time: "10:00", Token: "T-04",
		Status: consultation.StatusWaiting, ConsultationCharge: charge,
	})
	b.PutAppointment(consultation.Appointment{
		ID: 46, PatientID: 6, DoctorID: 8, Date: "2024-03-09", Time: "11:00", Token: "C-01",
		Status: consultation.StatusWaiting, ConsultationCharge: decimal.NewFromInt(800),
	})

	b.PutLabTests(
		consultation.LabTest{ID: 1, Name: "Complete Blood Count"},
		consultation.LabTest{ID: 2, Name: "Thyroid Profile"},
		consultation.LabTest{ID: 3, Name: "Lipid Profile"},
		consultation.LabTest{ID: 4, Name: "HbA1c"},
		consultation.LabTest{ID: 5, Name: "Dengue NS1 Antigen"},
		consultation.LabTest{ID: 6, Name: "Urine Routine"},
	)

	b.mu.Lock()
	b.orders[1] = consultation.LabOrder{ID: 1, LabTestID: 1, TestName: "Complete Blood Count", AppointmentID: 42, PatientID: 5, Status: consultation.LabOrderPending}
	b.nextOrderID = 2
	b.mu.Unlock()
}
