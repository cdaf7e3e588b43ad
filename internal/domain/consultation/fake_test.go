package consultation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var errBackendDown = errors.New("backend unavailable")

// fakeBackend is an in-memory Backend that counts every call.
type fakeBackend struct {
	mu           sync.Mutex
	appointments map[int64]*Appointment
	doctors      map[int64]*Doctor
	patients     map[int64]*Patient
	orders       map[int64]LabOrder
	catalog      []LabTest
	nextOrderID  int64
	calls        map[string]int
	updates      []AppointmentUpdate
	uploads      []File

	failGetAppointment bool
	failGetDoctor      bool
	failGetPatient     bool
	failListWaiting    bool
	failUpdate         bool
	failUploadAt       int // 1-based upload attempt that fails
	failCreate         map[string]bool
	emptyCreate        bool // CreateLabOrder succeeds without a body
	failDelete         map[int64]bool
	inflateTotal       int
	maxPageSize        int // server-side cap on limit
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		appointments: make(map[int64]*Appointment),
		doctors:      make(map[int64]*Doctor),
		patients:     make(map[int64]*Patient),
		orders:       make(map[int64]LabOrder),
		nextOrderID:  1000,
		calls:        make(map[string]int),
		failCreate:   make(map[string]bool),
		failDelete:   make(map[int64]bool),
	}
}

func (f *fakeBackend) count(name string) {
	f.calls[name]++
}

func (f *fakeBackend) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeBackend) addAppointment(a *Appointment) {
	f.appointments[a.ID] = a
}

func (f *fakeBackend) addOrder(o LabOrder) {
	f.orders[o.ID] = o
}

func (f *fakeBackend) GetAppointment(_ context.Context, id int64) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("GetAppointment")
	if f.failGetAppointment {
		return nil, errBackendDown
	}
	a, ok := f.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeBackend) ListWaitingAppointments(_ context.Context, doctorID int64, page, limit int) (*AppointmentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ListWaitingAppointments")
	if f.failListWaiting {
		return nil, errBackendDown
	}
	var all []*Appointment
	for _, a := range f.appointments {
		if a.DoctorID == doctorID && a.Status == StatusWaiting {
			cp := *a
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if f.maxPageSize > 0 && limit > f.maxPageSize {
		limit = f.maxPageSize
	}
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	total := len(all)
	if f.inflateTotal > 0 {
		total = f.inflateTotal
	}
	return &AppointmentPage{Items: all[start:end], Total: total}, nil
}

func (f *fakeBackend) UpdateAppointment(_ context.Context, id int64, u AppointmentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("UpdateAppointment")
	if f.failUpdate {
		return errBackendDown
	}
	a, ok := f.appointments[id]
	if !ok {
		return ErrNotFound
	}
	f.updates = append(f.updates, u)
	a.Diagnosis = u.Diagnosis
	a.PrescriptionsURL = u.PrescriptionsURL
	a.Status = u.Status
	return nil
}

func (f *fakeBackend) GetDoctor(_ context.Context, id int64) (*Doctor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("GetDoctor")
	if f.failGetDoctor {
		return nil, errBackendDown
	}
	d, ok := f.doctors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeBackend) GetPatient(_ context.Context, id int64) (*Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("GetPatient")
	if f.failGetPatient {
		return nil, errBackendDown
	}
	p, ok := f.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeBackend) ListPrescribedLabOrders(_ context.Context, appointmentID int64) ([]LabOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ListPrescribedLabOrders")
	var out []LabOrder
	for _, o := range f.orders {
		if o.AppointmentID == appointmentID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBackend) CreateLabOrder(_ context.Context, o LabOrder) (*LabOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("CreateLabOrder")
	if f.failCreate[o.TestName] {
		return nil, fmt.Errorf("create %s: %w", o.TestName, errBackendDown)
	}
	if f.emptyCreate {
		return nil, nil
	}
	f.nextOrderID++
	o.ID = f.nextOrderID
	f.orders[o.ID] = o
	return &o, nil
}

func (f *fakeBackend) DeleteLabOrder(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("DeleteLabOrder")
	if f.failDelete[id] {
		return errBackendDown
	}
	if _, ok := f.orders[id]; !ok {
		return ErrNotFound
	}
	delete(f.orders, id)
	return nil
}

func (f *fakeBackend) ListLabCatalog(_ context.Context) ([]LabTest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("ListLabCatalog")
	return append([]LabTest(nil), f.catalog...), nil
}

func (f *fakeBackend) UploadFile(_ context.Context, file File, patientID int64, folder string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("UploadFile")
	if f.failUploadAt > 0 && f.calls["UploadFile"] == f.failUploadAt {
		return "", errBackendDown
	}
	f.uploads = append(f.uploads, file)
	return fmt.Sprintf("https://files.test/patients/%d/%s/%s", patientID, folder, strings.ReplaceAll(file.Name, " ", "_")), nil
}

func (f *fakeBackend) ordersFor(appointmentID int64) []LabOrder {
	out, _ := f.ListPrescribedLabOrders(context.Background(), appointmentID)
	f.mu.Lock()
	f.calls["ListPrescribedLabOrders"]--
	f.mu.Unlock()
	return out
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
