package consultation

import (
	"context"
)

// AppointmentPage is one page of a waiting-appointment listing.
type AppointmentPage struct {
	Items []*Appointment
	Total int
}

type AppointmentStore interface {
	GetAppointment(ctx context.Context, id int64) (*Appointment, error)
	ListWaitingAppointments(ctx context.Context, doctorID int64, page, limit int) (*AppointmentPage, error)
	UpdateAppointment(ctx context.Context, id int64, u AppointmentUpdate) error
}

type DoctorReader interface {
	GetDoctor(ctx context.Context, id int64) (*Doctor, error)
}

type PatientReader interface {
	GetPatient(ctx context.Context, id int64) (*Patient, error)
}

type LabOrderStore interface {
	ListPrescribedLabOrders(ctx context.Context, appointmentID int64) ([]LabOrder, error)
	CreateLabOrder(ctx context.Context, o LabOrder) (*LabOrder, error)
	DeleteLabOrder(ctx context.Context, id int64) error
}

type LabCatalog interface {
	ListLabCatalog(ctx context.Context) ([]LabTest, error)
}

// Uploader stores one file and returns its addressable URL.
type Uploader interface {
	UploadFile(ctx context.Context, f File, patientID int64, folder string) (string, error)
}

// Backend bundles every collaborator the completion workflow talks to.
type Backend interface {
	AppointmentStore
	DoctorReader
	PatientReader
	LabOrderStore
	LabCatalog
	Uploader
}
