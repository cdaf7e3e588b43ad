package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/opd/internal/domain/consultation"
)

// The DTOs below are the single mapping table between the hospital REST
// backend's camelCase JSON and the domain types. Each contract has exactly
// one field name per attribute.

type AppointmentDTO struct {
	ID                   int64           `json:"id" validate:"gt=0"`
	PatientID            int64           `json:"patientId" validate:"gte=0"`
	DoctorID             int64           `json:"doctorId" validate:"gt=0"`
	AppointmentDate      string          `json:"appointmentDate" validate:"required"`
	AppointmentTime      string          `json:"appointmentTime" validate:"required"`
	Token                string          `json:"token"`
	Status               string          `json:"status" validate:"oneof=Waiting Consulting Completed"`
	ChiefComplaint       string          `json:"chiefComplaint,omitempty"`
	Diagnosis            string          `json:"diagnosis,omitempty"`
	ConsultationCharge   decimal.Decimal `json:"consultationCharge"`
	FollowUpDetails      string          `json:"followUpDetails,omitempty"`
	PrescriptionsURL     string          `json:"prescriptionsUrl,omitempty"`
	ReferToAnotherDoctor bool            `json:"referToAnotherDoctor"`
	ReferredDoctorID     *int64          `json:"referredDoctorId,omitempty"`
	TransferToIPDOTICU   bool            `json:"transferToIpdOtIcu"`
	TransferTo           string          `json:"transferTo,omitempty" validate:"omitempty,oneof=IPD ICU OT"`
	TransferDetails      string          `json:"transferDetails,omitempty"`
}

// ToDomain converts the DTO, normalizing date and time to YYYY-MM-DD and
// HH:mm so appointments order correctly.
func (d AppointmentDTO) ToDomain() (*consultation.Appointment, error) {
	date, err := NormalizeDate(d.AppointmentDate)
	if err != nil {
		return nil, err
	}
	clock, err := NormalizeTime(d.AppointmentTime)
	if err != nil {
		return nil, err
	}
	return &consultation.Appointment{
		ID:                   d.ID,
		PatientID:            d.PatientID,
		DoctorID:             d.DoctorID,
		Date:                 date,
		Time:                 clock,
		Token:                d.Token,
		Status:               consultation.AppointmentStatus(d.Status),
		ChiefComplaint:       d.ChiefComplaint,
		Diagnosis:            d.Diagnosis,
		ConsultationCharge:   d.ConsultationCharge,
		FollowUpDetails:      d.FollowUpDetails,
		PrescriptionsURL:     d.PrescriptionsURL,
		ReferToAnotherDoctor: d.ReferToAnotherDoctor,
		ReferredDoctorID:     d.ReferredDoctorID,
		TransferToIPDOTICU:   d.TransferToIPDOTICU,
		TransferTo:           consultation.TransferDestination(d.TransferTo),
		TransferDetails:      d.TransferDetails,
	}, nil
}

func AppointmentFromDomain(a *consultation.Appointment) AppointmentDTO {
	return AppointmentDTO{
		ID:                   a.ID,
		PatientID:            a.PatientID,
		DoctorID:             a.DoctorID,
		AppointmentDate:      a.Date,
		AppointmentTime:      a.Time,
		Token:                a.Token,
		Status:               string(a.Status),
		ChiefComplaint:       a.ChiefComplaint,
		Diagnosis:            a.Diagnosis,
		ConsultationCharge:   a.ConsultationCharge,
		FollowUpDetails:      a.FollowUpDetails,
		PrescriptionsURL:     a.PrescriptionsURL,
		ReferToAnotherDoctor: a.ReferToAnotherDoctor,
		ReferredDoctorID:     a.ReferredDoctorID,
		TransferToIPDOTICU:   a.TransferToIPDOTICU,
		TransferTo:           string(a.TransferTo),
		TransferDetails:      a.TransferDetails,
	}
}

// AppointmentListDTO is the paginated envelope of GET /appointments.
type AppointmentListDTO struct {
	Data  []AppointmentDTO `json:"data" validate:"dive"`
	Total int              `json:"total" validate:"gte=0"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

// AppointmentPatchDTO is the body of PATCH /appointments/{id}. Nil fields are
// left untouched by the backend.
type AppointmentPatchDTO struct {
	Diagnosis            *string          `json:"diagnosis,omitempty"`
	ConsultationCharge   *decimal.Decimal `json:"consultationCharge,omitempty"`
	FollowUpDetails      *string          `json:"followUpDetails,omitempty"`
	PrescriptionsURL     *string          `json:"prescriptionsUrl,omitempty"`
	ReferToAnotherDoctor *bool            `json:"referToAnotherDoctor,omitempty"`
	ReferredDoctorID     *int64           `json:"referredDoctorId,omitempty"`
	TransferToIPDOTICU   *bool            `json:"transferToIpdOtIcu,omitempty"`
	TransferTo           *string          `json:"transferTo,omitempty" validate:"omitempty,oneof=IPD ICU OT"`
	TransferDetails      *string          `json:"transferDetails,omitempty"`
	Status               *string          `json:"status,omitempty" validate:"omitempty,oneof=Waiting Consulting Completed"`
}

// PatchFromUpdate maps the terminal completion write. The clinical fields
// and status are always sent; disposition fields only when set.
func PatchFromUpdate(u consultation.AppointmentUpdate) AppointmentPatchDTO {
	status := string(u.Status)
	p := AppointmentPatchDTO{
		Diagnosis:            &u.Diagnosis,
		ConsultationCharge:   &u.ConsultationCharge,
		FollowUpDetails:      &u.FollowUpDetails,
		PrescriptionsURL:     &u.PrescriptionsURL,
		ReferToAnotherDoctor: u.ReferToAnotherDoctor,
		ReferredDoctorID:     u.ReferredDoctorID,
		TransferToIPDOTICU:   u.TransferToIPDOTICU,
		TransferDetails:      u.TransferDetails,
		Status:               &status,
	}
	if u.TransferTo != nil {
		dest := string(*u.TransferTo)
		p.TransferTo = &dest
	}
	return p
}

// Apply writes the non-nil fields of p onto a.
func (p AppointmentPatchDTO) Apply(a *consultation.Appointment) {
	if p.Diagnosis != nil {
		a.Diagnosis = *p.Diagnosis
	}
	if p.ConsultationCharge != nil {
		a.ConsultationCharge = *p.ConsultationCharge
	}
	if p.FollowUpDetails != nil {
		a.FollowUpDetails = *p.FollowUpDetails
	}
	if p.PrescriptionsURL != nil {
		a.PrescriptionsURL = *p.PrescriptionsURL
	}
	if p.ReferToAnotherDoctor != nil {
		a.ReferToAnotherDoctor = *p.ReferToAnotherDoctor
	}
	if p.ReferredDoctorID != nil {
		id := *p.ReferredDoctorID
		a.ReferredDoctorID = &id
	}
	if p.TransferToIPDOTICU != nil {
		a.TransferToIPDOTICU = *p.TransferToIPDOTICU
	}
	if p.TransferTo != nil {
		a.TransferTo = consultation.TransferDestination(*p.TransferTo)
	}
	if p.TransferDetails != nil {
		a.TransferDetails = *p.TransferDetails
	}
	if p.Status != nil {
		a.Status = consultation.AppointmentStatus(*p.Status)
	}
}

type DoctorDTO struct {
	ID             int64  `json:"id" validate:"gt=0"`
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
}

func (d DoctorDTO) ToDomain() *consultation.Doctor {
	return &consultation.Doctor{ID: d.ID, Name: d.Name, Specialization: d.Specialization}
}

type PatientDTO struct {
	ID             int64  `json:"id" validate:"gt=0"`
	Name           string `json:"name"`
	Age            int    `json:"age,omitempty" validate:"gte=0"`
	Gender         string `json:"gender,omitempty"`
	Phone          string `json:"phone,omitempty"`
	ChiefComplaint string `json:"chiefComplaint,omitempty"`
}

func (d PatientDTO) ToDomain() *consultation.Patient {
	return &consultation.Patient{
		ID:             d.ID,
		Name:           d.Name,
		Age:            d.Age,
		Gender:         d.Gender,
		Phone:          d.Phone,
		ChiefComplaint: d.ChiefComplaint,
	}
}

type LabTestDTO struct {
	ID   int64  `json:"id" validate:"gt=0"`
	Name string `json:"name" validate:"required"`
}

type LabOrderDTO struct {
	ID            int64  `json:"patientLabOrderId" validate:"gt=0"`
	LabTestID     int64  `json:"labTestId" validate:"gte=0"`
	TestName      string `json:"testName" validate:"required"`
	AppointmentID int64  `json:"appointmentId" validate:"gt=0"`
	PatientID     int64  `json:"patientId" validate:"gte=0"`
	Status        string `json:"status"`
}

func (d LabOrderDTO) ToDomain() consultation.LabOrder {
	return consultation.LabOrder{
		ID:            d.ID,
		LabTestID:     d.LabTestID,
		TestName:      d.TestName,
		AppointmentID: d.AppointmentID,
		PatientID:     d.PatientID,
		Status:        d.Status,
	}
}

func LabOrderFromDomain(o consultation.LabOrder) LabOrderDTO {
	return LabOrderDTO{
		ID:            o.ID,
		LabTestID:     o.LabTestID,
		TestName:      o.TestName,
		AppointmentID: o.AppointmentID,
		PatientID:     o.PatientID,
		Status:        o.Status,
	}
}

// CreateLabOrderDTO is the body of POST /patient-lab-orders.
type CreateLabOrderDTO struct {
	LabTestID     int64  `json:"labTestId" validate:"gte=0"`
	TestName      string `json:"testName" validate:"required"`
	AppointmentID int64  `json:"appointmentId" validate:"gt=0"`
	PatientID     int64  `json:"patientId" validate:"gt=0"`
	Status        string `json:"status" validate:"required"`
}

// UploadResultDTO is the response of the upload endpoint.
type UploadResultDTO struct {
	URL string `json:"url" validate:"required,url"`
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02-01-2006",
	"02/01/2006",
}

// NormalizeDate converts a backend date to YYYY-MM-DD.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized appointment date %q", s)
}

var timeLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04PM",
	"03:04 PM",
	"3:04 pm",
}

// NormalizeTime converts a backend time of day to zero-padded HH:mm.
func NormalizeTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), nil
		}
	}
	return "", fmt.Errorf("unrecognized appointment time %q", s)
}
