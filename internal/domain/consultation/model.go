package consultation

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	StatusWaiting    AppointmentStatus = "Waiting"
	StatusConsulting AppointmentStatus = "Consulting"
	StatusCompleted  AppointmentStatus = "Completed"
)

var validStatuses = map[AppointmentStatus]bool{
	StatusWaiting:    true,
	StatusConsulting: true,
	StatusCompleted:  true,
}

// Valid reports whether s is a known appointment status.
func (s AppointmentStatus) Valid() bool { return validStatuses[s] }

// TransferDestination is where a patient is transferred after the encounter.
type TransferDestination string

const (
	TransferIPD TransferDestination = "IPD"
	TransferICU TransferDestination = "ICU"
	TransferOT  TransferDestination = "OT"
)

// Valid reports whether d is a known transfer destination.
func (d TransferDestination) Valid() bool {
	switch d {
	case TransferIPD, TransferICU, TransferOT:
		return true
	}
	return false
}

// Appointment is one booked encounter with a doctor. Date and Time are kept
// in their zero-padded YYYY-MM-DD / HH:mm forms so they sort lexically.
type Appointment struct {
	ID                   int64               `json:"id"`
	PatientID            int64               `json:"patient_id"`
	DoctorID             int64               `json:"doctor_id"`
	Date                 string              `json:"appointment_date"`
	Time                 string              `json:"appointment_time"`
	Token                string              `json:"token"`
	Status               AppointmentStatus   `json:"status"`
	ChiefComplaint       string              `json:"chief_complaint,omitempty"`
	Diagnosis            string              `json:"diagnosis,omitempty"`
	ConsultationCharge   decimal.Decimal     `json:"consultation_charge"`
	FollowUpDetails      string              `json:"follow_up_details,omitempty"`
	PrescriptionsURL     string              `json:"prescriptions_url,omitempty"`
	ReferToAnotherDoctor bool                `json:"refer_to_another_doctor"`
	ReferredDoctorID     *int64              `json:"referred_doctor_id,omitempty"`
	TransferToIPDOTICU   bool                `json:"transfer_to_ipd_ot_icu"`
	TransferTo           TransferDestination `json:"transfer_to,omitempty"`
	TransferDetails      string              `json:"transfer_details,omitempty"`
}

// SlotKey returns the first-come-first-served ordering key of the appointment.
func (a *Appointment) SlotKey() string {
	return a.Date + " " + a.Time
}

// Doctor is read-only reference data owned by the doctors collaborator.
type Doctor struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
}

// UnknownDoctor is shown when the doctor lookup fails so the encounter stays
// viewable.
var UnknownDoctor = Doctor{Name: "Unknown Doctor", Specialization: "General Medicine"}

// Patient is read-only reference data owned by the patients collaborator.
type Patient struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Age            int    `json:"age,omitempty"`
	Gender         string `json:"gender,omitempty"`
	Phone          string `json:"phone,omitempty"`
	ChiefComplaint string `json:"chief_complaint,omitempty"`
}

// LabTest is an entry of the lab test catalog.
type LabTest struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// LabOrder is a lab test prescribed for a patient during an appointment.
// ID is assigned by the backing store on creation; orders are never mutated.
type LabOrder struct {
	ID            int64  `json:"patient_lab_order_id"`
	LabTestID     int64  `json:"lab_test_id"`
	TestName      string `json:"test_name"`
	AppointmentID int64  `json:"appointment_id"`
	PatientID     int64  `json:"patient_id"`
	Status        string `json:"status"`
}

// LabOrderPending is the status of a freshly created lab order.
const LabOrderPending = "Pending"

// QueueEntry is a derived, display-only row of the waiting queue.
type QueueEntry struct {
	Token          string `json:"token"`
	PatientName    string `json:"patient_name"`
	ChiefComplaint string `json:"chief_complaint"`
	AppointmentID  int64  `json:"appointment_id"`
}

// DispositionKind selects what happens to the patient after the encounter.
type DispositionKind string

const (
	DispositionNone     DispositionKind = "none"
	DispositionReferral DispositionKind = "referral"
	DispositionTransfer DispositionKind = "transfer"
)

// Disposition is the tagged variant replacing the referral and transfer
// flags: at most one of the two destinations is ever set.
type Disposition struct {
	Kind             DispositionKind     `json:"kind"`
	ReferredDoctorID int64               `json:"referred_doctor_id,omitempty"`
	TransferTo       TransferDestination `json:"transfer_to,omitempty"`
	TransferDetails  string              `json:"transfer_details,omitempty"`
}

// ReferTo builds a referral disposition.
func ReferTo(doctorID int64) Disposition {
	return Disposition{Kind: DispositionReferral, ReferredDoctorID: doctorID}
}

// TransferTo builds a transfer disposition.
func TransferTo(dest TransferDestination, details string) Disposition {
	return Disposition{Kind: DispositionTransfer, TransferTo: dest, TransferDetails: details}
}

// Validate checks that the disposition carries exactly the fields of its kind.
func (d Disposition) Validate() error {
	switch d.Kind {
	case "", DispositionNone:
		if d.ReferredDoctorID != 0 || d.TransferTo != "" || d.TransferDetails != "" {
			return &ValidationError{Field: "disposition", Message: "destination given without a referral or transfer"}
		}
	case DispositionReferral:
		if d.ReferredDoctorID <= 0 {
			return &ValidationError{Field: "disposition.referred_doctor_id", Message: "referral requires a doctor"}
		}
		if d.TransferTo != "" || d.TransferDetails != "" {
			return &ValidationError{Field: "disposition", Message: "referral and transfer are mutually exclusive"}
		}
	case DispositionTransfer:
		if !d.TransferTo.Valid() {
			return &ValidationError{Field: "disposition.transfer_to", Message: "transfer destination must be IPD, ICU or OT"}
		}
		if d.ReferredDoctorID != 0 {
			return &ValidationError{Field: "disposition", Message: "referral and transfer are mutually exclusive"}
		}
	default:
		return &ValidationError{Field: "disposition.kind", Message: "unknown disposition " + string(d.Kind)}
	}
	return nil
}

// DispositionFromAppointment reads the stored flags back into the tagged
// variant. Records carrying both flags predate the variant; the referral wins.
func DispositionFromAppointment(a *Appointment) Disposition {
	switch {
	case a.ReferToAnotherDoctor && a.ReferredDoctorID != nil:
		return ReferTo(*a.ReferredDoctorID)
	case a.TransferToIPDOTICU:
		return TransferTo(a.TransferTo, a.TransferDetails)
	}
	return Disposition{Kind: DispositionNone}
}

// Draft holds the clinical fields of an encounter that are not yet persisted.
type Draft struct {
	Diagnosis          string          `json:"diagnosis"`
	ConsultationCharge decimal.Decimal `json:"consultation_charge"`
	FollowUpDetails    string          `json:"follow_up_details"`
	References         []string        `json:"references"`
	Disposition        Disposition     `json:"disposition"`
}

// Validate enforces the preconditions checked before any remote mutation.
func (d *Draft) Validate() error {
	if strings.TrimSpace(d.Diagnosis) == "" {
		return &ValidationError{Field: "diagnosis", Message: "diagnosis is required"}
	}
	if d.ConsultationCharge.IsNegative() {
		return &ValidationError{Field: "consultation_charge", Message: "consultation charge must not be negative"}
	}
	return d.Disposition.Validate()
}

// DraftFromAppointment seeds a draft from the persisted appointment.
func DraftFromAppointment(a *Appointment) Draft {
	return Draft{
		Diagnosis:          a.Diagnosis,
		ConsultationCharge: a.ConsultationCharge,
		FollowUpDetails:    a.FollowUpDetails,
		References:         SplitReferences(a.PrescriptionsURL),
		Disposition:        DispositionFromAppointment(a),
	}
}

// AppointmentUpdate is the partial write issued when an encounter completes.
// Referral and transfer fields are only populated for their disposition.
type AppointmentUpdate struct {
	Diagnosis            string
	ConsultationCharge   decimal.Decimal
	FollowUpDetails      string
	PrescriptionsURL     string
	ReferToAnotherDoctor *bool
	ReferredDoctorID     *int64
	TransferToIPDOTICU   *bool
	TransferTo           *TransferDestination
	TransferDetails      *string
	Status               AppointmentStatus
}

// CompletionUpdate builds the terminal appointment write from a draft.
func CompletionUpdate(d Draft, prescriptionsURL string) AppointmentUpdate {
	u := AppointmentUpdate{
		Diagnosis:          strings.TrimSpace(d.Diagnosis),
		ConsultationCharge: d.ConsultationCharge,
		FollowUpDetails:    d.FollowUpDetails,
		PrescriptionsURL:   prescriptionsURL,
		Status:             StatusCompleted,
	}
	switch d.Disposition.Kind {
	case DispositionReferral:
		refer := true
		doctorID := d.Disposition.ReferredDoctorID
		u.ReferToAnotherDoctor = &refer
		u.ReferredDoctorID = &doctorID
	case DispositionTransfer:
		transfer := true
		dest := d.Disposition.TransferTo
		details := d.Disposition.TransferDetails
		u.TransferToIPDOTICU = &transfer
		u.TransferTo = &dest
		u.TransferDetails = &details
	}
	return u
}

// File is a locally selected document waiting to be uploaded.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// LabEdits are the clinician's in-session changes to the lab order set.
type LabEdits struct {
	Added   []LabTest `json:"added"`
	Removed []int64   `json:"removed"`
}

// Empty reports whether no lab edits were made.
func (e LabEdits) Empty() bool {
	return len(e.Added) == 0 && len(e.Removed) == 0
}

// CompletionRequest is the input of a consultation completion.
type CompletionRequest struct {
	AppointmentID int64
	Draft         Draft
	LabEdits      LabEdits
	Files         []File
}

// RouteKind selects where the clinician goes after completing an encounter.
type RouteKind string

const (
	RouteAppointment RouteKind = "appointment"
	RouteList        RouteKind = "list"
)

// RoutingDecision is either "go to appointment X" or "return to list".
type RoutingDecision struct {
	Kind          RouteKind `json:"kind"`
	AppointmentID int64     `json:"appointment_id,omitempty"`
}

// BackToList is the routing decision used when nobody else is waiting.
var BackToList = RoutingDecision{Kind: RouteList}

// Summary is presented to the clinician once an encounter completes.
type Summary struct {
	AppointmentID int64    `json:"appointment_id"`
	Diagnosis     string   `json:"diagnosis"`
	LabTestsAdded []string `json:"lab_tests_added"`
	FollowUp      string   `json:"follow_up"`
	References    []string `json:"references"`
}

// CompletionResult is returned by a successful completion.
type CompletionResult struct {
	CompletionID uuid.UUID       `json:"completion_id"`
	Summary      Summary         `json:"summary"`
	Next         RoutingDecision `json:"next"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// Encounter is the reconstructed context of the current appointment.
type Encounter struct {
	Appointment *Appointment `json:"appointment"`
	Doctor      Doctor       `json:"doctor"`
	Patient     *Patient     `json:"patient,omitempty"`
	Draft       Draft        `json:"draft"`
}
