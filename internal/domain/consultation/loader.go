package consultation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Loader reconstructs an encounter from the appointment, doctor and patient
// collaborators. Only the appointment lookup is fatal.
type Loader struct {
	appointments AppointmentStore
	doctors      DoctorReader
	patients     PatientReader
	logger       zerolog.Logger
}

func NewLoader(appointments AppointmentStore, doctors DoctorReader, patients PatientReader, logger zerolog.Logger) *Loader {
	return &Loader{
		appointments: appointments,
		doctors:      doctors,
		patients:     patients,
		logger:       logger.With().Str("component", "encounter_loader").Logger(),
	}
}

func (l *Loader) LoadAppointment(ctx context.Context, id int64) (*Appointment, error) {
	if id <= 0 {
		return nil, &ValidationError{Field: "appointment_id", Message: "must be a positive integer"}
	}
	appt, err := l.appointments.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("appointment %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load appointment %d: %w", id, err)
	}
	return appt, nil
}

// LoadDoctor never fails: a lookup error yields UnknownDoctor.
func (l *Loader) LoadDoctor(ctx context.Context, doctorID int64) Doctor {
	doc, err := l.doctors.GetDoctor(ctx, doctorID)
	if err != nil || doc == nil {
		l.logger.Warn().Err(err).Int64("doctor_id", doctorID).Msg("doctor lookup failed, using placeholder")
		unknown := UnknownDoctor
		unknown.ID = doctorID
		return unknown
	}
	return *doc
}

// LoadPatient returns nil when the lookup fails; the failure is only logged.
func (l *Loader) LoadPatient(ctx context.Context, patientID int64) *Patient {
	p, err := l.patients.GetPatient(ctx, patientID)
	if err != nil {
		l.logger.Warn().Err(err).Int64("patient_id", patientID).Msg("patient lookup failed")
		return nil
	}
	return p
}

// Load resolves the full encounter for an appointment and seeds its draft.
func (l *Loader) Load(ctx context.Context, appointmentID int64) (*Encounter, error) {
	appt, err := l.LoadAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return &Encounter{
		Appointment: appt,
		Doctor:      l.LoadDoctor(ctx, appt.DoctorID),
		Patient:     l.LoadPatient(ctx, appt.PatientID),
		Draft:       DraftFromAppointment(appt),
	}, nil
}
