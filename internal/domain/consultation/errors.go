package consultation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a collaborator has no record for an id.
	ErrNotFound = errors.New("not found")

	// ErrCompletionInFlight is returned when another completion of the same
	// appointment holds the pending-completion marker.
	ErrCompletionInFlight = errors.New("completion already in progress for this appointment")

	// ErrEmptyResponse is returned when a collaborator reports success
	// without the record it was asked to produce.
	ErrEmptyResponse = errors.New("backend returned no record")

	// ErrEntryNotPending is returned when a journal entry was already closed,
	// typically abandoned after its lease expired.
	ErrEntryNotPending = errors.New("journal entry is no longer pending")
)

// ValidationError blocks a completion before any mutation is issued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Step names a stage of the completion sequence.
type Step string

const (
	StepLoad        Step = "load"
	StepLabOrders   Step = "lab-orders"
	StepDocuments   Step = "documents"
	StepAppointment Step = "appointment"
)

// StepError reports which completion step failed. Uploaded lists documents
// that reached the store before the failure; Compensations lists the undo
// actions that were attempted afterwards.
type StepError struct {
	Step          Step
	Err           error
	Uploaded      []string
	Compensations []CompensationResult
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CompensationFailed reports whether any undo action could not be applied,
// which leaves the backend partially committed.
func (e *StepError) CompensationFailed() bool {
	for _, c := range e.Compensations {
		if c.Err != nil || c.Error != "" {
			return true
		}
	}
	return false
}

// UploadError is returned by the stager when one file fails. Uploaded holds
// the URLs of the files that preceded it.
type UploadError struct {
	File     string
	Uploaded []string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %q failed after %d file(s): %v", e.File, len(e.Uploaded), e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// LabOrderError names the lab test a reconciler operation failed on.
type LabOrderError struct {
	Op       string
	TestName string
	Err      error
}

func (e *LabOrderError) Error() string {
	return fmt.Sprintf("%s lab order %q: %v", e.Op, e.TestName, e.Err)
}

func (e *LabOrderError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
