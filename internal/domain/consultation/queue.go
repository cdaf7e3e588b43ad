package consultation

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ehr/opd/pkg/pagination"
)

const (
	DefaultQueuePageSize     = 100
	DefaultQueueDisplayLimit = 3
	DefaultQueueMaxPages     = 50

	unknownPatientName = "Unknown"
	unknownComplaint   = "N/A"
)

// QueueOptions tunes paging and the display bound of the waiting queue.
type QueueOptions struct {
	PageSize     int
	DisplayLimit int
	MaxPages     int
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.PageSize <= 0 {
		o.PageSize = DefaultQueuePageSize
	}
	if o.DisplayLimit <= 0 {
		o.DisplayLimit = DefaultQueueDisplayLimit
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultQueueMaxPages
	}
	return o
}

// Queue is the waiting queue of one doctor. Entries is the bounded display
// view; Ordered is the complete first-come-first-served order.
type Queue struct {
	Entries []QueueEntry   `json:"entries"`
	Ordered []*Appointment `json:"-"`
	Total   int            `json:"total"`
}

// Next picks the encounter to route to after the current one completes.
func (q *Queue) Next() RoutingDecision {
	if q == nil || len(q.Ordered) == 0 {
		return BackToList
	}
	return RoutingDecision{Kind: RouteAppointment, AppointmentID: q.Ordered[0].ID}
}

// QueueBuilder derives the waiting queue of a doctor.
type QueueBuilder struct {
	appointments AppointmentStore
	patients     PatientReader
	opts         QueueOptions
	logger       zerolog.Logger
}

func NewQueueBuilder(appointments AppointmentStore, patients PatientReader, opts QueueOptions, logger zerolog.Logger) *QueueBuilder {
	return &QueueBuilder{
		appointments: appointments,
		patients:     patients,
		opts:         opts.withDefaults(),
		logger:       logger.With().Str("component", "queue_builder").Logger(),
	}
}

// Build lists every waiting appointment of the doctor except the current one,
// orders them by (date, time) and resolves display rows for the head of the
// queue.
func (b *QueueBuilder) Build(ctx context.Context, doctorID, currentAppointmentID int64) (*Queue, error) {
	waiting, err := b.listAllWaiting(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	ordered := make([]*Appointment, 0, len(waiting))
	seen := make(map[int64]bool, len(waiting))
	for _, a := range waiting {
		if a == nil || a.ID == currentAppointmentID || a.Status != StatusWaiting || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		ordered = append(ordered, a)
	}
	SortByArrival(ordered)

	shown := ordered
	if len(shown) > b.opts.DisplayLimit {
		shown = shown[:b.opts.DisplayLimit]
	}
	entries := make([]QueueEntry, 0, len(shown))
	for _, a := range shown {
		entries = append(entries, b.entryFor(ctx, a))
	}

	return &Queue{Entries: entries, Ordered: ordered, Total: len(ordered)}, nil
}

func (b *QueueBuilder) listAllWaiting(ctx context.Context, doctorID int64) ([]*Appointment, error) {
	var all []*Appointment
	p := pagination.ForPage(1, b.opts.PageSize)
	for pages := 1; ; pages++ {
		if pages > b.opts.MaxPages {
			return nil, fmt.Errorf("waiting list of doctor %d exceeds %d pages of %d", doctorID, b.opts.MaxPages, p.Limit)
		}
		page, err := b.appointments.ListWaitingAppointments(ctx, doctorID, p.Page(), p.Limit)
		if err != nil {
			return nil, fmt.Errorf("list waiting appointments of doctor %d (page %d): %w", doctorID, p.Page(), err)
		}
		if len(page.Items) == 0 {
			return all, nil
		}
		all = append(all, page.Items...)

		// With a reported total, keep paging until it is collected; backends
		// may cap limit below what was asked. Otherwise a short page ends it.
		if page.Total > 0 {
			if len(all) >= page.Total {
				return all, nil
			}
		} else if len(page.Items) < p.Limit {
			return all, nil
		}
		p = p.Next()
	}
}

func (b *QueueBuilder) entryFor(ctx context.Context, a *Appointment) QueueEntry {
	entry := QueueEntry{
		Token:          a.Token,
		PatientName:    unknownPatientName,
		ChiefComplaint: unknownComplaint,
		AppointmentID:  a.ID,
	}
	p, err := b.patients.GetPatient(ctx, a.PatientID)
	if err != nil || p == nil {
		b.logger.Warn().Err(err).
			Int64("appointment_id", a.ID).
			Int64("patient_id", a.PatientID).
			Msg("queue patient lookup failed, using placeholders")
		return entry
	}
	if p.Name != "" {
		entry.PatientName = p.Name
	}
	switch {
	case a.ChiefComplaint != "":
		entry.ChiefComplaint = a.ChiefComplaint
	case p.ChiefComplaint != "":
		entry.ChiefComplaint = p.ChiefComplaint
	}
	return entry
}

// SortByArrival orders appointments by date then time. Both are fixed-width
// zero-padded strings, so byte order is chronological order. Equal slots
// keep their listing order.
func SortByArrival(appts []*Appointment) {
	sort.SliceStable(appts, func(i, j int) bool {
		if appts[i].Date != appts[j].Date {
			return appts[i].Date < appts[j].Date
		}
		return appts[i].Time < appts[j].Time
	})
}
