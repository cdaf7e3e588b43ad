package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL SQLSTATE raised by the one-pending-entry
// index.
const uniqueViolation = "23505"

type journalPG struct {
	pool *pgxpool.Pool
}

func NewJournalPG(pool *pgxpool.Pool) Journal {
	return &journalPG{pool: pool}
}

const journalCols = `id, appointment_id, status, step, error, compensations, orphaned, started_at, finished_at`

func (r *journalPG) Begin(ctx context.Context, appointmentID int64, lease time.Duration) (*JournalEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cutoff := time.Now().UTC().Add(-lease)
	if _, err := tx.Exec(ctx, `
		UPDATE completion_journal SET status = $3, finished_at = NOW()
		WHERE appointment_id = $1 AND status = $2 AND started_at < $4`,
		appointmentID, JournalPending, JournalAbandoned, cutoff,
	); err != nil {
		return nil, fmt.Errorf("abandon stale completions: %w", err)
	}

	e := &JournalEntry{ID: uuid.New(), AppointmentID: appointmentID, Status: JournalPending}
	err = tx.QueryRow(ctx, `
		INSERT INTO completion_journal (id, appointment_id, status)
		VALUES ($1, $2, $3)
		RETURNING started_at`,
		e.ID, e.AppointmentID, e.Status,
	).Scan(&e.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrCompletionInFlight
		}
		return nil, fmt.Errorf("insert completion journal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return e, nil
}

func (r *journalPG) MarkStep(ctx context.Context, id uuid.UUID, step Step) error {
	tag, err := r.pool.Exec(ctx, `UPDATE completion_journal SET step = $2 WHERE id = $1`, id, step)
	if err != nil {
		return fmt.Errorf("mark completion step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journal entry %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *journalPG) Finish(ctx context.Context, e *JournalEntry) error {
	comps, err := marshalNullable(e.Compensations, len(e.Compensations) == 0)
	if err != nil {
		return fmt.Errorf("encode compensations: %w", err)
	}
	orphaned, err := marshalNullable(e.Orphaned, len(e.Orphaned) == 0)
	if err != nil {
		return fmt.Errorf("encode orphaned: %w", err)
	}

	var finished time.Time
	err = r.pool.QueryRow(ctx, `
		UPDATE completion_journal SET
			status = $2, step = $3, error = $4, compensations = $5, orphaned = $6, finished_at = NOW()
		WHERE id = $1 AND status = $7
		RETURNING finished_at`,
		e.ID, e.Status, nullString(string(e.Step)), nullString(e.Error), comps, orphaned, JournalPending,
	).Scan(&finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.notPending(ctx, e.ID)
	}
	if err != nil {
		return fmt.Errorf("finish completion journal: %w", err)
	}
	e.FinishedAt = &finished
	return nil
}

// notPending explains why Finish matched no row.
func (r *journalPG) notPending(ctx context.Context, id uuid.UUID) error {
	var status JournalStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM completion_journal WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("journal entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read completion journal: %w", err)
	}
	return fmt.Errorf("journal entry %s is %s: %w", id, status, ErrEntryNotPending)
}

func (r *journalPG) ListByAppointment(ctx context.Context, appointmentID int64, limit, offset int) ([]*JournalEntry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM completion_journal WHERE appointment_id = $1`, appointmentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count completion journal: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+journalCols+` FROM completion_journal
		WHERE appointment_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, appointmentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list completion journal: %w", err)
	}
	defer rows.Close()

	entries, err := scanJournalRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *journalPG) ExpirePending(ctx context.Context, startedBefore time.Time) ([]*JournalEntry, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE completion_journal SET status = $2, finished_at = NOW()
		WHERE status = $1 AND started_at < $3
		RETURNING `+journalCols,
		JournalPending, JournalAbandoned, startedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("expire pending completions: %w", err)
	}
	defer rows.Close()
	return scanJournalRows(rows)
}

func scanJournalRows(rows pgx.Rows) ([]*JournalEntry, error) {
	var entries []*JournalEntry
	for rows.Next() {
		var (
			e              JournalEntry
			step, errMsg   *string
			comps, orphans []byte
		)
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.Status, &step, &errMsg, &comps, &orphans, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan completion journal: %w", err)
		}
		if step != nil {
			e.Step = Step(*step)
		}
		if errMsg != nil {
			e.Error = *errMsg
		}
		if len(comps) > 0 {
			if err := json.Unmarshal(comps, &e.Compensations); err != nil {
				return nil, fmt.Errorf("decode compensations of %s: %w", e.ID, err)
			}
		}
		if len(orphans) > 0 {
			if err := json.Unmarshal(orphans, &e.Orphaned); err != nil {
				return nil, fmt.Errorf("decode orphaned of %s: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completion journal: %w", err)
	}
	return entries, nil
}

func marshalNullable(v interface{}, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
