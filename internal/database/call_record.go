package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/call"
	"github.com/foleys1972/Mobile-trader/internal/database/models"
)

const callRecordColumns = `id, bank_id, line_id, address, kind, direction, status, reason,
	 start_time, answer_time, end_time, duration_ms`

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// ArchiveCall stores a terminated session. Archiving the same call twice
// keeps the latest copy.
func (r *callRecordRepo) ArchiveCall(ctx context.Context, s call.Session) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO call_records (`+callRecordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		 status = excluded.status, reason = excluded.reason,
		 answer_time = excluded.answer_time, end_time = excluded.end_time,
		 duration_ms = excluded.duration_ms`),
		s.ID, s.BankID, s.LineID, s.Address, string(s.Kind), string(s.Direction),
		string(s.Status), s.Reason, s.StartTime.UTC(), utcPtr(s.AnswerTime), utcPtr(s.EndTime),
		s.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("archiving call %s: %w", s.ID, err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// GetByID returns an archived call, or nil when absent.
func (r *callRecordRepo) GetByID(ctx context.Context, id string) (*models.CallRecord, error) {
	row := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+callRecordColumns+` FROM call_records WHERE id = ?`), id)

	var c models.CallRecord
	err := row.Scan(&c.ID, &c.BankID, &c.LineID, &c.Address, &c.Kind, &c.Direction,
		&c.Status, &c.Reason, &c.StartTime, &c.AnswerTime, &c.EndTime, &c.DurationMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call record: %w", err)
	}
	return &c, nil
}

// List returns archived calls matching the filter, newest first, along
// with the total count.
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.BankID != "" {
		where += " AND bank_id = ?"
		args = append(args, filter.BankID)
	}
	if filter.LineID != "" {
		where += " AND line_id = ?"
		args = append(args, filter.LineID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	countQuery := r.db.rebind("SELECT COUNT(*) FROM call_records WHERE " + where)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := r.db.rebind(`SELECT ` + callRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	records := []models.CallRecord{}
	for rows.Next() {
		var c models.CallRecord
		if err := rows.Scan(&c.ID, &c.BankID, &c.LineID, &c.Address, &c.Kind, &c.Direction,
			&c.Status, &c.Reason, &c.StartTime, &c.AnswerTime, &c.EndTime, &c.DurationMS); err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}
	return records, total, nil
}

// DeleteBefore removes archived calls that started before the cutoff and
// returns how many were removed.
func (r *callRecordRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.rebind("DELETE FROM call_records WHERE start_time < ?"), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting call records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted call records: %w", err)
	}
	return n, nil
}

// CountByStatus returns archived call counts grouped by final status.
func (r *callRecordRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM call_records GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting call records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}
	return counts, nil
}
