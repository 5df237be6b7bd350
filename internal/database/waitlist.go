package database

import (
	"context"
	"fmt"
	"time"

	"github.com/masseurmatch/callrelay/internal/waitlist"
)

// WaitlistRecord is a stored waitlist entry.
type WaitlistRecord struct {
	ID int64
	waitlist.Entry
	CreatedAt time.Time
}

// InsertWaitlistEntry stores one signup.
func (db *DB) InsertWaitlistEntry(ctx context.Context, e waitlist.Entry) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO waitlist (full_name, phone, email, role, call_sid)
		 VALUES (?, ?, ?, ?, ?)`,
		e.FullName, e.Phone, e.Email, e.Role, e.CallSID,
	)
	if err != nil {
		return fmt.Errorf("inserting waitlist entry: %w", err)
	}
	return nil
}

// ListWaitlistEntries returns the most recent signups, newest first.
func (db *DB) ListWaitlistEntries(ctx context.Context, limit int) ([]WaitlistRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, full_name, phone, email, role, call_sid, created_at
		 FROM waitlist ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying waitlist: %w", err)
	}
	defer rows.Close()

	var out []WaitlistRecord
	for rows.Next() {
		var r WaitlistRecord
		if err := rows.Scan(&r.ID, &r.FullName, &r.Phone, &r.Email, &r.Role, &r.CallSID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning waitlist row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating waitlist rows: %w", err)
	}
	return out, nil
}

// CountWaitlistEntries returns the number of stored signups.
func (db *DB) CountWaitlistEntries(ctx context.Context) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM waitlist`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting waitlist entries: %w", err)
	}
	return n, nil
}
