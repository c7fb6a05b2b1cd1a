package repo

import (
	"context"
	"database/sql"
	"time"
)

// Record statuses kept in intake_records.
const (
	RecordActive   = "active"
	RecordRetained = "retained"
)

// StoredRecord is a persisted intake record as JSON.
type StoredRecord struct {
	ID        string
	Status    string
	JSON      []byte
	CreatedAt string
	UpdatedAt string
}

// SaveSnapshot replaces the single flow snapshot row.
func (r Repo) SaveSnapshot(ctx context.Context, state string, snapshot []byte, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO flow_snapshots(id,state,snapshot_json,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state, snapshot_json=excluded.snapshot_json, updated_at=excluded.updated_at`,
		state, string(snapshot), now.UTC().Format(time.RFC3339))
	return err
}

// LoadSnapshot returns ErrNotFound on a fresh workspace.
func (r Repo) LoadSnapshot(ctx context.Context) (string, []byte, error) {
	var state, body string
	err := r.DB.QueryRowContext(ctx, `SELECT state, snapshot_json FROM flow_snapshots WHERE id=1`).Scan(&state, &body)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return state, []byte(body), nil
}

func (r Repo) UpsertRecord(ctx context.Context, id, status string, body []byte, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO intake_records(id,status,record_json,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, record_json=excluded.record_json, updated_at=excluded.updated_at`,
		id, status, string(body), ts, ts)
	return err
}

func (r Repo) GetRecord(ctx context.Context, id string) (StoredRecord, error) {
	var rec StoredRecord
	var body string
	err := r.DB.QueryRowContext(ctx, `SELECT id,status,record_json,created_at,updated_at FROM intake_records WHERE id=?`, id).
		Scan(&rec.ID, &rec.Status, &body, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	rec.JSON = []byte(body)
	return rec, err
}

func (r Repo) ListRecords(ctx context.Context, status string) ([]StoredRecord, error) {
	query := `SELECT id,status,record_json,created_at,updated_at FROM intake_records`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StoredRecord
	for rows.Next() {
		var rec StoredRecord
		var body string
		if err := rows.Scan(&rec.ID, &rec.Status, &body, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.JSON = []byte(body)
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRecord(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM intake_records WHERE id=?`, id)
	return err
}

// PruneRetainedRecords drops retained records whose artifacts have all left the queue.
func (r Repo) PruneRetainedRecords(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM intake_records WHERE status=? AND NOT EXISTS (SELECT 1 FROM upload_queue q WHERE q.owner_record_id=intake_records.id)`, RecordRetained)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
