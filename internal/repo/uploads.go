package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/KayMas2808/RuralLend/internal/domain"
)

const uploadColumns = `artifact_id,seq,owner_record_id,kind,size_bytes,status,attempts,COALESCE(last_error,''),enqueued_at,updated_at,generation`

func scanUpload(scan func(dest ...any) error) (domain.UploadEntry, error) {
	var e domain.UploadEntry
	var kind, status string
	err := scan(&e.ArtifactID, &e.Seq, &e.OwnerRecordID, &kind, &e.SizeBytes, &status, &e.Attempts, &e.LastError, &e.EnqueuedAt, &e.UpdatedAt, &e.Generation)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Kind = domain.ArtifactKind(kind)
	e.Status = domain.UploadStatus(status)
	return e, err
}

// UpsertUpload appends a pending entry at the tail. Re-enqueueing an existing
// artifact keeps its position, replaces the payload, bumps the generation and
// puts it back to pending with a fresh attempt budget.
func (r Repo) UpsertUpload(ctx context.Context, e domain.UploadEntry, payload []byte) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO upload_queue(artifact_id,seq,owner_record_id,kind,size_bytes,payload,status,attempts,last_error,enqueued_at,updated_at)
VALUES (?,(SELECT COALESCE(MAX(seq),0)+1 FROM upload_queue),?,?,?,?,?,0,NULL,?,?)
ON CONFLICT(artifact_id) DO UPDATE SET owner_record_id=excluded.owner_record_id, kind=excluded.kind, size_bytes=excluded.size_bytes, payload=excluded.payload, status=excluded.status, attempts=0, last_error=NULL, generation=upload_queue.generation+1, updated_at=excluded.updated_at`,
		e.ArtifactID, e.OwnerRecordID, string(e.Kind), e.SizeBytes, payload, string(domain.UploadPending), e.EnqueuedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetUpload(ctx context.Context, artifactID string) (domain.UploadEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM upload_queue WHERE artifact_id=?`, artifactID)
	return scanUpload(row.Scan)
}

// ListUploads returns every entry in queue order.
func (r Repo) ListUploads(ctx context.Context) ([]domain.UploadEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+uploadColumns+` FROM upload_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UploadEntry
	for rows.Next() {
		e, err := scanUpload(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UploadPayload(ctx context.Context, artifactID string) ([]byte, error) {
	var payload []byte
	err := r.DB.QueryRowContext(ctx, `SELECT payload FROM upload_queue WHERE artifact_id=?`, artifactID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return payload, err
}

// UpdateUpload persists status, attempts and last error of an entry.
func (r Repo) UpdateUpload(ctx context.Context, e domain.UploadEntry) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE upload_queue SET status=?, attempts=?, last_error=?, updated_at=? WHERE artifact_id=?`,
		string(e.Status), e.Attempts, nullable(e.LastError), e.UpdatedAt, e.ArtifactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUploadGeneration is UpdateUpload for a writer that read e at
// e.Generation. It returns ErrSuperseded when the payload was replaced since.
func (r Repo) UpdateUploadGeneration(ctx context.Context, e domain.UploadEntry) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE upload_queue SET status=?, attempts=?, last_error=?, updated_at=? WHERE artifact_id=? AND generation=?`,
		string(e.Status), e.Attempts, nullable(e.LastError), e.UpdatedAt, e.ArtifactID, e.Generation)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.GetUpload(ctx, e.ArtifactID); err != nil {
		return err
	}
	return ErrSuperseded
}

func (r Repo) DeleteUpload(ctx context.Context, artifactID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM upload_queue WHERE artifact_id=?`, artifactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveUploadToTail re-sequences an entry behind every other entry.
func (r Repo) MoveUploadToTail(ctx context.Context, artifactID string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE upload_queue SET seq=(SELECT COALESCE(MAX(seq),0)+1 FROM upload_queue), updated_at=? WHERE artifact_id=?`,
		now.UTC().Format(time.RFC3339), artifactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetInterruptedUploads returns entries left uploading by a crash to pending.
func (r Repo) ResetInterruptedUploads(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE upload_queue SET status=? WHERE status=?`, string(domain.UploadPending), string(domain.UploadUploading))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountUploadsByOwner returns how many queue entries still belong to a record.
func (r Repo) CountUploadsByOwner(ctx context.Context, recordID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_queue WHERE owner_record_id=?`, recordID).Scan(&n)
	return n, err
}
