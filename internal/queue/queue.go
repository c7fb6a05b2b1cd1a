// Package queue is the persistent, FIFO upload queue for captured artifacts.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/clock"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/events"
	"github.com/KayMas2808/RuralLend/internal/logger"
	"github.com/KayMas2808/RuralLend/internal/metrics"
	"github.com/KayMas2808/RuralLend/internal/repo"
	"github.com/KayMas2808/RuralLend/internal/services"
)

// Event types written to the audit log.
const (
	EventEnqueued  = "upload.enqueued"
	EventCompleted = "upload.completed"
	EventFailed    = "upload.failed"
	EventRetried   = "upload.retried"
	EventSkipped   = "upload.skipped"
)

type NoticeKind string

const (
	NoticeCompleted NoticeKind = "completed"
	NoticeRetrying  NoticeKind = "retrying"
	NoticeFailed    NoticeKind = "failed"
	NoticePaused    NoticeKind = "paused"
	NoticeRequeued  NoticeKind = "requeued"
)

// Notice reports drain progress to the orchestrator loop.
type Notice struct {
	Kind          NoticeKind
	ArtifactID    string
	OwnerRecordID string
	Attempts      int
	LastError     string
	Wait          time.Duration
}

// EntryStatus is one entry as shown to the user.
type EntryStatus struct {
	domain.UploadEntry
	Progress int `json:"progress"`
}

func progressOf(s domain.UploadStatus) int {
	switch s {
	case domain.UploadCompleted:
		return 100
	case domain.UploadUploading:
		return 50
	default:
		return 0
	}
}

type Options struct {
	DB          *sql.DB
	Uploader    services.Uploader
	Clock       clock.Clock
	Policy      services.RetryPolicy
	CallTimeout time.Duration
	Logger      logger.Logger
}

// Queue owns the upload_queue table. Mutations are serialized by mu; the
// transfer itself runs on a single drain worker outside the lock.
type Queue struct {
	db       *sql.DB
	repo     repo.Repo
	events   events.Writer
	uploader services.Uploader
	clk      clock.Clock
	policy   services.RetryPolicy
	timeout  time.Duration
	log      logger.Logger

	mu          sync.Mutex
	conn        services.Connectivity
	trustedOnly bool
	draining    bool
	rerun       bool

	notices chan Notice
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open loads the queue from storage. Entries a crash left uploading go back
// to pending. The queue starts offline; call SetConnectivity to drain.
func Open(ctx context.Context, opts Options) (*Queue, error) {
	if opts.DB == nil || opts.Uploader == nil {
		return nil, errors.New("queue: db and uploader are required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	clk := clock.Or(opts.Clock)
	q := &Queue{
		db:       opts.DB,
		repo:     repo.Repo{DB: opts.DB},
		events:   events.Writer{Now: clk.Now},
		uploader: opts.Uploader,
		clk:      clk,
		policy:   opts.Policy,
		timeout:  opts.CallTimeout,
		log:      log.With(map[string]any{"component": "upload_queue"}),
		notices:  make(chan Notice, 128),
	}
	reset, err := q.repo.ResetInterruptedUploads(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset interrupted uploads: %w", err)
	}
	if reset > 0 {
		q.log.Info("resumed interrupted uploads", map[string]any{"count": reset})
	}
	prefs, err := q.repo.GetPreferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	q.trustedOnly = prefs.TrustedNetworkOnly
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.refreshDepth(ctx)
	return q, nil
}

// Close stops the drain worker and waits for it to exit. An upload in
// flight is abandoned and its entry returns to pending.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) Notices() <-chan Notice { return q.notices }

func (q *Queue) notify(n Notice) {
	select {
	case q.notices <- n:
	default:
		q.log.Warn("notice dropped", map[string]any{"kind": string(n.Kind), "artifact_id": n.ArtifactID})
	}
}

func (q *Queue) now() string { return q.clk.Now().UTC().Format(time.RFC3339) }

func (q *Queue) allowedLocked() bool {
	if !q.conn.Online {
		return false
	}
	return !q.trustedOnly || q.conn.Trusted
}

func (q *Queue) allowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allowedLocked()
}

// SetConnectivity records the network signal and starts draining once it
// allows uploads.
func (q *Queue) SetConnectivity(c services.Connectivity) {
	q.mu.Lock()
	q.conn = c
	ok := q.allowedLocked()
	q.mu.Unlock()
	if ok {
		q.StartDrain()
	}
}

// SetTrustedNetworkOnly persists the preference and applies it immediately.
func (q *Queue) SetTrustedNetworkOnly(ctx context.Context, on bool) error {
	q.mu.Lock()
	if err := q.repo.SetTrustedNetworkOnly(ctx, on, q.clk.Now()); err != nil {
		q.mu.Unlock()
		return err
	}
	q.trustedOnly = on
	ok := q.allowedLocked()
	q.mu.Unlock()
	if ok {
		q.StartDrain()
	}
	return nil
}

func (q *Queue) Preferences(ctx context.Context) (domain.Preferences, error) {
	return q.repo.GetPreferences(ctx)
}

// Enqueue adds a pending entry for a. Enqueueing an id that is already queued
// replaces its payload in place: the entry keeps its position and goes back
// to pending with a fresh attempt budget, even if it had failed.
func (q *Queue) Enqueue(ctx context.Context, a domain.Artifact, ownerRecordID string) error {
	if a.ID == "" {
		return apperr.NewValidation("artifact_id", apperr.CodeMissingRequired, "artifact_id is a required field")
	}
	size := a.SizeBytes
	if size == 0 {
		size = int64(len(a.Bytes))
	}
	ts := q.now()
	entry := domain.UploadEntry{ArtifactID: a.ID, OwnerRecordID: ownerRecordID, Kind: a.Kind, SizeBytes: size, EnqueuedAt: ts, UpdatedAt: ts}

	var revived bool
	q.mu.Lock()
	err := q.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		prev, err := r.GetUpload(ctx, a.ID)
		replaced := err == nil
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		revived = replaced && prev.Status == domain.UploadFailed
		if err := r.UpsertUpload(ctx, entry, a.Bytes); err != nil {
			return err
		}
		return q.events.Append(ctx, tx, EventEnqueued, ownerRecordID, "artifact", a.ID, "", events.EventPayload{"kind": string(a.Kind), "size_bytes": size, "replaced": replaced})
	})
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", a.ID, err)
	}
	q.refreshDepth(ctx)
	if revived {
		q.notify(Notice{Kind: NoticeRequeued, ArtifactID: a.ID, OwnerRecordID: ownerRecordID})
	}
	q.StartDrain()
	return nil
}

// Retry resets a failed entry to pending with a fresh attempt budget and
// resumes draining from its position.
func (q *Queue) Retry(ctx context.Context, artifactID string) error {
	var owner string
	q.mu.Lock()
	err := q.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		e, err := r.GetUpload(ctx, artifactID)
		if err != nil {
			return err
		}
		if e.Status != domain.UploadFailed {
			return apperr.NewValidation("artifact_id", apperr.CodeInvalidValue, "upload %s is %s, only failed uploads can be retried", artifactID, e.Status)
		}
		e.Status = domain.UploadPending
		e.Attempts = 0
		e.UpdatedAt = q.now()
		if err := r.UpdateUpload(ctx, e); err != nil {
			return err
		}
		owner = e.OwnerRecordID
		return q.events.Append(ctx, tx, EventRetried, e.OwnerRecordID, "artifact", artifactID, "", nil)
	})
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.notify(Notice{Kind: NoticeRequeued, ArtifactID: artifactID, OwnerRecordID: owner})
	q.StartDrain()
	return nil
}

// Skip moves a failed entry behind every other entry so the rest can drain.
// The entry stays failed and is never dropped.
func (q *Queue) Skip(ctx context.Context, artifactID string) error {
	q.mu.Lock()
	err := q.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		e, err := r.GetUpload(ctx, artifactID)
		if err != nil {
			return err
		}
		if e.Status != domain.UploadFailed {
			return apperr.NewValidation("artifact_id", apperr.CodeInvalidValue, "upload %s is %s, only failed uploads can be skipped", artifactID, e.Status)
		}
		if err := r.MoveUploadToTail(ctx, artifactID, q.clk.Now()); err != nil {
			return err
		}
		return q.events.Append(ctx, tx, EventSkipped, e.OwnerRecordID, "artifact", artifactID, "", nil)
	})
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.StartDrain()
	return nil
}

// Snapshot returns every entry in queue order.
func (q *Queue) Snapshot(ctx context.Context) ([]EntryStatus, error) {
	entries, err := q.repo.ListUploads(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]EntryStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryStatus{UploadEntry: e, Progress: progressOf(e.Status)})
	}
	return out, nil
}

// Status yields a fresh snapshot on every range. It never mutates the queue.
func (q *Queue) Status() iter.Seq[EntryStatus] {
	return func(yield func(EntryStatus) bool) {
		entries, err := q.Snapshot(context.Background())
		if err != nil {
			q.log.WithError(err).Error("queue status", nil)
			return
		}
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Stalled returns a QueueStallError for the first of ids that is failed.
// Unknown ids have already completed and left the queue.
func (q *Queue) Stalled(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		e, err := q.repo.GetUpload(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if e.Status == domain.UploadFailed {
			return &apperr.QueueStallError{ArtifactID: id, Attempts: e.Attempts, LastError: e.LastError}
		}
	}
	return nil
}

// Completed reports whether id was confirmed by the uploader.
func (q *Queue) Completed(ctx context.Context, id string) (bool, error) {
	evts, err := q.repo.LatestEvents(ctx, 1, "", EventCompleted, "artifact", id)
	if err != nil {
		return false, err
	}
	return len(evts) > 0, nil
}

// HasOwner reports whether any entry still belongs to recordID.
func (q *Queue) HasOwner(ctx context.Context, recordID string) (bool, error) {
	n, err := q.repo.CountUploadsByOwner(ctx, recordID)
	return n > 0, err
}

func (q *Queue) inTx(ctx context.Context, fn func(r repo.Repo, tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(q.repo.WithTx(tx), tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *Queue) refreshDepth(ctx context.Context) {
	entries, err := q.repo.ListUploads(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(len(entries)))
}
