package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/events"
	"github.com/KayMas2808/RuralLend/internal/metrics"
	"github.com/KayMas2808/RuralLend/internal/repo"
	"github.com/KayMas2808/RuralLend/internal/sequence"
	"github.com/KayMas2808/RuralLend/internal/services"
)

var (
	errHalted   = errors.New("queue halted on failed entry")
	errReplaced = errors.New("payload replaced during transfer")
)

// StartDrain starts the drain worker unless it is already running. A call
// while the worker runs makes it look at the queue again before exiting.
func (q *Queue) StartDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx.Err() != nil || !q.allowedLocked() {
		return
	}
	if q.draining {
		q.rerun = true
		return
	}
	q.draining = true
	q.rerun = false
	q.wg.Add(1)
	go q.drainLoop()
}

// Draining reports whether the worker is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

func (q *Queue) drainLoop() {
	defer q.wg.Done()
	for {
		q.drainPass(q.ctx)
		q.mu.Lock()
		if q.rerun && q.ctx.Err() == nil && q.allowedLocked() {
			q.rerun = false
			q.mu.Unlock()
			continue
		}
		q.draining = false
		q.mu.Unlock()
		return
	}
}

// drainPass uploads entries in queue order as one sequence whose stages are
// the entries. It stops at the first entry that does not complete.
func (q *Queue) drainPass(ctx context.Context) {
	for {
		entries, err := q.repo.ListUploads(ctx)
		if err != nil {
			if ctx.Err() == nil {
				q.log.WithError(err).Error("list uploads", nil)
			}
			return
		}
		if len(entries) == 0 {
			return
		}
		stages := make([]sequence.Stage, 0, len(entries))
		for _, e := range entries {
			stages = append(stages, sequence.Stage{Name: e.ArtifactID, Run: func(ctx context.Context) error {
				if e.Status == domain.UploadFailed {
					return errHalted
				}
				return q.transfer(ctx, e)
			}})
		}
		err = sequence.Run(ctx, stages, nil)
		if errors.Is(err, errReplaced) {
			// the same head goes again with its new payload
			continue
		}
		if err != nil {
			if errors.Is(err, errHalted) {
				q.log.Debug("drain halted", nil)
			}
			return
		}
		// entries enqueued during the pass are picked up on the next listing
	}
}

// transfer runs one entry through its attempt budget. Every write is made
// against the generation e was listed at, so a payload replaced mid-transfer
// is neither completed nor failed on the strength of the old bytes.
func (q *Queue) transfer(ctx context.Context, e domain.UploadEntry) error {
	logFields := map[string]any{"artifact_id": e.ArtifactID, "owner_record_id": e.OwnerRecordID}
	payload, err := q.repo.UploadPayload(ctx, e.ArtifactID)
	if err != nil {
		return err
	}
	attempt := func(ctx context.Context) error {
		if !q.allowed() {
			return apperr.Offline("upload")
		}
		e.Attempts++
		e.Status = domain.UploadUploading
		if err := q.save(ctx, e); err != nil {
			return err
		}
		_, err := services.Call(ctx, q.clk, q.timeout, "upload", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, q.uploader.UploadArtifact(ctx, e.ArtifactID, payload)
		})
		metrics.UploadAttempts.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		if err != nil && ctx.Err() == nil {
			e.LastError = err.Error()
			if saveErr := q.save(ctx, e); saveErr != nil {
				return saveErr
			}
		}
		return err
	}
	err = services.Retry(ctx, q.clk, q.policy, attempt, func(n int, err error, wait time.Duration) {
		q.log.With(logFields).Warn("upload failed, retrying", map[string]any{"attempt": n, "wait": wait.String(), "error": err.Error()})
		q.notify(Notice{Kind: NoticeRetrying, ArtifactID: e.ArtifactID, OwnerRecordID: e.OwnerRecordID, Attempts: e.Attempts, LastError: e.LastError, Wait: wait})
	})

	switch {
	case err == nil:
		err = q.complete(e)
	case errors.Is(err, repo.ErrSuperseded):
	case ctx.Err() != nil:
		// abandoned by Close; the entry resumes as pending on next Open
		q.release(e)
		return ctx.Err()
	case apperr.IsOffline(err):
		q.release(e)
		q.log.With(logFields).Info("upload paused while offline", nil)
		q.notify(Notice{Kind: NoticePaused, ArtifactID: e.ArtifactID, OwnerRecordID: e.OwnerRecordID, Attempts: e.Attempts, LastError: e.LastError})
		return err
	default:
		if failErr := q.fail(e, err); !errors.Is(failErr, repo.ErrSuperseded) {
			return err
		}
		err = repo.ErrSuperseded
	}
	if errors.Is(err, repo.ErrSuperseded) {
		q.log.With(logFields).Info("payload replaced during upload, sending again", nil)
		return errReplaced
	}
	return err
}

func (q *Queue) save(ctx context.Context, e domain.UploadEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.UpdatedAt = q.now()
	return q.repo.UpdateUploadGeneration(ctx, e)
}

func (q *Queue) release(e domain.UploadEntry) {
	e.Status = domain.UploadPending
	err := q.save(context.Background(), e)
	if err != nil && !errors.Is(err, repo.ErrNotFound) && !errors.Is(err, repo.ErrSuperseded) {
		q.log.WithError(err).Error("release upload", map[string]any{"artifact_id": e.ArtifactID})
	}
}

func (q *Queue) complete(e domain.UploadEntry) error {
	ctx := context.Background()
	e.Status = domain.UploadCompleted
	e.LastError = ""
	q.mu.Lock()
	err := q.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		e.UpdatedAt = q.now()
		if err := r.UpdateUploadGeneration(ctx, e); err != nil {
			return err
		}
		if err := q.events.Append(ctx, tx, EventCompleted, e.OwnerRecordID, "artifact", e.ArtifactID, "", events.EventPayload{"attempts": e.Attempts}); err != nil {
			return err
		}
		if err := r.DeleteUpload(ctx, e.ArtifactID); err != nil {
			return err
		}
		_, err := r.PruneRetainedRecords(ctx)
		return err
	})
	q.mu.Unlock()
	if errors.Is(err, repo.ErrSuperseded) {
		return err
	}
	if err != nil {
		q.log.WithError(err).Error("complete upload", map[string]any{"artifact_id": e.ArtifactID})
		return err
	}
	metrics.UploadsFinished.WithLabelValues("completed").Inc()
	q.refreshDepth(ctx)
	q.log.Info("upload completed", map[string]any{"artifact_id": e.ArtifactID, "attempts": e.Attempts})
	q.notify(Notice{Kind: NoticeCompleted, ArtifactID: e.ArtifactID, OwnerRecordID: e.OwnerRecordID, Attempts: e.Attempts})
	return nil
}

func (q *Queue) fail(e domain.UploadEntry, cause error) error {
	ctx := context.Background()
	e.Status = domain.UploadFailed
	e.LastError = cause.Error()
	q.mu.Lock()
	err := q.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		e.UpdatedAt = q.now()
		if err := r.UpdateUploadGeneration(ctx, e); err != nil {
			return err
		}
		return q.events.Append(ctx, tx, EventFailed, e.OwnerRecordID, "artifact", e.ArtifactID, "", events.EventPayload{
			"attempts": e.Attempts, "error": e.LastError, "code": string(apperr.CodeOf(cause)),
		})
	})
	q.mu.Unlock()
	if errors.Is(err, repo.ErrSuperseded) {
		return err
	}
	if err != nil {
		q.log.WithError(err).Error("fail upload", map[string]any{"artifact_id": e.ArtifactID})
		return err
	}
	metrics.UploadsFinished.WithLabelValues("failed").Inc()
	q.log.WithError(cause).Warn("upload failed", map[string]any{"artifact_id": e.ArtifactID, "attempts": e.Attempts})
	q.notify(Notice{Kind: NoticeFailed, ArtifactID: e.ArtifactID, OwnerRecordID: e.OwnerRecordID, Attempts: e.Attempts, LastError: e.LastError})
	return nil
}
