// Package engine drives the loan intake flow. Every input passes through a
// single control loop that applies Transition, persists the result and
// starts whatever external work the step asked for.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/clock"
	"github.com/KayMas2808/RuralLend/internal/config"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/events"
	"github.com/KayMas2808/RuralLend/internal/loans"
	"github.com/KayMas2808/RuralLend/internal/logger"
	"github.com/KayMas2808/RuralLend/internal/metrics"
	"github.com/KayMas2808/RuralLend/internal/queue"
	"github.com/KayMas2808/RuralLend/internal/repo"
	"github.com/KayMas2808/RuralLend/internal/services"
)

const EventFlowTransition = "flow.transition"

// ErrStopped is returned by Dispatch once Run has exited.
var ErrStopped = errors.New("engine is not running")

type Options struct {
	DB       *sql.DB
	Config   *config.Config
	Services services.Set
	Queue    *queue.Queue
	Loans    *loans.Service
	Clock    clock.Clock
	Logger   logger.Logger
	// Observers are told about every connectivity change after the queue.
	Observers []func(services.Connectivity)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Services services.Set
	Queue    *queue.Queue
	Loans    *loans.Service
	Clock    clock.Clock
	Log      logger.Logger

	observers []func(services.Connectivity)
	policy    services.RetryPolicy
	timeout   time.Duration

	inbox chan message
	done  chan struct{}
	once  sync.Once

	// owned by the loop goroutine
	state Snapshot
	calls map[uint64]context.CancelFunc
	wg    sync.WaitGroup

	mu        sync.RWMutex
	published Snapshot
}

type message struct {
	ev    Event
	reply chan reply
}

type reply struct {
	snap Snapshot
	err  error
}

// Open restores the last persisted snapshot, or starts a fresh flow. A call
// that was running when the process stopped is treated as failed.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.DB == nil || opts.Config == nil {
		return nil, errors.New("engine: db and config are required")
	}
	clk := clock.Or(opts.Clock)
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	e := &Engine{
		DB:        opts.DB,
		Repo:      repo.Repo{DB: opts.DB},
		Events:    events.Writer{Now: clk.Now},
		Config:    opts.Config,
		Services:  opts.Services,
		Queue:     opts.Queue,
		Loans:     opts.Loans,
		Clock:     clk,
		Log:       log.With(map[string]any{"component": "flow"}),
		observers: opts.Observers,
		policy: services.RetryPolicy{
			MaxRetries: opts.Config.Uploads.MaxRetries,
			BaseDelay:  opts.Config.Uploads.BaseDelay,
			MaxDelay:   opts.Config.Uploads.MaxDelay,
		},
		timeout: opts.Config.Services.CallTimeout,
		inbox:   make(chan message, 64),
		done:    make(chan struct{}),
		calls:   make(map[uint64]context.CancelFunc),
	}
	if e.Loans == nil {
		e.Loans = loans.New(opts.DB, clk, log)
	}

	snap, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	e.state = snap
	if p := snap.Pending; p != nil {
		e.Log.Warn("call interrupted by restart", map[string]any{"call_id": p.ID, "kind": string(p.Kind)})
		if _, err := e.apply(ctx, Event{Type: EventCallFailed, CallID: p.ID, Err: apperr.Transient(string(p.Kind), errors.New("interrupted by restart"))}); err != nil {
			return nil, err
		}
	}
	if err := e.syncStalls(ctx); err != nil {
		return nil, err
	}
	e.publish()
	return e, nil
}

func (e *Engine) load(ctx context.Context) (Snapshot, error) {
	_, body, err := e.Repo.LoadSnapshot(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return Initial(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load flow snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode flow snapshot: %w", err)
	}
	// connectivity is not known until the device reports it again
	snap.Connectivity = services.Connectivity{}
	return snap, nil
}

// Snapshot returns the state after the last handled event.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published.Clone()
}

func (e *Engine) publish() {
	e.mu.Lock()
	e.published = e.state.Clone()
	e.mu.Unlock()
}

// Run handles messages until ctx is cancelled. Calls still running are
// cancelled before it returns.
func (e *Engine) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		e.wg.Wait()
		e.once.Do(func() { close(e.done) })
	}()
	var notices <-chan queue.Notice
	if e.Queue != nil {
		notices = e.Queue.Notices()
	}
	e.Log.Info("flow loop started", map[string]any{"state": string(e.state.State)})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-e.inbox:
			snap, err := e.apply(loopCtx, m.ev)
			if m.reply != nil {
				m.reply <- reply{snap: snap, err: err}
			}
		case n := <-notices:
			if _, err := e.apply(loopCtx, Event{Type: EventQueueNotice, Notice: &n}); err != nil {
				e.Log.WithError(err).Error("merge queue notice", map[string]any{"artifact_id": n.ArtifactID})
			}
		}
	}
}

// Dispatch hands a user event to the loop and waits for its outcome.
func (e *Engine) Dispatch(ctx context.Context, ev Event) (Snapshot, error) {
	if !ev.Type.userEvent() {
		err := fmt.Errorf("%w: %q cannot be dispatched", apperr.ErrInvalidTransition, ev.Type)
		return e.Snapshot(), apperr.Reject(string(e.Snapshot().State), string(ev.Type), err)
	}
	m := message{ev: ev, reply: make(chan reply, 1)}
	select {
	case e.inbox <- m:
	case <-e.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case r := <-m.reply:
		return r.snap, r.err
	case <-e.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// SetConnectivity reports the device network signal.
func (e *Engine) SetConnectivity(ctx context.Context, c services.Connectivity) (Snapshot, error) {
	return e.Dispatch(ctx, Event{Type: EventConnectivity, Connectivity: &c})
}

func (e *Engine) post(ctx context.Context, ev Event) {
	select {
	case e.inbox <- message{ev: ev}:
	case <-ctx.Done():
	}
}

func needsRecordID(t EventType) bool {
	return t == EventGetStarted || t == EventStartVoice || t == EventStartManual
}

// apply runs one event through Transition. Enqueueing runs before the
// snapshot is saved so a failure leaves the flow where it was; a loan is
// created in the same transaction as the snapshot.
func (e *Engine) apply(ctx context.Context, ev Event) (Snapshot, error) {
	ev.At = e.Clock.Now().UTC()
	if needsRecordID(ev.Type) {
		ev.NewRecordID = uuid.NewString()
	}
	if ev.Type == EventConfirmKYC {
		if err := e.syncStalls(ctx); err != nil {
			return e.state.Clone(), err
		}
	}
	from := e.state.State
	fields := map[string]any{"event": string(ev.Type), "from": string(from)}

	step, err := Transition(e.state, ev)
	if err != nil {
		metrics.FlowTransitions.WithLabelValues(string(from), string(ev.Type), "rejected").Inc()
		e.Log.WithError(err).Info("event rejected", fields)
		return e.state.Clone(), err
	}
	if step.Dropped {
		e.Log.Debug("stale call result dropped", map[string]any{"event": string(ev.Type), "call_id": ev.CallID})
		return e.state.Clone(), nil
	}

	next := step.Next
	for _, eff := range step.Effects {
		if err := e.runLocal(ctx, eff); err != nil {
			metrics.FlowTransitions.WithLabelValues(string(from), string(ev.Type), "error").Inc()
			e.Log.WithError(err).Error("effect failed", map[string]any{"event": string(ev.Type), "effect": string(eff.Kind)})
			return e.state.Clone(), err
		}
	}
	if err := e.persist(ctx, ev, from, &next, step.Effects); err != nil {
		metrics.FlowTransitions.WithLabelValues(string(from), string(ev.Type), "error").Inc()
		e.Log.WithError(err).Error("persist flow", fields)
		return e.state.Clone(), err
	}

	prev := e.state.Pending
	e.state = next
	if prev != nil && (next.Pending == nil || next.Pending.ID != prev.ID) {
		e.release(prev.ID)
	}
	for _, eff := range step.Effects {
		e.launch(ctx, eff)
	}
	if ev.Type == EventConnectivity {
		e.forwardConnectivity(*ev.Connectivity)
	}
	e.publish()

	metrics.FlowTransitions.WithLabelValues(string(from), string(ev.Type), "ok").Inc()
	if from != next.State {
		fields["to"] = string(next.State)
		e.Log.Info("flow moved", fields)
	} else {
		e.Log.Debug("event applied", fields)
	}
	return next.Clone(), nil
}

func (e *Engine) forwardConnectivity(c services.Connectivity) {
	for _, fn := range e.observers {
		fn(c)
	}
	if e.Queue != nil {
		e.Queue.SetConnectivity(c)
	}
}

// syncStalls refreshes the stalls of the active record's KYC artifacts from
// the queue before the flow decides whether consent is reachable.
func (e *Engine) syncStalls(ctx context.Context) error {
	if e.Queue == nil || e.state.Record == nil {
		return nil
	}
	refs := e.state.Record.KYC.Refs()
	stalls := slices.DeleteFunc(slices.Clone(e.state.Stalls), func(st Stall) bool { return slices.Contains(refs, st.ArtifactID) })
	err := e.Queue.Stalled(ctx, refs...)
	var stall *apperr.QueueStallError
	switch {
	case errors.As(err, &stall):
		stalls = append(stalls, Stall{ArtifactID: stall.ArtifactID, OwnerRecordID: e.state.Record.ID, Attempts: stall.Attempts, LastError: stall.LastError})
	case err != nil:
		return fmt.Errorf("read upload queue: %w", err)
	}
	e.state.Stalls = stalls
	return nil
}

// runLocal applies effects that write outside the flow's own tables. A
// repeated enqueue of the same artifact id replaces the entry in place.
func (e *Engine) runLocal(ctx context.Context, eff Effect) error {
	if eff.Kind != EffectEnqueue {
		return nil
	}
	if e.Queue == nil {
		return errors.New("no upload queue configured")
	}
	return e.Queue.Enqueue(ctx, eff.Artifact, eff.Record.ID)
}

// persist saves the snapshot, the active record, a loan the step opened and
// the audit event in one transaction. Discarded records that still own
// queued uploads are kept as retained until the queue drains.
func (e *Engine) persist(ctx context.Context, ev Event, from domain.State, next *Snapshot, effects []Effect) error {
	retain := map[string]bool{}
	for _, eff := range effects {
		if eff.Kind != EffectDiscard || e.Queue == nil {
			continue
		}
		owned, err := e.Queue.HasOwner(ctx, eff.Record.ID)
		if err != nil {
			return err
		}
		retain[eff.Record.ID] = owned
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)
	var opened *domain.Loan
	for _, eff := range effects {
		if eff.Kind != EffectCreateLoan {
			continue
		}
		if e.Loans == nil {
			return errors.New("no loan service configured")
		}
		loan, err := e.Loans.CreateTx(ctx, r, tx, eff.Record)
		if err != nil {
			return err
		}
		next.LoanID = loan.ID
		opened = &loan
	}
	body, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := r.SaveSnapshot(ctx, string(next.State), body, ev.At); err != nil {
		return err
	}
	if next.Record != nil {
		rec, err := json.Marshal(next.Record)
		if err != nil {
			return err
		}
		if err := r.UpsertRecord(ctx, next.Record.ID, repo.RecordActive, rec, ev.At); err != nil {
			return err
		}
	}
	for _, eff := range effects {
		if eff.Kind != EffectDiscard {
			continue
		}
		if retain[eff.Record.ID] {
			rec, err := json.Marshal(eff.Record)
			if err != nil {
				return err
			}
			if err := r.UpsertRecord(ctx, eff.Record.ID, repo.RecordRetained, rec, ev.At); err != nil {
				return err
			}
			continue
		}
		if err := r.DeleteRecord(ctx, eff.Record.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	if ev.Type != EventStageProgress && ev.Type != EventQueueNotice {
		recordID := ""
		if next.Record != nil {
			recordID = next.Record.ID
		}
		payload := events.EventPayload{"event": string(ev.Type), "from": string(from), "to": string(next.State)}
		if next.LastError != nil {
			payload["error_code"] = string(next.LastError.Code)
		}
		if err := e.Events.Append(ctx, tx, EventFlowTransition, recordID, "flow", "", ev.Actor, payload); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if opened != nil {
		e.Log.Info("loan created", map[string]any{"loan_id": opened.ID, "record_id": opened.RecordID, "amount": opened.Amount.String()})
	}
	return nil
}

func (e *Engine) release(id uint64) {
	if cancel, ok := e.calls[id]; ok {
		cancel()
		delete(e.calls, id)
	}
}

// start runs fn for call id and posts the event it returns. The posted
// result is dropped by Transition if the call was released meanwhile.
func (e *Engine) start(ctx context.Context, id uint64, fn func(ctx context.Context) Event) {
	callCtx, cancel := context.WithCancel(ctx)
	e.calls[id] = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ev := fn(callCtx)
		ev.CallID = id
		e.post(callCtx, ev)
	}()
}

func failed(err error) Event { return Event{Type: EventCallFailed, Err: err} }

func (e *Engine) launch(ctx context.Context, eff Effect) {
	switch eff.Kind {
	case EffectRecognize:
		e.start(ctx, eff.CallID, func(ctx context.Context) Event {
			seg, err := services.Call(ctx, e.Clock, e.timeout, "speech", func(ctx context.Context) (domain.TranscriptSegment, error) {
				return e.Services.Speech.RecognizeSpeech(ctx, eff.Prompt)
			})
			if err != nil {
				return failed(err)
			}
			return Event{Type: EventSpeechRecognized, Segment: &seg}
		})
	case EffectCapture:
		e.start(ctx, eff.CallID, func(ctx context.Context) Event {
			a, err := services.Call(ctx, e.Clock, e.timeout, "capture", func(ctx context.Context) (domain.Artifact, error) {
				return e.Services.Capturer.CaptureDocument(ctx, eff.ArtifactKind)
			})
			if err != nil {
				return failed(err)
			}
			return Event{Type: EventDocumentCaptured, Artifact: &a}
		})
	case EffectEvaluate:
		e.start(ctx, eff.CallID, func(ctx context.Context) Event {
			return e.evaluate(ctx, eff)
		})
	case EffectVerify:
		e.start(ctx, eff.CallID, func(ctx context.Context) Event {
			err := e.retry(ctx, "verify", func(ctx context.Context) error {
				_, err := services.Call(ctx, e.Clock, e.timeout, "verify", func(ctx context.Context) (struct{}, error) {
					return struct{}{}, e.Services.Verifier.VerifyDisbursalMethod(ctx, eff.Disbursal)
				})
				return err
			})
			if err != nil {
				return failed(err)
			}
			return Event{Type: EventDisbursalVerified}
		})
	}
}

// evaluate runs underwriting with automatic retries. Each retry starts the
// stages over, so progress is tagged with the attempt it belongs to.
func (e *Engine) evaluate(ctx context.Context, eff Effect) Event {
	attempt := -1
	var offer domain.Offer
	err := e.retry(ctx, "underwrite", func(ctx context.Context) error {
		attempt++
		n := attempt
		if n > 0 {
			e.post(ctx, Event{Type: EventStagesReset, CallID: eff.CallID, Attempt: n})
		}
		o, err := services.Call(ctx, e.Clock, e.timeout, "underwrite", func(callCtx context.Context) (domain.Offer, error) {
			return e.Services.Underwriter.Evaluate(callCtx, eff.Record, func(u services.StageUpdate) {
				if callCtx.Err() == nil {
					e.post(callCtx, Event{Type: EventStageProgress, CallID: eff.CallID, Attempt: n, Stage: &u})
				}
			})
		})
		offer = o
		return err
	})
	if err != nil {
		return failed(err)
	}
	return Event{Type: EventOfferReady, Offer: &offer}
}

func (e *Engine) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	return services.Retry(ctx, e.Clock, e.policy, fn, func(attempt int, err error, wait time.Duration) {
		e.Log.WithError(err).Warn("call failed, retrying", map[string]any{"op": op, "attempt": attempt, "wait": wait.String()})
	})
}
