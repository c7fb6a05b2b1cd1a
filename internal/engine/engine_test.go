package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/clock"
	"github.com/KayMas2808/RuralLend/internal/config"
	"github.com/KayMas2808/RuralLend/internal/db"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/engine"
	"github.com/KayMas2808/RuralLend/internal/logger"
	"github.com/KayMas2808/RuralLend/internal/migrate"
	"github.com/KayMas2808/RuralLend/internal/queue"
	"github.com/KayMas2808/RuralLend/internal/repo"
	"github.com/KayMas2808/RuralLend/internal/sequence"
	"github.com/KayMas2808/RuralLend/internal/services"
	"github.com/KayMas2808/RuralLend/internal/services/sim"
)

var online = services.Connectivity{Online: true, Trusted: true}

type testEnv struct {
	Ctx    context.Context
	DB     *sql.DB
	Engine *engine.Engine
	Queue  *queue.Queue
	Sim    *sim.Services
	Clock  *clock.Fake
	Close  func()
}

type envOptions struct {
	dir         string
	maxRetries  int
	callTimeout time.Duration
	outcome     string
	underwriter services.Underwriter
}

func openEnv(t *testing.T, o envOptions) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: o.dir})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	clk := clock.NewFake(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	cfg := config.Default()
	cfg.Uploads.MaxRetries = o.maxRetries
	cfg.Services.CallTimeout = o.callTimeout
	cfg.Services.Sim = config.SimConfig{DecisionOutcome: o.outcome}
	if cfg.Services.Sim.DecisionOutcome == "" {
		cfg.Services.Sim.DecisionOutcome = "approved"
	}
	s := sim.New(cfg, clk)
	set := s.Set()
	if o.underwriter != nil {
		set.Underwriter = o.underwriter
	}
	log := logger.NewTestLogger(t)

	ctx := context.Background()
	q, err := queue.Open(ctx, queue.Options{
		DB: conn, Uploader: s, Clock: clk, Logger: log,
		Policy: services.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
	})
	require.NoError(t, err)
	eng, err := engine.Open(ctx, engine.Options{
		DB: conn, Config: cfg, Services: set, Queue: q, Clock: clk, Logger: log,
		Observers: []func(services.Connectivity){s.Network.SetConnectivity},
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = eng.Run(runCtx)
	}()
	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			cancel()
			<-stopped
			q.Close()
			conn.Close()
		})
	}
	t.Cleanup(closeFn)

	_, err = eng.SetConnectivity(ctx, online)
	require.NoError(t, err)
	return testEnv{Ctx: ctx, DB: conn, Engine: eng, Queue: q, Sim: s, Clock: clk, Close: closeFn}
}

func newTestEnv(t *testing.T) testEnv {
	return openEnv(t, envOptions{dir: t.TempDir(), maxRetries: 3, outcome: "approved"})
}

func (env testEnv) send(t *testing.T, ev engine.Event) engine.Snapshot {
	t.Helper()
	snap, err := env.Engine.Dispatch(env.Ctx, ev)
	require.NoError(t, err, "dispatch %s", ev.Type)
	return snap
}

func (env testEnv) waitFor(t *testing.T, what string, cond func(engine.Snapshot) bool) engine.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(env.Engine.Snapshot()) }, 2*time.Second, 5*time.Millisecond, what)
	return env.Engine.Snapshot()
}

func (env testEnv) waitState(t *testing.T, s domain.State) engine.Snapshot {
	t.Helper()
	return env.waitFor(t, "state "+string(s), func(snap engine.Snapshot) bool { return snap.State == s })
}

func validRequest() *domain.LoanRequest {
	return &domain.LoanRequest{AmountRequested: 50000, TenureMonths: 12, Purpose: "repair", MobileNumber: "9123456789"}
}

func (env testEnv) toManual(t *testing.T) {
	env.send(t, engine.Event{Type: engine.EventGetStarted})
	env.send(t, engine.Event{Type: engine.EventStartManual})
}

func (env testEnv) toKYC(t *testing.T) {
	env.toManual(t)
	env.send(t, engine.Event{Type: engine.EventSubmitManual, Request: validRequest()})
}

func (env testEnv) capture(t *testing.T, kind domain.ArtifactKind) engine.Snapshot {
	t.Helper()
	env.send(t, engine.Event{Type: engine.EventCaptureDocument, Kind: kind})
	return env.waitFor(t, "capture "+string(kind), func(s engine.Snapshot) bool {
		if s.Pending != nil || s.Record == nil {
			return false
		}
		if kind == domain.ArtifactID {
			return s.Record.KYC.IDPhotoRef != ""
		}
		return s.Record.KYC.SelfiePhotoRef != ""
	})
}

func (env testEnv) toConsent(t *testing.T) {
	env.toKYC(t)
	env.capture(t, domain.ArtifactID)
	env.capture(t, domain.ArtifactSelfie)
	env.send(t, engine.Event{Type: engine.EventConfirmKYC})
}

func (env testEnv) toDecision(t *testing.T) engine.Snapshot {
	env.toConsent(t)
	yes := true
	env.send(t, engine.Event{Type: engine.EventSetConsent, Consent: &yes})
	env.send(t, engine.Event{Type: engine.EventStartUnderwriting})
	return env.waitState(t, domain.StateDecision)
}

func TestManualAmountBelowMinimumStaysInManualIntake(t *testing.T) {
	env := newTestEnv(t)
	env.toManual(t)

	req := validRequest()
	req.AmountRequested = 500
	_, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventSubmitManual, Request: req})
	require.Error(t, err)
	var verrs apperr.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fe, ok := verrs.Field("amount")
	require.True(t, ok)
	assert.Contains(t, fe.Message, "minimum 1000")

	snap := env.Engine.Snapshot()
	assert.Equal(t, domain.StateManualIntake, snap.State)
	assert.Nil(t, snap.Record.Request)
}

func TestManualIntakeMovesToKYC(t *testing.T) {
	env := newTestEnv(t)
	env.toManual(t)
	snap := env.send(t, engine.Event{Type: engine.EventSubmitManual, Request: validRequest()})
	assert.Equal(t, domain.StateKYC, snap.State)
	require.NotNil(t, snap.Record.Request)
	assert.Equal(t, int64(50000), snap.Record.Request.AmountRequested)
	assert.Equal(t, domain.SourceManual, snap.Record.Source.Kind())
}

func TestIntakeBounds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *domain.LoanRequest)
		wantErr string
	}{
		{name: "lowest amount", mutate: func(r *domain.LoanRequest) { r.AmountRequested = 1000 }},
		{name: "highest amount", mutate: func(r *domain.LoanRequest) { r.AmountRequested = 200000 }},
		{name: "short tenure", mutate: func(r *domain.LoanRequest) { r.TenureMonths = 3 }},
		{name: "too much", mutate: func(r *domain.LoanRequest) { r.AmountRequested = 200001 }, wantErr: "amount"},
		{name: "odd tenure", mutate: func(r *domain.LoanRequest) { r.TenureMonths = 7 }, wantErr: "tenure_months"},
		{name: "short mobile", mutate: func(r *domain.LoanRequest) { r.MobileNumber = "91234" }, wantErr: "mobile_number"},
		{name: "no purpose", mutate: func(r *domain.LoanRequest) { r.Purpose = "  " }, wantErr: "purpose"},
	}
	env := newTestEnv(t)
	env.toManual(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			snap, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventSubmitManual, Request: req})
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, domain.StateKYC, snap.State)
				env.send(t, engine.Event{Type: engine.EventBack})
				return
			}
			var verrs apperr.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			_, ok := verrs.Field(tt.wantErr)
			assert.True(t, ok, "expected error on %s, got %v", tt.wantErr, verrs)
			assert.Equal(t, domain.StateManualIntake, env.Engine.Snapshot().State)
		})
	}
}

func TestVoiceIntake(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, engine.Event{Type: engine.EventGetStarted})
	env.send(t, engine.Event{Type: engine.EventStartVoice})

	_, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventSubmitVoice})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	for i := 1; i <= domain.PromptCount; i++ {
		env.send(t, engine.Event{Type: engine.EventRecognizeNext})
		env.waitFor(t, "answer", func(s engine.Snapshot) bool { return len(s.Voice) == i && s.Pending == nil })
	}
	_, err = env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventRecognizeNext})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	snap := env.send(t, engine.Event{Type: engine.EventSubmitVoice})
	assert.Equal(t, domain.StateKYC, snap.State)
	assert.Equal(t, "home repair", snap.Record.Request.Purpose)
	assert.Equal(t, 12, snap.Record.Request.TenureMonths)
	assert.Contains(t, snap.Record.VoiceTranscript, "Q1: ")

	// the manual path replaces everything the voice path collected
	env.send(t, engine.Event{Type: engine.EventBack})
	env.send(t, engine.Event{Type: engine.EventFallbackToManual})
	req := validRequest()
	req.Purpose = "business"
	snap = env.send(t, engine.Event{Type: engine.EventSubmitManual, Request: req})
	assert.Equal(t, "business", snap.Record.Request.Purpose)
	assert.Empty(t, snap.Record.VoiceTranscript)
}

func TestUnderwritingNeedsConsent(t *testing.T) {
	env := newTestEnv(t)
	env.toConsent(t)
	no := false
	env.send(t, engine.Event{Type: engine.EventSetConsent, Consent: &no})

	_, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventStartUnderwriting})
	var verrs apperr.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	_, ok := verrs.Field("consent")
	assert.True(t, ok)
	assert.Equal(t, domain.StateConsent, env.Engine.Snapshot().State)
}

func TestUnderwritingCompletesStagesInOrder(t *testing.T) {
	env := newTestEnv(t)
	snap := env.toDecision(t)

	require.Len(t, snap.Stages, 3)
	for i, name := range services.UnderwritingStages {
		assert.Equal(t, name, snap.Stages[i].Name)
		assert.Equal(t, sequence.StatusDone, snap.Stages[i].Status)
	}
	require.NotNil(t, snap.Record.Offer)
	assert.Equal(t, domain.OfferApproved, snap.Record.Offer.Status)
	assert.True(t, snap.Record.Offer.EMI.Equal(decimal.NewFromInt(4584)))
}

func TestOfferIsSetOnce(t *testing.T) {
	env := newTestEnv(t)
	first := env.toDecision(t)

	_, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventStartUnderwriting})
	assert.ErrorIs(t, err, domain.ErrOfferAlreadySet)
	snap := env.Engine.Snapshot()
	assert.Equal(t, domain.StateDecision, snap.State)
	assert.Equal(t, first.Record.Offer, snap.Record.Offer)
}

func TestDisbursalNeedsVerification(t *testing.T) {
	env := newTestEnv(t)
	env.toDecision(t)
	env.send(t, engine.Event{Type: engine.EventAcceptOffer})

	_, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventChooseDisbursal, Disbursal: &domain.Disbursal{Method: domain.DisbursalUPI, UPI: &domain.UPIDetails{ID: "no-at-sign"}}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	env.send(t, engine.Event{Type: engine.EventChooseDisbursal, Disbursal: &domain.Disbursal{Method: domain.DisbursalUPI, UPI: &domain.UPIDetails{ID: "ravi@okbank"}}})
	_, err = env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventCompleteDisbursal})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	env.send(t, engine.Event{Type: engine.EventVerifyDisbursal})
	env.waitFor(t, "verified", func(s engine.Snapshot) bool { return s.Record != nil && s.Record.Disbursal.Verified })
	recordID := env.Engine.Snapshot().Record.ID

	snap := env.send(t, engine.Event{Type: engine.EventCompleteDisbursal})
	assert.Equal(t, domain.StateAccount, snap.State)
	assert.Nil(t, snap.Record)
	require.NotEmpty(t, snap.LoanID)

	loan, err := env.Engine.Repo.GetLoan(env.Ctx, snap.LoanID)
	require.NoError(t, err)
	assert.Equal(t, recordID, loan.RecordID)
	assert.True(t, loan.EMI.Equal(decimal.NewFromInt(4584)))
}

func TestLoanIsOpenedWithTheFlowSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.toDecision(t)
	env.send(t, engine.Event{Type: engine.EventAcceptOffer})
	env.send(t, engine.Event{Type: engine.EventChooseDisbursal, Disbursal: &domain.Disbursal{Method: domain.DisbursalCash}})
	env.send(t, engine.Event{Type: engine.EventVerifyDisbursal})
	env.waitFor(t, "verified", func(s engine.Snapshot) bool { return s.Record != nil && s.Record.Disbursal.Verified })

	_, err := env.DB.Exec(`CREATE TRIGGER block_account BEFORE UPDATE ON flow_snapshots WHEN NEW.state = 'account'
BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)
	_, err = env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventCompleteDisbursal})
	require.Error(t, err)
	assert.Equal(t, domain.StateDisbursal, env.Engine.Snapshot().State)
	assert.Empty(t, env.Engine.Snapshot().LoanID)
	list, err := env.Engine.Repo.ListLoans(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "a failed save must not leave a loan behind")

	_, err = env.DB.Exec(`DROP TRIGGER block_account`)
	require.NoError(t, err)
	snap := env.send(t, engine.Event{Type: engine.EventCompleteDisbursal})
	assert.Equal(t, domain.StateAccount, snap.State)
	list, err = env.Engine.Repo.ListLoans(env.Ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snap.LoanID, list[0].ID)
	created, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "loan.created", "loan", "")
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestPendingDecisionOnlyAllowsHome(t *testing.T) {
	env := openEnv(t, envOptions{dir: t.TempDir(), maxRetries: 3, outcome: "pending"})
	snap := env.toDecision(t)
	assert.Equal(t, domain.OfferPending, snap.Record.Offer.Status)
	recordID := snap.Record.ID

	_, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventAcceptOffer})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	snap = env.send(t, engine.Event{Type: engine.EventGoHome})
	assert.Equal(t, domain.StateHome, snap.State)
	assert.Nil(t, snap.Record)

	// kept only while its uploads are still queued
	_, err = env.Engine.Repo.GetRecord(env.Ctx, recordID)
	if err == nil {
		owned, herr := env.Queue.HasOwner(env.Ctx, recordID)
		require.NoError(t, herr)
		assert.True(t, owned)
	} else {
		assert.ErrorIs(t, err, repo.ErrNotFound)
	}
}

func TestHelpReturnsToPriorState(t *testing.T) {
	env := newTestEnv(t)
	env.toKYC(t)
	before := env.Engine.Snapshot()

	snap := env.send(t, engine.Event{Type: engine.EventOpenHelp})
	assert.Equal(t, domain.StateHelp, snap.State)
	_, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventConfirmKYC})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	snap = env.send(t, engine.Event{Type: engine.EventCloseHelp})
	assert.Equal(t, domain.StateKYC, snap.State)
	assert.Equal(t, before.Record, snap.Record)
}

func TestOfflineRecovery(t *testing.T) {
	env := newTestEnv(t)
	env.toConsent(t)
	yes := true
	env.send(t, engine.Event{Type: engine.EventSetConsent, Consent: &yes})

	_, err := env.Engine.SetConnectivity(env.Ctx, services.Connectivity{})
	require.NoError(t, err)
	snap := env.send(t, engine.Event{Type: engine.EventStartUnderwriting})
	assert.Equal(t, domain.StateOfflineRecovery, snap.State)
	assert.Equal(t, domain.StateConsent, snap.ResumeTo)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, apperr.CodeOffline, snap.LastError.Code)

	_, err = env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventResume})
	assert.True(t, apperr.IsOffline(err))

	_, err = env.Engine.SetConnectivity(env.Ctx, online)
	require.NoError(t, err)
	snap = env.send(t, engine.Event{Type: engine.EventResume})
	assert.Equal(t, domain.StateConsent, snap.State)
	assert.True(t, snap.Record.ConsentGiven)
}

// flakyUnderwriter fails a number of times before handing over to next.
type flakyUnderwriter struct {
	mu    sync.Mutex
	fails int
	hang  bool
	calls int
	next  services.Underwriter
	gone  chan struct{}
}

func (u *flakyUnderwriter) Evaluate(ctx context.Context, rec domain.IntakeRecord, report func(services.StageUpdate)) (domain.Offer, error) {
	u.mu.Lock()
	u.calls++
	fail := u.fails > 0
	if fail {
		u.fails--
	}
	u.mu.Unlock()
	report(services.StageUpdate{Stage: services.StageDocuments, Status: sequence.StatusInProgress})
	if u.hang {
		<-ctx.Done()
		if u.gone != nil {
			close(u.gone)
		}
		return domain.Offer{}, ctx.Err()
	}
	if fail {
		return domain.Offer{}, apperr.Transient("underwrite", errors.New("gateway reset"))
	}
	return u.next.Evaluate(ctx, rec, report)
}

func (u *flakyUnderwriter) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func startUnderwriting(t *testing.T, env testEnv) {
	t.Helper()
	env.toConsent(t)
	yes := true
	env.send(t, engine.Event{Type: engine.EventSetConsent, Consent: &yes})
	env.send(t, engine.Event{Type: engine.EventStartUnderwriting})
}

func TestTransientUnderwritingFailureIsRetried(t *testing.T) {
	dir := t.TempDir()
	u := &flakyUnderwriter{fails: 1}
	env := openEnv(t, envOptions{dir: dir, maxRetries: 3, outcome: "approved", underwriter: u})
	u.next = env.Sim

	startUnderwriting(t, env)
	require.True(t, env.Clock.BlockUntil(1, 2*time.Second), "no backoff timer armed")
	env.Clock.Advance(time.Second)

	snap := env.waitState(t, domain.StateDecision)
	assert.Equal(t, 2, u.Calls())
	assert.Nil(t, snap.LastError)
	assert.Equal(t, domain.OfferApproved, snap.Record.Offer.Status)
}

func TestUnderwritingTimeoutReturnsToConsent(t *testing.T) {
	u := &flakyUnderwriter{hang: true}
	env := openEnv(t, envOptions{dir: t.TempDir(), maxRetries: 0, callTimeout: 30 * time.Second, underwriter: u})

	startUnderwriting(t, env)
	env.waitFor(t, "documents stage started", func(s engine.Snapshot) bool {
		return len(s.Stages) == 3 && s.Stages[0].Status == sequence.StatusInProgress
	})
	require.True(t, env.Clock.BlockUntil(1, 2*time.Second))
	env.Clock.Advance(30 * time.Second)

	snap := env.waitState(t, domain.StateConsent)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, apperr.CodeServiceTimeout, snap.LastError.Code)
	assert.Nil(t, snap.Pending)
	assert.Nil(t, snap.Record.Offer)
}

func TestCancelReleasesUnderwriting(t *testing.T) {
	u := &flakyUnderwriter{hang: true, gone: make(chan struct{})}
	env := openEnv(t, envOptions{dir: t.TempDir(), maxRetries: 3, underwriter: u})

	startUnderwriting(t, env)
	env.waitFor(t, "documents stage started", func(s engine.Snapshot) bool {
		return len(s.Stages) == 3 && s.Stages[0].Status == sequence.StatusInProgress
	})
	snap := env.send(t, engine.Event{Type: engine.EventCancel})
	assert.Equal(t, domain.StateConsent, snap.State)
	assert.Nil(t, snap.Pending)
	assert.Nil(t, snap.Record.Offer)

	select {
	case <-u.gone:
	case <-time.After(2 * time.Second):
		t.Fatal("underwriter was not cancelled")
	}
}

func TestStalledKYCUploadBlocksConsent(t *testing.T) {
	env := newTestEnv(t)
	env.toKYC(t)
	env.Sim.ScriptUploads(sim.StepPermanent)
	snap := env.capture(t, domain.ArtifactID)
	idRef := snap.Record.KYC.IDPhotoRef
	env.capture(t, domain.ArtifactSelfie)
	env.waitFor(t, "stall reported", func(s engine.Snapshot) bool { return len(s.Stalls) == 1 })

	_, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventConfirmKYC})
	var stall *apperr.QueueStallError
	require.ErrorAs(t, err, &stall)
	assert.Equal(t, idRef, stall.ArtifactID)
	assert.Equal(t, domain.StateKYC, env.Engine.Snapshot().State)

	require.NoError(t, env.Queue.Retry(env.Ctx, idRef))
	env.waitFor(t, "stall cleared", func(s engine.Snapshot) bool { return len(s.Stalls) == 0 })
	snap = env.send(t, engine.Event{Type: engine.EventConfirmKYC})
	assert.Equal(t, domain.StateConsent, snap.State)
}

func TestRecapturedPhotoClearsStall(t *testing.T) {
	env := newTestEnv(t)
	env.toKYC(t)
	env.Sim.ScriptUploads(sim.StepPermanent)
	snap := env.capture(t, domain.ArtifactID)
	idRef := snap.Record.KYC.IDPhotoRef
	env.waitFor(t, "stall reported", func(s engine.Snapshot) bool { return len(s.Stalls) == 1 })

	snap = env.capture(t, domain.ArtifactID)
	assert.Equal(t, idRef, snap.Record.KYC.IDPhotoRef)
	assert.Empty(t, snap.Stalls)
	env.capture(t, domain.ArtifactSelfie)

	snap = env.send(t, engine.Event{Type: engine.EventConfirmKYC})
	assert.Equal(t, domain.StateConsent, snap.State)
	assert.Empty(t, snap.Stalls)
}

func TestRestoreAfterRestart(t *testing.T) {
	dir := t.TempDir()
	env := openEnv(t, envOptions{dir: dir, maxRetries: 3, outcome: "approved"})
	env.toKYC(t)
	_, err := env.Engine.SetConnectivity(env.Ctx, services.Connectivity{})
	require.NoError(t, err)
	before := env.capture(t, domain.ArtifactID)
	env.Close()

	env = openEnv(t, envOptions{dir: dir, maxRetries: 3, outcome: "approved"})
	after := env.Engine.Snapshot()
	assert.Equal(t, domain.StateKYC, after.State)
	require.NotNil(t, after.Record)
	assert.Equal(t, before.Record.ID, after.Record.ID)
	assert.Equal(t, before.Record.KYC, after.Record.KYC)
	assert.Equal(t, before.Record.Request, after.Record.Request)

	// the upload captured offline drains once the restarted queue is online
	require.Eventually(t, func() bool {
		done, err := env.Queue.Completed(env.Ctx, before.Record.KYC.IDPhotoRef)
		return err == nil && done
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInterruptedUnderwritingResumesAtConsent(t *testing.T) {
	dir := t.TempDir()
	u := &flakyUnderwriter{hang: true}
	env := openEnv(t, envOptions{dir: dir, maxRetries: 3, underwriter: u})
	startUnderwriting(t, env)
	env.waitFor(t, "underwriting", func(s engine.Snapshot) bool { return s.Pending != nil && s.State == domain.StateUnderwriting })
	env.Close()

	env = openEnv(t, envOptions{dir: dir, maxRetries: 3, outcome: "approved"})
	snap := env.Engine.Snapshot()
	assert.Equal(t, domain.StateConsent, snap.State)
	assert.Nil(t, snap.Pending)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, apperr.KindTransient, snap.LastError.Kind)

	env.send(t, engine.Event{Type: engine.EventStartUnderwriting})
	env.waitState(t, domain.StateDecision)
}

func TestInternalEventsCannotBeDispatched(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Dispatch(env.Ctx, engine.Event{Type: engine.EventOfferReady, Offer: &domain.Offer{Status: domain.OfferApproved}})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}
