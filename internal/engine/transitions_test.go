package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/queue"
	"github.com/KayMas2808/RuralLend/internal/sequence"
	"github.com/KayMas2808/RuralLend/internal/services"
)

var at = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func consentGiven() Snapshot {
	rec := domain.NewIntakeRecord("rec-1", domain.LanguageHindi, at)
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(rec.ApplyIntake(domain.ManualIntake{Request: domain.LoanRequest{AmountRequested: 50000, TenureMonths: 12, Purpose: "repair", MobileNumber: "9123456789"}}))
	must(rec.AttachArtifact(domain.ArtifactID, ArtifactID(rec.ID, domain.ArtifactID)))
	must(rec.AttachArtifact(domain.ArtifactSelfie, ArtifactID(rec.ID, domain.ArtifactSelfie)))
	must(rec.GiveConsent())
	return Snapshot{State: domain.StateConsent, Language: domain.LanguageHindi, Record: &rec, Connectivity: services.Connectivity{Online: true}}
}

func step(t *testing.T, s Snapshot, ev Event) Step {
	t.Helper()
	ev.At = at
	st, err := Transition(s, ev)
	require.NoError(t, err, "event %s", ev.Type)
	return st
}

func underwriting(t *testing.T) Snapshot {
	st := step(t, consentGiven(), Event{Type: EventStartUnderwriting})
	require.Len(t, st.Effects, 1)
	assert.Equal(t, EffectEvaluate, st.Effects[0].Kind)
	return st.Next
}

func progress(id uint64, stage string, status sequence.Status) Event {
	return Event{Type: EventStageProgress, CallID: id, Stage: &services.StageUpdate{Stage: stage, Status: status}}
}

func TestStagesMustArriveInOrder(t *testing.T) {
	s := underwriting(t)
	id := s.Pending.ID

	_, err := Transition(s, progress(id, services.StageCredit, sequence.StatusInProgress))
	require.Error(t, err)
	var rej *apperr.RejectedError
	assert.ErrorAs(t, err, &rej)

	for _, name := range services.UnderwritingStages {
		s = step(t, s, progress(id, name, sequence.StatusInProgress)).Next
		s = step(t, s, progress(id, name, sequence.StatusDone)).Next
	}
	offer := domain.Offer{Status: domain.OfferApproved, Amount: decimal.NewFromInt(50000), TenureMonths: 12, EMI: decimal.NewFromInt(4584)}
	s = step(t, s, Event{Type: EventOfferReady, CallID: id, Offer: &offer}).Next
	assert.Equal(t, domain.StateDecision, s.State)
	assert.Nil(t, s.Pending)
}

func TestOfferBeforeStagesCompleteFallsBack(t *testing.T) {
	s := underwriting(t)
	id := s.Pending.ID
	s = step(t, s, progress(id, services.StageDocuments, sequence.StatusDone)).Next

	offer := domain.Offer{Status: domain.OfferApproved}
	s = step(t, s, Event{Type: EventOfferReady, CallID: id, Offer: &offer}).Next
	assert.Equal(t, domain.StateConsent, s.State)
	assert.Nil(t, s.Record.Offer)
	require.NotNil(t, s.LastError)
	assert.Equal(t, apperr.KindPermanent, s.LastError.Kind)
}

func TestSecondOfferIsRejected(t *testing.T) {
	s := consentGiven()
	s.Record.Offer = &domain.Offer{Status: domain.OfferRejected}
	s.Pending = &PendingCall{ID: 9, Kind: EffectEvaluate, From: domain.StateConsent}
	s.State = domain.StateUnderwriting
	for _, name := range services.UnderwritingStages {
		s.Stages = append(s.Stages, sequence.Progress{Name: name, Status: sequence.StatusDone})
	}
	_, err := Transition(s, Event{Type: EventOfferReady, CallID: 9, Offer: &domain.Offer{Status: domain.OfferApproved}})
	assert.ErrorIs(t, err, domain.ErrOfferAlreadySet)
}

func TestStaleResultsAreDropped(t *testing.T) {
	s := underwriting(t)
	stale := s.Pending.ID - 1

	st := step(t, s, progress(stale, services.StageDocuments, sequence.StatusDone))
	assert.True(t, st.Dropped)
	assert.Equal(t, s, st.Next)

	// progress from an attempt that was retried is dropped as well
	s = step(t, s, Event{Type: EventStagesReset, CallID: s.Pending.ID, Attempt: 1}).Next
	st = step(t, s, Event{Type: EventStageProgress, CallID: s.Pending.ID, Attempt: 0, Stage: &services.StageUpdate{Stage: services.StageDocuments, Status: sequence.StatusDone}})
	assert.True(t, st.Dropped)
}

func TestCancelledCallResultIsDropped(t *testing.T) {
	s := underwriting(t)
	id := s.Pending.ID
	s = step(t, s, Event{Type: EventCancel}).Next
	assert.Equal(t, domain.StateConsent, s.State)

	offer := domain.Offer{Status: domain.OfferApproved}
	st := step(t, s, Event{Type: EventOfferReady, CallID: id, Offer: &offer})
	assert.True(t, st.Dropped)
	assert.Nil(t, st.Next.Record.Offer)
}

func TestCancelledSpeechResultIsDropped(t *testing.T) {
	s := Snapshot{State: domain.StateHome, Language: domain.LanguageHindi, Connectivity: services.Connectivity{Online: true}}
	s = step(t, s, Event{Type: EventStartVoice, NewRecordID: "rec-1"}).Next

	st := step(t, s, Event{Type: EventRecognizeNext})
	s = step(t, st.Next, Event{Type: EventSpeechRecognized, CallID: st.Next.Pending.ID, Segment: &domain.TranscriptSegment{Text: "fifty thousand", Value: "50000"}}).Next
	require.Len(t, s.Voice, 1)

	st = step(t, s, Event{Type: EventRecognizeNext})
	require.Len(t, st.Effects, 1)
	assert.Equal(t, EffectRecognize, st.Effects[0].Kind)
	assert.Equal(t, 1, st.Effects[0].Prompt)
	id := st.Next.Pending.ID

	s = step(t, st.Next, Event{Type: EventCancel}).Next
	assert.Equal(t, domain.StateVoiceIntake, s.State)
	assert.Nil(t, s.Pending)

	st = step(t, s, Event{Type: EventSpeechRecognized, CallID: id, Segment: &domain.TranscriptSegment{Text: "home repair", Value: "home repair"}})
	assert.True(t, st.Dropped)
	assert.Equal(t, s, st.Next)
	assert.Len(t, st.Next.Voice, 1)
	assert.Equal(t, "50000", st.Next.Voice[0].Value)

	// the prompt can be asked again
	st = step(t, s, Event{Type: EventRecognizeNext})
	assert.Equal(t, 1, st.Effects[0].Prompt)
	assert.NotEqual(t, id, st.Next.Pending.ID)
}

func TestDecisionBranching(t *testing.T) {
	tests := []struct {
		status  domain.OfferStatus
		accept  bool
		outcome domain.State
	}{
		{status: domain.OfferApproved, accept: true, outcome: domain.StateDisbursal},
		{status: domain.OfferPending, accept: false},
		{status: domain.OfferRejected, accept: false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s := consentGiven()
			s.State = domain.StateDecision
			s.Record.Offer = &domain.Offer{Status: tt.status}

			st, err := Transition(s, Event{Type: EventAcceptOffer})
			if tt.accept {
				require.NoError(t, err)
				assert.Equal(t, tt.outcome, st.Next.State)
			} else {
				assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			}

			home := step(t, s, Event{Type: EventGoHome})
			assert.Equal(t, domain.StateHome, home.Next.State)
			assert.Nil(t, home.Next.Record)
			require.Len(t, home.Effects, 1)
			assert.Equal(t, EffectDiscard, home.Effects[0].Kind)
			assert.Equal(t, "rec-1", home.Effects[0].Record.ID)
		})
	}
}

func TestHelpKeepsRecordAndReturnState(t *testing.T) {
	s := consentGiven()
	s = step(t, s, Event{Type: EventOpenHelp}).Next
	assert.Equal(t, domain.StateHelp, s.State)
	assert.Equal(t, domain.StateConsent, s.ReturnTo)

	_, err := Transition(s, Event{Type: EventOpenHelp})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	back := step(t, s, Event{Type: EventBack}).Next
	assert.Equal(t, domain.StateConsent, back.State)
	assert.Equal(t, consentGiven().Record.KYC, back.Record.KYC)
}

func TestResultWhileInHelpLandsOnReturnState(t *testing.T) {
	s := underwriting(t)
	id := s.Pending.ID
	s = step(t, s, Event{Type: EventOpenHelp}).Next
	for _, name := range services.UnderwritingStages {
		s = step(t, s, progress(id, name, sequence.StatusDone)).Next
	}
	s = step(t, s, Event{Type: EventOfferReady, CallID: id, Offer: &domain.Offer{Status: domain.OfferApproved}}).Next
	assert.Equal(t, domain.StateHelp, s.State)
	assert.Equal(t, domain.StateDecision, s.ReturnTo)

	s = step(t, s, Event{Type: EventCloseHelp}).Next
	assert.Equal(t, domain.StateDecision, s.State)
}

func TestOfflineFailureRemembersSafeState(t *testing.T) {
	s := underwriting(t)
	s = step(t, s, Event{Type: EventCallFailed, CallID: s.Pending.ID, Err: apperr.Offline("underwrite")}).Next
	assert.Equal(t, domain.StateOfflineRecovery, s.State)
	assert.Equal(t, domain.StateConsent, s.ResumeTo)
	assert.Nil(t, s.Stages)

	s.Connectivity = services.Connectivity{Online: true}
	s = step(t, s, Event{Type: EventResume}).Next
	assert.Equal(t, domain.StateConsent, s.State)
	assert.Empty(t, s.ResumeTo)
}

func TestTransientVerifyFailureStaysInDisbursal(t *testing.T) {
	s := consentGiven()
	s.State = domain.StateDisbursal
	s.Record.Offer = &domain.Offer{Status: domain.OfferApproved}
	s.Record.Disbursal = &domain.Disbursal{Method: domain.DisbursalCash}

	st := step(t, s, Event{Type: EventVerifyDisbursal})
	require.Len(t, st.Effects, 1)
	s = st.Next
	s = step(t, s, Event{Type: EventCallFailed, CallID: s.Pending.ID, Err: apperr.Timeout("verify")}).Next
	assert.Equal(t, domain.StateDisbursal, s.State)
	require.NotNil(t, s.LastError)
	assert.Equal(t, apperr.CodeServiceTimeout, s.LastError.Code)
	assert.False(t, s.Record.Disbursal.Verified)

	// the next user action clears the error
	s = step(t, s, Event{Type: EventVerifyDisbursal}).Next
	assert.Nil(t, s.LastError)
}

func TestDocumentCapturedGetsStableID(t *testing.T) {
	s := consentGiven()
	s.State = domain.StateKYC
	st := step(t, s, Event{Type: EventCaptureDocument, Kind: domain.ArtifactSelfie})
	s = st.Next
	st = step(t, s, Event{Type: EventDocumentCaptured, CallID: s.Pending.ID, Artifact: &domain.Artifact{ID: "camera-1", Bytes: []byte("jpeg")}})

	want := ArtifactID("rec-1", domain.ArtifactSelfie)
	assert.Equal(t, want, st.Next.Record.KYC.SelfiePhotoRef)
	require.Len(t, st.Effects, 1)
	assert.Equal(t, EffectEnqueue, st.Effects[0].Kind)
	assert.Equal(t, want, st.Effects[0].Artifact.ID)
	assert.Equal(t, domain.ArtifactSelfie, st.Effects[0].Artifact.Kind)
}

func TestQueueNoticesTrackStalls(t *testing.T) {
	s := consentGiven()
	s.State = domain.StateKYC
	ref := s.Record.KYC.IDPhotoRef

	s = step(t, s, Event{Type: EventQueueNotice, Notice: &queue.Notice{Kind: queue.NoticeFailed, ArtifactID: ref, Attempts: 4, LastError: "reset"}}).Next
	require.Len(t, s.Stalls, 1)
	_, err := Transition(s, Event{Type: EventConfirmKYC})
	var stall *apperr.QueueStallError
	require.ErrorAs(t, err, &stall)
	assert.Equal(t, 4, stall.Attempts)

	s = step(t, s, Event{Type: EventQueueNotice, Notice: &queue.Notice{Kind: queue.NoticeRequeued, ArtifactID: ref}}).Next
	assert.Empty(t, s.Stalls)
	s = step(t, s, Event{Type: EventConfirmKYC}).Next
	assert.Equal(t, domain.StateConsent, s.State)
}

func TestLanguageChoiceCreatesRecord(t *testing.T) {
	s := Initial()
	_, err := Transition(s, Event{Type: EventSelectLanguage, Language: "klingon"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	s = step(t, s, Event{Type: EventSelectLanguage, Language: domain.LanguageTamil}).Next
	s = step(t, s, Event{Type: EventGetStarted, NewRecordID: "rec-9"}).Next
	assert.Equal(t, domain.StateHome, s.State)
	require.NotNil(t, s.Record)
	assert.Equal(t, domain.LanguageTamil, s.Record.Language)
	assert.Equal(t, at, s.Record.CreatedAt)
}
