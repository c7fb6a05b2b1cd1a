package engine

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/queue"
	"github.com/KayMas2808/RuralLend/internal/sequence"
	"github.com/KayMas2808/RuralLend/internal/services"
)

type EventType string

const (
	EventSelectLanguage    EventType = "select_language"
	EventGetStarted        EventType = "get_started"
	EventChangeLanguage    EventType = "change_language"
	EventStartVoice        EventType = "start_voice"
	EventStartManual       EventType = "start_manual"
	EventRecognizeNext     EventType = "recognize_next"
	EventSpeechRecognized  EventType = "speech_recognized"
	EventSubmitVoice       EventType = "submit_voice"
	EventFallbackToManual  EventType = "fallback_to_manual"
	EventSubmitManual      EventType = "submit_manual"
	EventCaptureDocument   EventType = "capture_document"
	EventDocumentCaptured  EventType = "document_captured"
	EventConfirmKYC        EventType = "confirm_kyc"
	EventSetConsent        EventType = "set_consent"
	EventStartUnderwriting EventType = "start_underwriting"
	EventStageProgress     EventType = "stage_progress"
	EventStagesReset       EventType = "stages_reset"
	EventOfferReady        EventType = "offer_ready"
	EventAcceptOffer       EventType = "accept_offer"
	EventDeclineOffer      EventType = "decline_offer"
	EventChooseDisbursal   EventType = "choose_disbursal"
	EventVerifyDisbursal   EventType = "verify_disbursal"
	EventDisbursalVerified EventType = "disbursal_verified"
	EventCompleteDisbursal EventType = "complete_disbursal"
	EventOpenLoans         EventType = "open_loans"
	EventBack              EventType = "back"
	EventOpenHelp          EventType = "open_help"
	EventCloseHelp         EventType = "close_help"
	EventResume            EventType = "resume"
	EventGoHome            EventType = "go_home"
	EventCancel            EventType = "cancel"
	EventAbandon           EventType = "abandon"
	EventCallFailed        EventType = "call_failed"
	EventConnectivity      EventType = "connectivity"
	EventQueueNotice       EventType = "queue_notice"
)

// UserEvents can be sent through Dispatch. The rest are produced by the
// engine itself when a call or the upload queue reports back.
var UserEvents = []EventType{
	EventSelectLanguage, EventGetStarted, EventChangeLanguage,
	EventStartVoice, EventStartManual, EventRecognizeNext, EventSubmitVoice, EventFallbackToManual, EventSubmitManual,
	EventCaptureDocument, EventConfirmKYC, EventSetConsent, EventStartUnderwriting,
	EventAcceptOffer, EventDeclineOffer, EventChooseDisbursal, EventVerifyDisbursal, EventCompleteDisbursal,
	EventOpenLoans, EventBack, EventOpenHelp, EventCloseHelp, EventResume, EventGoHome, EventCancel, EventAbandon,
	EventConnectivity,
}

func (t EventType) userEvent() bool { return slices.Contains(UserEvents, t) }

func (t EventType) result() bool {
	switch t {
	case EventSpeechRecognized, EventDocumentCaptured, EventStageProgress, EventStagesReset,
		EventOfferReady, EventDisbursalVerified, EventCallFailed:
		return true
	}
	return false
}

// Event is one input to the flow. User payload fields are decoded from JSON;
// the rest are filled in by the engine.
type Event struct {
	Type         EventType              `json:"type"`
	Language     domain.Language        `json:"language,omitempty"`
	Request      *domain.LoanRequest    `json:"request,omitempty"`
	Kind         domain.ArtifactKind    `json:"kind,omitempty"`
	Consent      *bool                  `json:"consent,omitempty"`
	Disbursal    *domain.Disbursal      `json:"disbursal,omitempty"`
	Connectivity *services.Connectivity `json:"connectivity,omitempty"`

	Actor       string                    `json:"-"`
	At          time.Time                 `json:"-"`
	NewRecordID string                    `json:"-"`
	CallID      uint64                    `json:"-"`
	Attempt     int                       `json:"-"`
	Segment     *domain.TranscriptSegment `json:"-"`
	Artifact    *domain.Artifact          `json:"-"`
	Stage       *services.StageUpdate     `json:"-"`
	Offer       *domain.Offer             `json:"-"`
	Err         error                     `json:"-"`
	Notice      *queue.Notice             `json:"-"`
}

type EffectKind string

const (
	EffectRecognize  EffectKind = "recognize"
	EffectCapture    EffectKind = "capture"
	EffectEnqueue    EffectKind = "enqueue"
	EffectEvaluate   EffectKind = "evaluate"
	EffectVerify     EffectKind = "verify"
	EffectCreateLoan EffectKind = "create_loan"
	EffectDiscard    EffectKind = "discard"
)

// Effect asks the engine for work outside the transition function.
type Effect struct {
	Kind         EffectKind
	CallID       uint64
	Prompt       int
	ArtifactKind domain.ArtifactKind
	Artifact     domain.Artifact
	Record       domain.IntakeRecord
	Disbursal    domain.Disbursal
}

// PendingCall is the one external call the flow is waiting on.
type PendingCall struct {
	ID           uint64              `json:"id"`
	Kind         EffectKind          `json:"kind"`
	From         domain.State        `json:"from"`
	ArtifactKind domain.ArtifactKind `json:"artifact_kind,omitempty"`
	Attempt      int                 `json:"attempt,omitempty"`
}

type ErrorInfo struct {
	Kind    apperr.Kind      `json:"kind"`
	Code    apperr.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func errorInfo(err error) *ErrorInfo {
	return &ErrorInfo{Kind: apperr.KindOf(err), Code: apperr.CodeOf(err), Message: err.Error()}
}

// Stall is a failed upload still waiting for the user to retry or skip it.
type Stall struct {
	ArtifactID    string `json:"artifact_id"`
	OwnerRecordID string `json:"owner_record_id"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error"`
}

// Snapshot is the whole flow state. It is what gets persisted and what
// Dispatch returns.
type Snapshot struct {
	State        domain.State               `json:"state"`
	Language     domain.Language            `json:"language"`
	Record       *domain.IntakeRecord       `json:"record,omitempty"`
	ReturnTo     domain.State               `json:"return_to,omitempty"`
	ResumeTo     domain.State               `json:"resume_to,omitempty"`
	Voice        []domain.TranscriptSegment `json:"voice,omitempty"`
	Stages       []sequence.Progress        `json:"stages,omitempty"`
	Pending      *PendingCall               `json:"pending,omitempty"`
	Connectivity services.Connectivity      `json:"connectivity"`
	LastError    *ErrorInfo                 `json:"last_error,omitempty"`
	Stalls       []Stall                    `json:"stalls,omitempty"`
	LoanID       string                     `json:"loan_id,omitempty"`
	NextCallID   uint64                     `json:"next_call_id"`
}

// Initial is the state of a fresh install.
func Initial() Snapshot {
	return Snapshot{State: domain.StateLanguage, Language: domain.LanguageHindi}
}

// Clone deep-copies s.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Record != nil {
		r := s.Record.Clone()
		out.Record = &r
	}
	out.Voice = slices.Clone(s.Voice)
	out.Stages = slices.Clone(s.Stages)
	out.Stalls = slices.Clone(s.Stalls)
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}

// Step is the outcome of one accepted event.
type Step struct {
	Next    Snapshot
	Effects []Effect
	// Dropped is set for results of calls that were cancelled or superseded.
	Dropped bool
}

// ArtifactID derives the artifact id for a record's KYC photo. Recapturing
// the same kind reuses the id, so the queue refreshes the entry in place.
func ArtifactID(recordID string, kind domain.ArtifactKind) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(recordID+"/"+string(kind))).String()
}

var (
	errBusy         = errors.New("another call is still running")
	errNoRecord     = errors.New("no application in progress")
	errNothingPending = errors.New("nothing to cancel")
)

func invalid(s domain.State, t EventType) error {
	return fmt.Errorf("%w: %s is not allowed in %s", apperr.ErrInvalidTransition, t, s)
}

// Transition applies ev to s. It never touches s; on error the caller keeps
// the snapshot it had.
func Transition(s Snapshot, ev Event) (Step, error) {
	t := &transition{s: s.Clone(), ev: ev}
	if err := t.apply(); err != nil {
		return Step{}, apperr.Reject(string(s.State), string(ev.Type), err)
	}
	return Step{Next: t.s, Effects: t.effects, Dropped: t.dropped}, nil
}

type transition struct {
	s       Snapshot
	ev      Event
	effects []Effect
	dropped bool
}

func (t *transition) emit(e Effect) { t.effects = append(t.effects, e) }

// moveTo changes the visible state, or the state help will return to.
func (t *transition) moveTo(state domain.State) {
	if t.s.State == domain.StateHelp {
		t.s.ReturnTo = state
		return
	}
	t.s.State = state
}

func (t *transition) startCall(kind EffectKind) uint64 {
	t.s.NextCallID++
	t.s.Pending = &PendingCall{ID: t.s.NextCallID, Kind: kind, From: t.s.State}
	return t.s.NextCallID
}

func (t *transition) release() { t.s.Pending = nil }

func (t *transition) goOffline(resume domain.State, op string) {
	t.release()
	t.s.State = domain.StateOfflineRecovery
	t.s.ResumeTo = resume
	t.s.LastError = errorInfo(apperr.Offline(op))
}

func (t *transition) discard() {
	t.release()
	if t.s.Record != nil {
		t.emit(Effect{Kind: EffectDiscard, Record: *t.s.Record})
	}
	t.s.Record = nil
	t.s.Voice = nil
	t.s.Stages = nil
}

// ensureRecord starts an application from home. A record that already went
// through underwriting is closed out first.
func (t *transition) ensureRecord() error {
	if t.s.Record != nil && t.s.Record.Offer == nil {
		return nil
	}
	if t.s.Record != nil {
		t.discard()
	}
	if t.ev.NewRecordID == "" {
		return errors.New("record id was not assigned")
	}
	rec := domain.NewIntakeRecord(t.ev.NewRecordID, t.s.Language, t.ev.At)
	t.s.Record = &rec
	return nil
}

func (t *transition) touch() {
	if t.s.Record != nil && !t.ev.At.IsZero() {
		t.s.Record.UpdatedAt = t.ev.At.UTC()
	}
}

func (t *transition) apply() error {
	ev := t.ev
	if ev.Type.result() {
		return t.applyResult()
	}
	switch ev.Type {
	case EventConnectivity:
		if ev.Connectivity == nil {
			return apperr.NewValidation("connectivity", apperr.CodeMissingRequired, "connectivity is a required field")
		}
		t.s.Connectivity = *ev.Connectivity
		return nil
	case EventQueueNotice:
		t.applyNotice()
		return nil
	case EventOpenHelp:
		if t.s.State == domain.StateHelp {
			return invalid(t.s.State, ev.Type)
		}
		t.s.ReturnTo = t.s.State
		t.s.State = domain.StateHelp
		return nil
	case EventCloseHelp:
		if t.s.State != domain.StateHelp {
			return invalid(t.s.State, ev.Type)
		}
		t.s.State, t.s.ReturnTo = t.s.ReturnTo, ""
		return nil
	case EventAbandon:
		if t.s.State == domain.StateHelp {
			return invalid(t.s.State, ev.Type)
		}
		if t.s.Record == nil {
			return errNoRecord
		}
		t.discard()
		t.s.State = domain.StateHome
		t.s.ResumeTo = ""
		t.s.LastError = nil
		return nil
	case EventChangeLanguage:
		return t.changeLanguage()
	}

	t.s.LastError = nil
	switch t.s.State {
	case domain.StateLanguage:
		return t.onLanguage()
	case domain.StateHome:
		return t.onHome()
	case domain.StateVoiceIntake:
		return t.onVoice()
	case domain.StateManualIntake:
		return t.onManual()
	case domain.StateKYC:
		return t.onKYC()
	case domain.StateConsent:
		return t.onConsent()
	case domain.StateUnderwriting:
		return t.onUnderwriting()
	case domain.StateDecision:
		return t.onDecision()
	case domain.StateDisbursal:
		return t.onDisbursal()
	case domain.StateAccount:
		return t.onAccount()
	case domain.StateHelp:
		if ev.Type == EventBack {
			t.s.State, t.s.ReturnTo = t.s.ReturnTo, ""
			return nil
		}
	case domain.StateOfflineRecovery:
		return t.onOffline()
	}
	return invalid(t.s.State, ev.Type)
}

func (t *transition) changeLanguage() error {
	switch t.s.State {
	case domain.StateUnderwriting, domain.StateDecision, domain.StateDisbursal, domain.StateHelp:
		return invalid(t.s.State, t.ev.Type)
	}
	if err := domain.ValidateLanguage(t.ev.Language); err != nil {
		return err
	}
	t.s.Language = t.ev.Language
	if t.s.Record != nil {
		t.s.Record.Language = t.ev.Language
		t.touch()
	}
	return nil
}

func (t *transition) onLanguage() error {
	switch t.ev.Type {
	case EventSelectLanguage:
		if err := domain.ValidateLanguage(t.ev.Language); err != nil {
			return err
		}
		t.s.Language = t.ev.Language
		return nil
	case EventGetStarted:
		if t.s.Language == "" {
			return apperr.NewValidation("language", apperr.CodeMissingRequired, "language is a required field")
		}
		if err := t.ensureRecord(); err != nil {
			return err
		}
		t.s.State = domain.StateHome
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onHome() error {
	switch t.ev.Type {
	case EventStartVoice:
		if err := t.ensureRecord(); err != nil {
			return err
		}
		t.s.Voice = nil
		t.s.State = domain.StateVoiceIntake
		return nil
	case EventStartManual:
		if err := t.ensureRecord(); err != nil {
			return err
		}
		t.s.State = domain.StateManualIntake
		return nil
	case EventOpenLoans:
		t.s.State = domain.StateAccount
		return nil
	case EventBack:
		t.s.State = domain.StateLanguage
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onVoice() error {
	switch t.ev.Type {
	case EventRecognizeNext:
		if t.s.Pending != nil {
			return errBusy
		}
		next := len(t.s.Voice)
		if next >= domain.PromptCount {
			return fmt.Errorf("%w: all %d questions are answered", apperr.ErrInvalidTransition, domain.PromptCount)
		}
		if !t.s.Connectivity.Online {
			t.goOffline(domain.StateVoiceIntake, "speech")
			return nil
		}
		id := t.startCall(EffectRecognize)
		t.emit(Effect{Kind: EffectRecognize, CallID: id, Prompt: next})
		return nil
	case EventSubmitVoice:
		if t.s.Pending != nil {
			return errBusy
		}
		if err := t.s.Record.ApplyIntake(domain.VoiceIntake{Segments: slices.Clone(t.s.Voice)}); err != nil {
			return err
		}
		t.touch()
		t.s.State = domain.StateKYC
		return nil
	case EventFallbackToManual:
		t.release()
		t.s.Voice = nil
		t.s.State = domain.StateManualIntake
		return nil
	case EventCancel:
		if t.s.Pending == nil {
			return errNothingPending
		}
		t.release()
		return nil
	case EventBack, EventGoHome:
		t.release()
		t.s.State = domain.StateHome
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onManual() error {
	switch t.ev.Type {
	case EventSubmitManual:
		if t.ev.Request == nil {
			return apperr.NewValidation("request", apperr.CodeMissingRequired, "request is a required field")
		}
		if err := t.s.Record.ApplyIntake(domain.ManualIntake{Request: *t.ev.Request}); err != nil {
			return err
		}
		t.s.Voice = nil
		t.touch()
		t.s.State = domain.StateKYC
		return nil
	case EventBack, EventGoHome:
		t.s.State = domain.StateHome
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onKYC() error {
	switch t.ev.Type {
	case EventCaptureDocument:
		if t.s.Pending != nil {
			return errBusy
		}
		if t.ev.Kind != domain.ArtifactID && t.ev.Kind != domain.ArtifactSelfie {
			return apperr.NewValidation("kind", apperr.CodeInvalidValue, "kind must be one of [id selfie]")
		}
		id := t.startCall(EffectCapture)
		t.s.Pending.ArtifactKind = t.ev.Kind
		t.emit(Effect{Kind: EffectCapture, CallID: id, ArtifactKind: t.ev.Kind})
		return nil
	case EventConfirmKYC:
		if t.s.Pending != nil {
			return errBusy
		}
		kyc := t.s.Record.KYC
		var verrs apperr.ValidationErrors
		if kyc.IDPhotoRef == "" {
			verrs = append(verrs, apperr.ValidationError{Field: "id_photo_ref", Code: apperr.CodeMissingRequired, Message: "id photo has not been captured"})
		}
		if kyc.SelfiePhotoRef == "" {
			verrs = append(verrs, apperr.ValidationError{Field: "selfie_photo_ref", Code: apperr.CodeMissingRequired, Message: "selfie has not been captured"})
		}
		if len(verrs) > 0 {
			return verrs
		}
		for _, ref := range kyc.Refs() {
			for _, st := range t.s.Stalls {
				if st.ArtifactID == ref {
					return &apperr.QueueStallError{ArtifactID: st.ArtifactID, Attempts: st.Attempts, LastError: st.LastError}
				}
			}
		}
		t.s.State = domain.StateConsent
		return nil
	case EventCancel:
		if t.s.Pending == nil {
			return errNothingPending
		}
		t.release()
		return nil
	case EventBack:
		t.release()
		t.s.State = domain.StateManualIntake
		if t.s.Record.Source != nil && t.s.Record.Source.Kind() == domain.SourceVoice {
			t.s.State = domain.StateVoiceIntake
		}
		return nil
	case EventGoHome:
		t.release()
		t.s.State = domain.StateHome
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onConsent() error {
	switch t.ev.Type {
	case EventSetConsent:
		if t.ev.Consent == nil {
			return apperr.NewValidation("consent", apperr.CodeMissingRequired, "consent is a required field")
		}
		if *t.ev.Consent {
			if err := t.s.Record.GiveConsent(); err != nil {
				return err
			}
			t.touch()
		}
		return nil
	case EventStartUnderwriting:
		rec := t.s.Record
		if rec.Offer != nil {
			return domain.ErrOfferAlreadySet
		}
		if !rec.ConsentGiven {
			return apperr.NewValidation("consent", apperr.CodeMissingRequired, "consent must be given before underwriting")
		}
		if rec.Request == nil {
			return apperr.NewValidation("request", apperr.CodeMissingRequired, "loan details are missing")
		}
		if t.s.Pending != nil {
			return errBusy
		}
		if !t.s.Connectivity.Online {
			t.goOffline(domain.StateConsent, "underwrite")
			return nil
		}
		id := t.startCall(EffectEvaluate)
		t.s.Stages = sequence.NewTracker(services.UnderwritingStages...).Snapshot()
		t.s.State = domain.StateUnderwriting
		t.emit(Effect{Kind: EffectEvaluate, CallID: id, Record: rec.Clone()})
		return nil
	case EventBack:
		t.s.State = domain.StateKYC
		return nil
	case EventGoHome:
		t.s.State = domain.StateHome
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onUnderwriting() error {
	switch t.ev.Type {
	case EventStartUnderwriting:
		if t.s.Record.Offer != nil {
			return domain.ErrOfferAlreadySet
		}
		return errBusy
	case EventCancel, EventBack:
		t.release()
		t.s.Stages = nil
		t.s.State = domain.StateConsent
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onDecision() error {
	offer := t.s.Record.Offer
	switch t.ev.Type {
	case EventStartUnderwriting:
		return domain.ErrOfferAlreadySet
	case EventAcceptOffer:
		if offer.Status != domain.OfferApproved {
			return fmt.Errorf("%w: offer is %s, only home is available", apperr.ErrInvalidTransition, offer.Status)
		}
		t.s.State = domain.StateDisbursal
		return nil
	case EventDeclineOffer, EventGoHome:
		t.discard()
		t.s.State = domain.StateHome
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onDisbursal() error {
	rec := t.s.Record
	switch t.ev.Type {
	case EventChooseDisbursal:
		if t.ev.Disbursal == nil {
			return apperr.NewValidation("disbursal", apperr.CodeMissingRequired, "disbursal is a required field")
		}
		if t.s.Pending != nil {
			return errBusy
		}
		d := *t.ev.Disbursal
		if err := domain.ValidateDisbursal(d); err != nil {
			return err
		}
		d.Verified = false
		rec.Disbursal = &d
		t.touch()
		return nil
	case EventVerifyDisbursal:
		if rec.Disbursal == nil {
			return apperr.NewValidation("method", apperr.CodeMissingRequired, "choose a disbursal method first")
		}
		if t.s.Pending != nil {
			return errBusy
		}
		if !t.s.Connectivity.Online {
			t.goOffline(domain.StateDisbursal, "verify")
			return nil
		}
		id := t.startCall(EffectVerify)
		t.emit(Effect{Kind: EffectVerify, CallID: id, Disbursal: *rec.Disbursal})
		return nil
	case EventCompleteDisbursal:
		if rec.Disbursal == nil || !rec.Disbursal.Verified {
			return apperr.NewValidation("verified", apperr.CodeMissingRequired, "disbursal method has not been verified")
		}
		t.emit(Effect{Kind: EffectCreateLoan, Record: rec.Clone()})
		t.discard()
		t.s.State = domain.StateAccount
		return nil
	case EventCancel:
		if t.s.Pending == nil {
			return errNothingPending
		}
		t.release()
		return nil
	case EventBack:
		t.release()
		t.s.State = domain.StateDecision
		return nil
	case EventGoHome:
		t.discard()
		t.s.State = domain.StateHome
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onAccount() error {
	switch t.ev.Type {
	case EventBack, EventGoHome:
		t.s.State = domain.StateHome
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) onOffline() error {
	switch t.ev.Type {
	case EventResume:
		if !t.s.Connectivity.Online {
			return apperr.Offline("resume")
		}
		t.s.State, t.s.ResumeTo = t.s.ResumeTo, ""
		return nil
	case EventGoHome:
		t.s.State, t.s.ResumeTo = domain.StateHome, ""
		return nil
	}
	return invalid(t.s.State, t.ev.Type)
}

func (t *transition) applyNotice() {
	n := t.ev.Notice
	if n == nil {
		return
	}
	t.s.Stalls = slices.DeleteFunc(t.s.Stalls, func(st Stall) bool { return st.ArtifactID == n.ArtifactID })
	if n.Kind == queue.NoticeFailed {
		t.s.Stalls = append(t.s.Stalls, Stall{ArtifactID: n.ArtifactID, OwnerRecordID: n.OwnerRecordID, Attempts: n.Attempts, LastError: n.LastError})
	}
}

// applyResult merges the answer of an external call. Answers for anything
// but the pending call are dropped.
func (t *transition) applyResult() error {
	ev := t.ev
	p := t.s.Pending
	if p == nil || p.ID != ev.CallID {
		t.dropped = true
		return nil
	}
	if ev.Type == EventCallFailed {
		return t.callFailed(p)
	}
	switch {
	case ev.Type == EventSpeechRecognized && p.Kind == EffectRecognize && ev.Segment != nil:
		seg := *ev.Segment
		seg.PromptIndex = len(t.s.Voice)
		t.s.Voice = append(t.s.Voice, seg)
		t.release()
		return nil
	case ev.Type == EventDocumentCaptured && p.Kind == EffectCapture && ev.Artifact != nil:
		a := *ev.Artifact
		a.Kind = p.ArtifactKind
		a.ID = ArtifactID(t.s.Record.ID, a.Kind)
		if err := t.s.Record.AttachArtifact(a.Kind, a.ID); err != nil {
			return err
		}
		// the queue restarts a replaced payload from pending
		t.s.Stalls = slices.DeleteFunc(t.s.Stalls, func(st Stall) bool { return st.ArtifactID == a.ID })
		t.touch()
		t.release()
		t.emit(Effect{Kind: EffectEnqueue, Artifact: a, Record: *t.s.Record})
		return nil
	case ev.Type == EventStagesReset && p.Kind == EffectEvaluate:
		p.Attempt = ev.Attempt
		t.s.Stages = sequence.NewTracker(services.UnderwritingStages...).Snapshot()
		return nil
	case ev.Type == EventStageProgress && p.Kind == EffectEvaluate && ev.Stage != nil:
		if ev.Attempt != p.Attempt {
			t.dropped = true
			return nil
		}
		tr := t.tracker()
		if err := tr.Observe(ev.Stage.Stage, ev.Stage.Status); err != nil {
			return err
		}
		t.s.Stages = tr.Snapshot()
		return nil
	case ev.Type == EventOfferReady && p.Kind == EffectEvaluate && ev.Offer != nil:
		t.release()
		if !t.tracker().Complete() {
			t.s.Stages = nil
			t.s.LastError = errorInfo(apperr.Permanent("underwrite", "decision arrived before every stage completed"))
			t.moveTo(domain.StateConsent)
			return nil
		}
		if err := t.s.Record.SetOffer(*ev.Offer); err != nil {
			return err
		}
		t.touch()
		t.moveTo(domain.StateDecision)
		return nil
	case ev.Type == EventDisbursalVerified && p.Kind == EffectVerify:
		if t.s.Record.Disbursal == nil {
			return errNoRecord
		}
		t.s.Record.Disbursal.Verified = true
		t.touch()
		t.release()
		return nil
	}
	return invalid(t.s.State, ev.Type)
}

func (t *transition) tracker() *sequence.Tracker {
	tr := sequence.NewTracker(services.UnderwritingStages...)
	for _, st := range t.s.Stages {
		if st.Status != sequence.StatusPending {
			_ = tr.Observe(st.Name, st.Status)
		}
	}
	return tr
}

// safeState is where a flow goes back to after the call failed for good.
func safeState(p *PendingCall) domain.State {
	if p.Kind == EffectEvaluate {
		return domain.StateConsent
	}
	return p.From
}

func (t *transition) callFailed(p *PendingCall) error {
	err := t.ev.Err
	if err == nil {
		err = apperr.Transient(string(p.Kind), errors.New("call failed"))
	}
	t.release()
	if p.Kind == EffectEvaluate {
		t.s.Stages = nil
	}
	if apperr.IsOffline(err) {
		if t.s.State == domain.StateHelp {
			t.s.ReturnTo = domain.StateOfflineRecovery
		} else {
			t.s.State = domain.StateOfflineRecovery
		}
		t.s.ResumeTo = safeState(p)
		t.s.LastError = errorInfo(err)
		return nil
	}
	t.s.LastError = errorInfo(err)
	t.moveTo(safeState(p))
	return nil
}
