package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KayMas2808/RuralLend/internal/apperr"
)

type SourceKind string

const (
	SourceVoice  SourceKind = "voice"
	SourceManual SourceKind = "manual"
)

// IntakeSource is where the four intake fields came from. Exactly one
// variant feeds a record; a later source replaces the earlier one.
type IntakeSource interface {
	Kind() SourceKind
	Normalize() (LoanRequest, error)
}

// Voice prompts, in the order they are asked.
const (
	PromptAmount = iota
	PromptPurpose
	PromptTenure
	PromptMobile
	PromptCount
)

type TranscriptSegment struct {
	PromptIndex int    `json:"prompt_index"`
	Text        string `json:"text"`
	Value       string `json:"value"`
}

type VoiceIntake struct {
	Segments []TranscriptSegment `json:"segments"`
}

func (VoiceIntake) Kind() SourceKind { return SourceVoice }

// Transcript renders the raw answers one per line.
func (v VoiceIntake) Transcript() string {
	lines := make([]string, 0, len(v.Segments))
	for _, s := range v.Segments {
		lines = append(lines, fmt.Sprintf("Q%d: %s", s.PromptIndex+1, s.Text))
	}
	return strings.Join(lines, "\n")
}

func (v VoiceIntake) segment(idx int) (TranscriptSegment, bool) {
	var found TranscriptSegment
	ok := false
	for _, s := range v.Segments {
		if s.PromptIndex == idx {
			found, ok = s, true
		}
	}
	return found, ok
}

// Normalize maps recognized values onto a LoanRequest. Parsed values are not
// trusted; the result is validated like manual input.
func (v VoiceIntake) Normalize() (LoanRequest, error) {
	var req LoanRequest
	var verrs apperr.ValidationErrors
	fields := [PromptCount]string{"amount", "purpose", "tenure_months", "mobile_number"}
	for idx := 0; idx < PromptCount; idx++ {
		seg, ok := v.segment(idx)
		value := strings.TrimSpace(seg.Value)
		if !ok || value == "" {
			verrs = append(verrs, apperr.ValidationError{Field: fields[idx], Code: apperr.CodeMissingRequired, Message: fields[idx] + " was not recognized"})
			continue
		}
		switch idx {
		case PromptAmount:
			n, err := strconv.ParseInt(strings.ReplaceAll(value, ",", ""), 10, 64)
			if err != nil {
				verrs = append(verrs, apperr.ValidationError{Field: fields[idx], Code: apperr.CodeInvalidFormat, Message: "amount is not a number"})
				continue
			}
			req.AmountRequested = n
		case PromptPurpose:
			req.Purpose = value
		case PromptTenure:
			n, err := strconv.Atoi(value)
			if err != nil {
				verrs = append(verrs, apperr.ValidationError{Field: fields[idx], Code: apperr.CodeInvalidFormat, Message: "tenure_months is not a number"})
				continue
			}
			req.TenureMonths = n
		case PromptMobile:
			req.MobileNumber = strings.ReplaceAll(value, " ", "")
		}
	}
	if len(verrs) > 0 {
		return LoanRequest{}, verrs
	}
	if err := ValidateLoanRequest(req); err != nil {
		return LoanRequest{}, err
	}
	return req, nil
}

type ManualIntake struct {
	Request LoanRequest `json:"request"`
}

func (ManualIntake) Kind() SourceKind { return SourceManual }

func (m ManualIntake) Normalize() (LoanRequest, error) {
	req := m.Request
	req.Purpose = strings.TrimSpace(req.Purpose)
	req.MobileNumber = strings.TrimSpace(req.MobileNumber)
	if err := ValidateLoanRequest(req); err != nil {
		return LoanRequest{}, err
	}
	return req, nil
}

// IntakeRecord accumulates one loan application.
type IntakeRecord struct {
	ID              string       `json:"id"`
	Language        Language     `json:"language"`
	Source          IntakeSource `json:"-"`
	Request         *LoanRequest `json:"request,omitempty"`
	VoiceTranscript string       `json:"voice_transcript,omitempty"`
	KYC             KYC          `json:"kyc"`
	ConsentGiven    bool         `json:"consent_given"`
	Offer           *Offer       `json:"offer,omitempty"`
	Disbursal       *Disbursal   `json:"disbursal,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

var (
	ErrOfferAlreadySet   = errors.New("offer already set for this application")
	ErrConsentAlreadySet = errors.New("consent already given")
)

func NewIntakeRecord(id string, lang Language, now time.Time) IntakeRecord {
	return IntakeRecord{ID: id, Language: lang, CreatedAt: now.UTC(), UpdatedAt: now.UTC()}
}

// ApplyIntake normalizes src and replaces every intake field with its output.
// On error the record is unchanged.
func (r *IntakeRecord) ApplyIntake(src IntakeSource) error {
	req, err := src.Normalize()
	if err != nil {
		return err
	}
	r.Source = src
	r.Request = &req
	r.VoiceTranscript = ""
	if v, ok := src.(VoiceIntake); ok {
		r.VoiceTranscript = v.Transcript()
	}
	return nil
}

// AttachArtifact stores the reference for a captured KYC artifact.
func (r *IntakeRecord) AttachArtifact(kind ArtifactKind, artifactID string) error {
	switch kind {
	case ArtifactID:
		r.KYC.IDPhotoRef = artifactID
	case ArtifactSelfie:
		r.KYC.SelfiePhotoRef = artifactID
	default:
		return apperr.NewValidation("kind", apperr.CodeInvalidValue, "artifact kind %q is not id or selfie", string(kind))
	}
	return nil
}

// GiveConsent records consent. It can only be set once.
func (r *IntakeRecord) GiveConsent() error {
	if r.ConsentGiven {
		return ErrConsentAlreadySet
	}
	r.ConsentGiven = true
	return nil
}

// SetOffer writes the underwriting result. It can only be set once.
func (r *IntakeRecord) SetOffer(o Offer) error {
	if r.Offer != nil {
		return ErrOfferAlreadySet
	}
	r.Offer = &o
	return nil
}

// Clone returns a deep copy so a failed transition never leaks into the original.
func (r IntakeRecord) Clone() IntakeRecord {
	out := r
	if r.Request != nil {
		req := *r.Request
		out.Request = &req
	}
	if r.Offer != nil {
		o := *r.Offer
		out.Offer = &o
	}
	if r.Disbursal != nil {
		d := *r.Disbursal
		if d.UPI != nil {
			u := *d.UPI
			d.UPI = &u
		}
		if d.Bank != nil {
			b := *d.Bank
			d.Bank = &b
		}
		out.Disbursal = &d
	}
	if v, ok := r.Source.(VoiceIntake); ok {
		out.Source = VoiceIntake{Segments: append([]TranscriptSegment(nil), v.Segments...)}
	}
	return out
}

type recordAlias IntakeRecord

type recordJSON struct {
	recordAlias
	SourceKind SourceKind    `json:"source_kind,omitempty"`
	Voice      *VoiceIntake  `json:"voice,omitempty"`
	Manual     *ManualIntake `json:"manual,omitempty"`
}

func (r IntakeRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{recordAlias: recordAlias(r)}
	switch src := r.Source.(type) {
	case VoiceIntake:
		out.SourceKind = SourceVoice
		out.Voice = &src
	case ManualIntake:
		out.SourceKind = SourceManual
		out.Manual = &src
	}
	return json.Marshal(out)
}

func (r *IntakeRecord) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = IntakeRecord(in.recordAlias)
	switch in.SourceKind {
	case SourceVoice:
		if in.Voice != nil {
			r.Source = *in.Voice
		}
	case SourceManual:
		if in.Manual != nil {
			r.Source = *in.Manual
		}
	case "":
	default:
		return fmt.Errorf("unknown intake source %q", in.SourceKind)
	}
	return nil
}
