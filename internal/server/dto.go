package server

import (
	"encoding/json"
	"strings"

	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/engine"
	"github.com/KayMas2808/RuralLend/internal/loans"
	"github.com/KayMas2808/RuralLend/internal/services"
)

// Request payloads

type LoanRequestBody struct {
	Amount       int64  `json:"amount,omitempty"`
	TenureMonths int    `json:"tenure_months,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
	MobileNumber string `json:"mobile_number,omitempty"`
}

type DisbursalBody struct {
	Method        string `json:"method"`
	UPIID         string `json:"upi_id,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	HolderName    string `json:"holder_name,omitempty"`
}

type ConnectivityBody struct {
	Online  bool `json:"online"`
	Trusted bool `json:"trusted,omitempty"`
}

// FlowEventRequest is one user event. Only the payload field its type
// needs is read.
type FlowEventRequest struct {
	Type         string            `json:"type" doc:"Event type, e.g. submit_manual"`
	Language     string            `json:"language,omitempty" doc:"hindi, tamil, telugu, marathi, bengali or english"`
	Request      *LoanRequestBody  `json:"request,omitempty"`
	Kind         string            `json:"kind,omitempty" doc:"id or selfie"`
	Consent      *bool             `json:"consent,omitempty"`
	Disbursal    *DisbursalBody    `json:"disbursal,omitempty"`
	Connectivity *ConnectivityBody `json:"connectivity,omitempty"`
}

type PreferencesRequest struct {
	TrustedNetworkOnly bool `json:"trusted_network_only"`
}

type RepaymentRequest struct {
	Amount string `json:"amount" example:"4584"`
	Method string `json:"method" example:"UPI"`
}

// Responses

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RecordID   string         `json:"record_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type RepaymentResponse struct {
	Loan      domain.Loan      `json:"loan"`
	Repayment domain.Repayment `json:"repayment"`
	Summary   loans.Summary    `json:"summary"`
}

// Conversion helpers

func (r FlowEventRequest) event() engine.Event {
	ev := engine.Event{
		Type:     engine.EventType(strings.TrimSpace(r.Type)),
		Language: domain.Language(r.Language),
		Kind:     domain.ArtifactKind(r.Kind),
		Consent:  r.Consent,
	}
	if r.Request != nil {
		ev.Request = &domain.LoanRequest{
			AmountRequested: r.Request.Amount,
			TenureMonths:    r.Request.TenureMonths,
			Purpose:         r.Request.Purpose,
			MobileNumber:    r.Request.MobileNumber,
		}
	}
	if d := r.Disbursal; d != nil {
		ev.Disbursal = &domain.Disbursal{Method: domain.DisbursalMethod(d.Method)}
		switch ev.Disbursal.Method {
		case domain.DisbursalUPI:
			ev.Disbursal.UPI = &domain.UPIDetails{ID: d.UPIID}
		case domain.DisbursalBank:
			ev.Disbursal.Bank = &domain.BankDetails{AccountNumber: d.AccountNumber, IFSC: d.IFSC, HolderName: d.HolderName}
		}
	}
	if c := r.Connectivity; c != nil {
		ev.Connectivity = &services.Connectivity{Online: c.Online, Trusted: c.Trusted}
	}
	return ev
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RecordID:   e.RecordID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
