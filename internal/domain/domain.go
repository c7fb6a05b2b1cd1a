package domain

import (
	"github.com/shopspring/decimal"
)

type Language string

const (
	LanguageHindi   Language = "hindi"
	LanguageTamil   Language = "tamil"
	LanguageTelugu  Language = "telugu"
	LanguageMarathi Language = "marathi"
	LanguageBengali Language = "bengali"
	LanguageEnglish Language = "english"
)

var Languages = []Language{LanguageHindi, LanguageTamil, LanguageTelugu, LanguageMarathi, LanguageBengali, LanguageEnglish}

// State is a screen of the intake flow.
type State string

const (
	StateLanguage        State = "language"
	StateHome            State = "home"
	StateVoiceIntake     State = "voice-intake"
	StateManualIntake    State = "manual-intake"
	StateKYC             State = "kyc"
	StateConsent         State = "consent"
	StateUnderwriting    State = "underwriting"
	StateDecision        State = "decision"
	StateDisbursal       State = "disbursal"
	StateAccount         State = "account"
	StateHelp            State = "help"
	StateOfflineRecovery State = "offline-recovery"
)

// SupportedTenures are the repayment periods offered, in months.
var SupportedTenures = []int{3, 6, 12, 18, 24}

const (
	MinAmount int64 = 1000
	MaxAmount int64 = 200000
)

// Purposes offered on the manual form. Free text is still accepted.
var Purposes = []string{"home repair", "business", "education", "medical", "wedding", "agriculture", "other"}

type LoanRequest struct {
	AmountRequested int64  `json:"amount" validate:"min=1000,max=200000"`
	TenureMonths    int    `json:"tenure_months" validate:"required,tenure"`
	Purpose         string `json:"purpose" validate:"required"`
	MobileNumber    string `json:"mobile_number" validate:"required,mobile"`
}

type ArtifactKind string

const (
	ArtifactID     ArtifactKind = "id"
	ArtifactSelfie ArtifactKind = "selfie"
)

// Artifact is captured binary data that must leave the device.
type Artifact struct {
	ID        string       `json:"id"`
	Kind      ArtifactKind `json:"kind"`
	SizeBytes int64        `json:"size_bytes"`
	Bytes     []byte       `json:"-"`
}

type KYC struct {
	IDPhotoRef     string `json:"id_photo_ref,omitempty"`
	SelfiePhotoRef string `json:"selfie_photo_ref,omitempty"`
}

// Complete reports whether both artifacts are referenced.
func (k KYC) Complete() bool {
	return k.IDPhotoRef != "" && k.SelfiePhotoRef != ""
}

// Refs returns the referenced artifact ids.
func (k KYC) Refs() []string {
	var out []string
	if k.IDPhotoRef != "" {
		out = append(out, k.IDPhotoRef)
	}
	if k.SelfiePhotoRef != "" {
		out = append(out, k.SelfiePhotoRef)
	}
	return out
}

type OfferStatus string

const (
	OfferApproved OfferStatus = "approved"
	OfferPending  OfferStatus = "pending"
	OfferRejected OfferStatus = "rejected"
)

type Offer struct {
	Status          OfferStatus     `json:"status" enum:"approved,pending,rejected"`
	Amount          decimal.Decimal `json:"amount"`
	TenureMonths    int             `json:"tenure_months"`
	EMI             decimal.Decimal `json:"emi"`
	InterestRatePct decimal.Decimal `json:"interest_rate_pct"`
	ProcessingFee   decimal.Decimal `json:"processing_fee"`
}

type DisbursalMethod string

const (
	DisbursalUPI  DisbursalMethod = "upi"
	DisbursalBank DisbursalMethod = "bank"
	DisbursalCash DisbursalMethod = "cash"
)

type UPIDetails struct {
	ID string `json:"upi_id" validate:"required,upi"`
}

type BankDetails struct {
	AccountNumber string `json:"account_number" validate:"required"`
	IFSC          string `json:"ifsc" validate:"required"`
	HolderName    string `json:"holder_name" validate:"required"`
}

type Disbursal struct {
	Method   DisbursalMethod `json:"method" enum:"upi,bank,cash"`
	UPI      *UPIDetails     `json:"upi,omitempty"`
	Bank     *BankDetails    `json:"bank,omitempty"`
	Verified bool            `json:"verified"`
}

type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// UploadEntry is one row of the upload queue.
type UploadEntry struct {
	ArtifactID    string       `json:"artifact_id"`
	OwnerRecordID string       `json:"owner_record_id"`
	Kind          ArtifactKind `json:"kind"`
	SizeBytes     int64        `json:"size_bytes"`
	Status        UploadStatus `json:"status" enum:"pending,uploading,completed,failed"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"last_error,omitempty"`
	Seq           int64        `json:"seq"`
	Generation    int64        `json:"generation"`
	EnqueuedAt    string       `json:"enqueued_at" format:"date-time"`
	UpdatedAt     string       `json:"updated_at" format:"date-time"`
}

type LoanStatus string

const (
	LoanActive LoanStatus = "active"
	LoanClosed LoanStatus = "closed"
)

type Loan struct {
	ID               string          `json:"id"`
	RecordID         string          `json:"record_id"`
	Amount           decimal.Decimal `json:"amount"`
	EMI              decimal.Decimal `json:"emi"`
	TenureMonths     int             `json:"tenure_months"`
	PaidInstallments int             `json:"paid_installments"`
	NextDueDate      string          `json:"next_due_date" format:"date"`
	Status           LoanStatus      `json:"status" enum:"active,closed"`
	DisbursalMethod  DisbursalMethod `json:"disbursal_method"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
}

type Repayment struct {
	ID     string          `json:"id"`
	LoanID string          `json:"loan_id"`
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
	Status string          `json:"status"`
	PaidAt string          `json:"paid_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RecordID   string `json:"record_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Preferences survive restarts.
type Preferences struct {
	TrustedNetworkOnly bool   `json:"trusted_network_only"`
	UpdatedAt          string `json:"updated_at,omitempty" format:"date-time"`
}
