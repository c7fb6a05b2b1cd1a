// Package services declares the external collaborators of the intake flow.
package services

import (
	"context"

	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/sequence"
)

// Underwriting stages, in the order they must complete.
const (
	StageDocuments = "documents"
	StageCredit    = "credit"
	StageAI        = "ai"
)

var UnderwritingStages = []string{StageDocuments, StageCredit, StageAI}

type DocumentCapturer interface {
	CaptureDocument(ctx context.Context, kind domain.ArtifactKind) (domain.Artifact, error)
}

type SpeechRecognizer interface {
	RecognizeSpeech(ctx context.Context, promptIndex int) (domain.TranscriptSegment, error)
}

// StageUpdate is one progress report from an underwriter.
type StageUpdate struct {
	Stage  string          `json:"stage"`
	Status sequence.Status `json:"status"`
}

type Underwriter interface {
	Evaluate(ctx context.Context, record domain.IntakeRecord, report func(StageUpdate)) (domain.Offer, error)
}

type DisbursalVerifier interface {
	VerifyDisbursalMethod(ctx context.Context, d domain.Disbursal) error
}

// Uploader transfers one artifact. Failures must be classified as
// apperr.TransientServiceError or apperr.PermanentServiceError.
type Uploader interface {
	UploadArtifact(ctx context.Context, artifactID string, data []byte) error
}

// Connectivity is the last known network signal of the device.
type Connectivity struct {
	Online  bool `json:"online"`
	Trusted bool `json:"trusted"`
}

// Set bundles every collaborator the engine needs.
type Set struct {
	Capturer    DocumentCapturer
	Speech      SpeechRecognizer
	Underwriter Underwriter
	Verifier    DisbursalVerifier
	Uploader    Uploader
}
