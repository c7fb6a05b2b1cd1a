// Package sim provides simulated external services with fixed delays.
package sim

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/clock"
	"github.com/KayMas2808/RuralLend/internal/config"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/sequence"
	"github.com/KayMas2808/RuralLend/internal/services"
)

// Network lets tests and the CLI cut the simulated link.
type Network struct {
	mu      sync.Mutex
	offline bool
}

func (n *Network) SetConnectivity(c services.Connectivity) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.offline = !c.Online
	n.mu.Unlock()
}

func (n *Network) check(op string) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return apperr.Offline(op)
	}
	return nil
}

// Services is the full simulated set.
type Services struct {
	Clock   clock.Clock
	Config  config.SimConfig
	Offer   config.OfferConfig
	Network *Network

	mu       sync.Mutex
	script   []string
	captureN int
	uploaded map[string]int
}

// New returns simulated services configured from cfg.
func New(cfg *config.Config, clk clock.Clock) *Services {
	return &Services{
		Clock:    clock.Or(clk),
		Config:   cfg.Services.Sim,
		Offer:    cfg.Offer,
		Network:  &Network{},
		script:   append([]string(nil), cfg.Services.Sim.UploadFailScript...),
		uploaded: make(map[string]int),
	}
}

// Set returns the services bundle for the engine.
func (s *Services) Set() services.Set {
	return services.Set{Capturer: s, Speech: s, Underwriter: s, Verifier: s, Uploader: s}
}

func (s *Services) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	ch, stop := s.Clock.Timer(d)
	defer stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Services) CaptureDocument(ctx context.Context, kind domain.ArtifactKind) (domain.Artifact, error) {
	if kind != domain.ArtifactID && kind != domain.ArtifactSelfie {
		return domain.Artifact{}, apperr.Permanent("capture", fmt.Sprintf("unsupported artifact kind %q", kind))
	}
	if err := s.wait(ctx, s.Config.CaptureDelay); err != nil {
		return domain.Artifact{}, err
	}
	s.mu.Lock()
	s.captureN++
	n := s.captureN
	s.mu.Unlock()
	data := []byte(fmt.Sprintf("simulated %s photo #%d", kind, n))
	sum := sha256.Sum256(data)
	return domain.Artifact{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, sum[:]).String(),
		Kind:      kind,
		Bytes:     data,
		SizeBytes: int64(len(data)),
	}, nil
}

var speechAnswers = [domain.PromptCount]domain.TranscriptSegment{
	{PromptIndex: domain.PromptAmount, Text: "मुझे पचास हजार रुपये चाहिए", Value: "50000"},
	{PromptIndex: domain.PromptPurpose, Text: "घर की मरम्मत के लिए", Value: "home repair"},
	{PromptIndex: domain.PromptTenure, Text: "बारह महीने में वापस करूंगा", Value: "12"},
	{PromptIndex: domain.PromptMobile, Text: "मेरा नंबर है नौ एक दो तीन चार पांच छह सात आठ नौ", Value: "9123456789"},
}

func (s *Services) RecognizeSpeech(ctx context.Context, promptIndex int) (domain.TranscriptSegment, error) {
	if promptIndex < 0 || promptIndex >= domain.PromptCount {
		return domain.TranscriptSegment{}, apperr.Permanent("speech", fmt.Sprintf("no prompt %d", promptIndex))
	}
	if err := s.wait(ctx, s.Config.SpeechDelay); err != nil {
		return domain.TranscriptSegment{}, err
	}
	return speechAnswers[promptIndex], nil
}

// Evaluate runs the three underwriting stages and returns the configured outcome.
func (s *Services) Evaluate(ctx context.Context, record domain.IntakeRecord, report func(services.StageUpdate)) (domain.Offer, error) {
	if record.Request == nil {
		return domain.Offer{}, apperr.Permanent("underwrite", "application has no loan request")
	}
	stages := make([]sequence.Stage, 0, len(services.UnderwritingStages))
	for _, name := range services.UnderwritingStages {
		stages = append(stages, sequence.Stage{Name: name, Run: func(ctx context.Context) error {
			if err := s.Network.check("underwrite"); err != nil {
				return err
			}
			return s.wait(ctx, s.Config.StageDelay)
		}})
	}
	err := sequence.Run(ctx, stages, func(p sequence.Progress) {
		if report != nil {
			report(services.StageUpdate{Stage: p.Name, Status: p.Status})
		}
	})
	if err != nil {
		return domain.Offer{}, err
	}
	return s.offerFor(*record.Request), nil
}

func (s *Services) offerFor(req domain.LoanRequest) domain.Offer {
	status := domain.OfferStatus(s.Config.DecisionOutcome)
	if status == "" {
		status = domain.OfferApproved
	}
	offer := domain.Offer{
		Status:          status,
		Amount:          decimal.NewFromInt(req.AmountRequested),
		TenureMonths:    req.TenureMonths,
		InterestRatePct: s.Offer.InterestRate(),
		ProcessingFee:   s.Offer.Fee(),
	}
	if status == domain.OfferApproved {
		offer.EMI = EMI(offer.Amount, offer.InterestRatePct, req.TenureMonths)
	}
	return offer
}

// EMI is the reducing-balance monthly installment rounded to whole rupees.
func EMI(principal, annualRatePct decimal.Decimal, months int) decimal.Decimal {
	if months <= 0 {
		return decimal.Zero
	}
	n := decimal.NewFromInt(int64(months))
	if annualRatePct.IsZero() {
		return principal.Div(n).Round(0)
	}
	r := annualRatePct.Div(decimal.NewFromInt(1200))
	growth := decimal.NewFromInt(1).Add(r).Pow(n)
	return principal.Mul(r).Mul(growth).Div(growth.Sub(decimal.NewFromInt(1))).Round(0)
}

func (s *Services) VerifyDisbursalMethod(ctx context.Context, d domain.Disbursal) error {
	if err := domain.ValidateDisbursal(d); err != nil {
		return err
	}
	if err := s.Network.check("verify"); err != nil {
		return err
	}
	return s.wait(ctx, s.Config.VerifyDelay)
}

// Script upload steps.
const (
	StepOK        = "ok"
	StepTransient = "transient"
	StepPermanent = "permanent"
	StepHang      = "hang"
)

// ScriptUploads queues outcomes for the next upload calls. Once the script
// runs out uploads succeed.
func (s *Services) ScriptUploads(steps ...string) {
	s.mu.Lock()
	s.script = append(s.script, steps...)
	s.mu.Unlock()
}

// Uploaded returns how many successful transfers an artifact had.
func (s *Services) Uploaded(artifactID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded[artifactID]
}

var errSimulatedReset = errors.New("connection reset by peer")

func (s *Services) UploadArtifact(ctx context.Context, artifactID string, data []byte) error {
	if err := s.Network.check("upload"); err != nil {
		return err
	}
	s.mu.Lock()
	step := StepOK
	if len(s.script) > 0 {
		step, s.script = s.script[0], s.script[1:]
	}
	s.mu.Unlock()

	switch step {
	case StepTransient:
		if err := s.wait(ctx, s.Config.UploadDelay); err != nil {
			return err
		}
		return apperr.Transient("upload", errSimulatedReset)
	case StepPermanent:
		return apperr.Permanent("upload", "artifact rejected by storage")
	case StepHang:
		<-ctx.Done()
		return ctx.Err()
	}
	if err := s.wait(ctx, s.Config.UploadDelay); err != nil {
		return err
	}
	s.mu.Lock()
	s.uploaded[artifactID]++
	s.mu.Unlock()
	return nil
}
