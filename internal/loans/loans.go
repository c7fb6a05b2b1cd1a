// Package loans keeps disbursed loans and their repayments.
package loans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/KayMas2808/RuralLend/internal/apperr"
	"github.com/KayMas2808/RuralLend/internal/clock"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/events"
	"github.com/KayMas2808/RuralLend/internal/logger"
	"github.com/KayMas2808/RuralLend/internal/repo"
)

const (
	EventCreated   = "loan.created"
	EventRepayment = "loan.repayment"
	EventClosed    = "loan.closed"
)

const dateLayout = "2006-01-02"

type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Clock  clock.Clock
	Log    logger.Logger
}

func New(db *sql.DB, clk clock.Clock, log logger.Logger) *Service {
	clk = clock.Or(clk)
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: clk.Now},
		Clock:  clk,
		Log:    log.With(map[string]any{"component": "loans"}),
	}
}

// Account is a loan with its payment history and derived figures.
type Account struct {
	Loan       domain.Loan        `json:"loan"`
	Summary    Summary            `json:"summary"`
	Repayments []domain.Repayment `json:"repayments"`
}

type Summary struct {
	Remaining    decimal.Decimal `json:"remaining"`
	ProgressPct  int             `json:"progress_pct"`
	DaysUntilDue int             `json:"days_until_due"`
}

// Summarize derives what is left to pay on l as of now.
func Summarize(l domain.Loan, now time.Time) Summary {
	left := max(l.TenureMonths-l.PaidInstallments, 0)
	s := Summary{Remaining: l.EMI.Mul(decimal.NewFromInt(int64(left)))}
	if l.TenureMonths > 0 {
		s.ProgressPct = l.PaidInstallments * 100 / l.TenureMonths
	}
	if l.Status == domain.LoanActive {
		if due, err := time.Parse(dateLayout, l.NextDueDate); err == nil {
			today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			s.DaysUntilDue = int(due.Sub(today).Hours() / 24)
		}
	}
	return s
}

func (s *Service) inTx(ctx context.Context, fn func(r repo.Repo, tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(s.Repo.WithTx(tx), tx); err != nil {
		return err
	}
	return tx.Commit()
}

func newLoanID() string {
	return fmt.Sprintf("RL%06d", rand.IntN(1_000_000))
}

// Create opens an active loan for an application that accepted an approved
// offer and verified a disbursal method.
func (s *Service) Create(ctx context.Context, rec domain.IntakeRecord) (domain.Loan, error) {
	var loan domain.Loan
	err := s.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var err error
		loan, err = s.CreateTx(ctx, r, tx, rec)
		return err
	})
	if err != nil {
		return domain.Loan{}, err
	}
	s.Log.Info("loan created", map[string]any{"loan_id": loan.ID, "record_id": rec.ID, "amount": loan.Amount.String()})
	return loan, nil
}

// CreateTx is Create inside the caller's transaction; r must be bound to tx.
// Nothing is visible until the caller commits.
func (s *Service) CreateTx(ctx context.Context, r repo.Repo, tx *sql.Tx, rec domain.IntakeRecord) (domain.Loan, error) {
	if rec.Offer == nil || rec.Offer.Status != domain.OfferApproved {
		return domain.Loan{}, apperr.NewValidation("offer", apperr.CodeInvalidValue, "application %s has no approved offer", rec.ID)
	}
	if rec.Disbursal == nil || !rec.Disbursal.Verified {
		return domain.Loan{}, apperr.NewValidation("disbursal", apperr.CodeMissingRequired, "application %s has no verified disbursal method", rec.ID)
	}
	now := s.Clock.Now().UTC()
	loan := domain.Loan{
		RecordID:        rec.ID,
		Amount:          rec.Offer.Amount,
		EMI:             rec.Offer.EMI,
		TenureMonths:    rec.Offer.TenureMonths,
		NextDueDate:     now.AddDate(0, 1, 0).Format(dateLayout),
		Status:          domain.LoanActive,
		DisbursalMethod: rec.Disbursal.Method,
		CreatedAt:       now.Format(time.RFC3339),
	}
	for range 10 {
		id := newLoanID()
		taken, err := r.LoanIDExists(ctx, id)
		if err != nil {
			return domain.Loan{}, fmt.Errorf("create loan: %w", err)
		}
		if !taken {
			loan.ID = id
			break
		}
	}
	if loan.ID == "" {
		return domain.Loan{}, errors.New("create loan: could not allocate a loan id")
	}
	if err := r.InsertLoan(ctx, loan); err != nil {
		return domain.Loan{}, fmt.Errorf("create loan: %w", err)
	}
	err := s.Events.Append(ctx, tx, EventCreated, rec.ID, "loan", loan.ID, "", events.EventPayload{
		"amount": loan.Amount.String(), "emi": loan.EMI.String(), "tenure_months": loan.TenureMonths,
		"method": string(loan.DisbursalMethod),
	})
	if err != nil {
		return domain.Loan{}, fmt.Errorf("create loan: %w", err)
	}
	return loan, nil
}

// RecordRepayment stores a payment. A payment of at least one EMI settles the
// next installment and moves the due date a month on.
func (s *Service) RecordRepayment(ctx context.Context, loanID string, amount decimal.Decimal, method string) (domain.Loan, domain.Repayment, error) {
	method = strings.TrimSpace(method)
	var verrs apperr.ValidationErrors
	if !amount.IsPositive() {
		verrs = append(verrs, apperr.ValidationError{Field: "amount", Code: apperr.CodeBelowMinimum, Message: "amount must be greater than 0"})
	}
	if method == "" {
		verrs = append(verrs, apperr.ValidationError{Field: "method", Code: apperr.CodeMissingRequired, Message: "method is a required field"})
	}
	if len(verrs) > 0 {
		return domain.Loan{}, domain.Repayment{}, verrs
	}

	now := s.Clock.Now().UTC()
	var loan domain.Loan
	pay := domain.Repayment{ID: uuid.NewString(), LoanID: loanID, Amount: amount, Method: method, Status: "success", PaidAt: now.Format(time.RFC3339)}
	err := s.inTx(ctx, func(r repo.Repo, tx *sql.Tx) error {
		var err error
		loan, err = r.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status == domain.LoanClosed {
			return apperr.NewValidation("loan_id", apperr.CodeInvalidValue, "loan %s is already closed", loanID)
		}
		if err := r.InsertRepayment(ctx, pay); err != nil {
			return err
		}
		if amount.GreaterThanOrEqual(loan.EMI) {
			loan.PaidInstallments++
			due, err := time.Parse(dateLayout, loan.NextDueDate)
			if err != nil {
				return fmt.Errorf("loan %s due date: %w", loanID, err)
			}
			loan.NextDueDate = due.AddDate(0, 1, 0).Format(dateLayout)
			if loan.PaidInstallments >= loan.TenureMonths {
				loan.Status = domain.LoanClosed
			}
			if err := r.UpdateLoanProgress(ctx, loan); err != nil {
				return err
			}
		}
		if err := s.Events.Append(ctx, tx, EventRepayment, loan.RecordID, "loan", loanID, "", events.EventPayload{
			"amount": amount.String(), "method": method, "paid_installments": loan.PaidInstallments,
		}); err != nil {
			return err
		}
		if loan.Status == domain.LoanClosed {
			return s.Events.Append(ctx, tx, EventClosed, loan.RecordID, "loan", loanID, "", nil)
		}
		return nil
	})
	if err != nil {
		return domain.Loan{}, domain.Repayment{}, err
	}
	s.Log.Info("repayment recorded", map[string]any{"loan_id": loanID, "amount": amount.String(), "status": string(loan.Status)})
	return loan, pay, nil
}

func (s *Service) List(ctx context.Context) ([]Account, error) {
	loans, err := s.Repo.ListLoans(ctx)
	if err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	out := make([]Account, 0, len(loans))
	for _, l := range loans {
		out = append(out, Account{Loan: l, Summary: Summarize(l, now)})
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	l, err := s.Repo.GetLoan(ctx, id)
	if err != nil {
		return Account{}, err
	}
	pays, err := s.Repo.ListRepayments(ctx, id)
	if err != nil {
		return Account{}, err
	}
	return Account{Loan: l, Summary: Summarize(l, s.Clock.Now()), Repayments: pays}, nil
}
