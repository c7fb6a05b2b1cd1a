package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/KayMas2808/RuralLend/internal/domain"
)

const loanColumns = `id,record_id,amount,emi,tenure_months,paid_installments,next_due_date,status,disbursal_method,created_at`

func scanLoan(scan func(dest ...any) error) (domain.Loan, error) {
	var l domain.Loan
	var amount, emi, status, method string
	if err := scan(&l.ID, &l.RecordID, &amount, &emi, &l.TenureMonths, &l.PaidInstallments, &l.NextDueDate, &status, &method, &l.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return l, ErrNotFound
		}
		return l, err
	}
	var err error
	if l.Amount, err = decimal.NewFromString(amount); err != nil {
		return l, fmt.Errorf("loan %s amount: %w", l.ID, err)
	}
	if l.EMI, err = decimal.NewFromString(emi); err != nil {
		return l, fmt.Errorf("loan %s emi: %w", l.ID, err)
	}
	l.Status = domain.LoanStatus(status)
	l.DisbursalMethod = domain.DisbursalMethod(method)
	return l, nil
}

func (r Repo) InsertLoan(ctx context.Context, l domain.Loan) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO loans(`+loanColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.RecordID, l.Amount.String(), l.EMI.String(), l.TenureMonths, l.PaidInstallments, l.NextDueDate,
		string(l.Status), string(l.DisbursalMethod), l.CreatedAt)
	return err
}

func (r Repo) GetLoan(ctx context.Context, id string) (domain.Loan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id=?`, id)
	return scanLoan(row.Scan)
}

func (r Repo) ListLoans(ctx context.Context) ([]domain.Loan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Loan
	for rows.Next() {
		l, err := scanLoan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LoanIDExists is used when minting loan numbers.
func (r Repo) LoanIDExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM loans WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateLoanProgress persists repayment progress.
func (r Repo) UpdateLoanProgress(ctx context.Context, l domain.Loan) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE loans SET paid_installments=?, next_due_date=?, status=? WHERE id=?`,
		l.PaidInstallments, l.NextDueDate, string(l.Status), l.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRepayment(ctx context.Context, p domain.Repayment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO repayments(id,loan_id,amount,method,status,paid_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.LoanID, p.Amount.String(), p.Method, p.Status, p.PaidAt)
	return err
}

func (r Repo) ListRepayments(ctx context.Context, loanID string) ([]domain.Repayment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,loan_id,amount,method,status,paid_at FROM repayments WHERE loan_id=? ORDER BY paid_at ASC, id ASC`, loanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repayment
	for rows.Next() {
		var p domain.Repayment
		var amount string
		if err := rows.Scan(&p.ID, &p.LoanID, &amount, &p.Method, &p.Status, &p.PaidAt); err != nil {
			return nil, err
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("repayment %s amount: %w", p.ID, err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
