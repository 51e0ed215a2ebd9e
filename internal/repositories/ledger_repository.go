package repositories

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"receipt-intake/internal/database"
	"receipt-intake/internal/models"
)

// LedgerRepository stores ledger rows. source_id is UNIQUE in both tables and inserts use
// INSERT IGNORE, so saving the same row twice is a no-op.
type LedgerRepository interface {
	SaveExpenses(ctx context.Context, expenses []models.BusinessExpense) (int64, error)
	SaveDeductions(ctx context.Context, deductions []models.DeductionRecord) (int64, error)
	GetExpensesByTaxYear(ctx context.Context, taxYear int) ([]models.BusinessExpense, error)
	GetDeductionsByTaxYear(ctx context.Context, taxYear int) ([]models.DeductionRecord, error)
}

type ledgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

// SaveExpenses inserts the rows in one transaction and returns how many were new.
func (r *ledgerRepository) SaveExpenses(ctx context.Context, expenses []models.BusinessExpense) (int64, error) {
	query := `
		INSERT IGNORE INTO ledger_expenses (
			id, source_id, entity_id, receipt_id, vendor, description,
			category, amount, expense_date, tax_year, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var inserted int64
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return errors.Wrap(err, "prepare expense insert")
		}
		defer stmt.Close()

		for _, e := range expenses {
			result, err := stmt.ExecContext(ctx,
				e.ID,
				e.SourceID,
				e.EntityID,
				e.ReceiptID,
				e.Vendor,
				e.Description,
				e.Category,
				e.Amount,
				e.Date,
				e.TaxYear,
				e.CreatedAt,
			)
			if err != nil {
				return errors.Wrapf(err, "insert expense %s", e.SourceID)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// SaveDeductions inserts the rows in one transaction and returns how many were new.
func (r *ledgerRepository) SaveDeductions(ctx context.Context, deductions []models.DeductionRecord) (int64, error) {
	query := `
		INSERT IGNORE INTO ledger_deductions (
			id, source_id, receipt_id, payee, description,
			category, amount, deduction_date, tax_year, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var inserted int64
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return errors.Wrap(err, "prepare deduction insert")
		}
		defer stmt.Close()

		for _, d := range deductions {
			result, err := stmt.ExecContext(ctx,
				d.ID,
				d.SourceID,
				d.ReceiptID,
				d.Payee,
				d.Description,
				d.Category,
				d.Amount,
				d.Date,
				d.TaxYear,
				d.CreatedAt,
			)
			if err != nil {
				return errors.Wrapf(err, "insert deduction %s", d.SourceID)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *ledgerRepository) GetExpensesByTaxYear(ctx context.Context, taxYear int) ([]models.BusinessExpense, error) {
	query := `
		SELECT id, source_id, entity_id, receipt_id, vendor, description,
		       category, amount, expense_date, tax_year, created_at
		FROM ledger_expenses
		WHERE tax_year = ?
		ORDER BY expense_date, source_id
	`
	rows, err := r.db.QueryContext(ctx, query, taxYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []models.BusinessExpense
	for rows.Next() {
		var e models.BusinessExpense
		err := rows.Scan(
			&e.ID,
			&e.SourceID,
			&e.EntityID,
			&e.ReceiptID,
			&e.Vendor,
			&e.Description,
			&e.Category,
			&e.Amount,
			&e.Date,
			&e.TaxYear,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func (r *ledgerRepository) GetDeductionsByTaxYear(ctx context.Context, taxYear int) ([]models.DeductionRecord, error) {
	query := `
		SELECT id, source_id, receipt_id, payee, description,
		       category, amount, deduction_date, tax_year, created_at
		FROM ledger_deductions
		WHERE tax_year = ?
		ORDER BY deduction_date, source_id
	`
	rows, err := r.db.QueryContext(ctx, query, taxYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deductions []models.DeductionRecord
	for rows.Next() {
		var d models.DeductionRecord
		err := rows.Scan(
			&d.ID,
			&d.SourceID,
			&d.ReceiptID,
			&d.Payee,
			&d.Description,
			&d.Category,
			&d.Amount,
			&d.Date,
			&d.TaxYear,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		deductions = append(deductions, d)
	}
	return deductions, rows.Err()
}
