package repositories

import (
	"context"
	"database/sql"

	"receipt-intake/internal/models"
)

type AuditRepository interface {
	CreateAuditEntry(ctx context.Context, audit *models.IntakeAudit) error
	GetAuditTrail(ctx context.Context, receiptID string) ([]*models.IntakeAudit, error)
}

type auditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) CreateAuditEntry(ctx context.Context, audit *models.IntakeAudit) error {
	query := `
		INSERT INTO intake_audit (
			batch_id, receipt_id, action, details, user_id
		) VALUES (?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		audit.BatchID,
		audit.ReceiptID,
		audit.Action,
		audit.Details,
		audit.UserID,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	audit.ID = id
	return nil
}

func (r *auditRepository) GetAuditTrail(ctx context.Context, receiptID string) ([]*models.IntakeAudit, error) {
	query := `
		SELECT id, batch_id, receipt_id, action, details, user_id, created_at
		FROM intake_audit
		WHERE receipt_id = ?
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trail []*models.IntakeAudit
	for rows.Next() {
		a := &models.IntakeAudit{}
		err := rows.Scan(
			&a.ID,
			&a.BatchID,
			&a.ReceiptID,
			&a.Action,
			&a.Details,
			&a.UserID,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		trail = append(trail, a)
	}
	return trail, rows.Err()
}
