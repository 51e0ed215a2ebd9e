package services

import (
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"receipt-intake/internal/models"
)

// DateLayout is the calendar date format receipts are submitted with.
const DateLayout = "2006-01-02"

type ItemInput struct {
	ID          string          `json:"id" yaml:"id"`
	Description string          `json:"description" yaml:"description" validate:"required"`
	Amount      decimal.Decimal `json:"amount" yaml:"amount" validate:"gte=0"`
	Category    string          `json:"category" yaml:"category"`
	IsBusiness  *bool           `json:"is_business" yaml:"is_business"`
}

// ReceiptInput is an OCR'd receipt as submitted over HTTP or in a CLI file.
type ReceiptInput struct {
	ID              string          `json:"id" yaml:"id"`
	MerchantName    string          `json:"merchant_name" yaml:"merchant_name" validate:"required"`
	Date            string          `json:"date" yaml:"date" validate:"required,datetime=2006-01-02"`
	TotalAmount     decimal.Decimal `json:"total_amount" yaml:"total_amount" validate:"gte=0"`
	PaymentMethodID string          `json:"payment_method_id" yaml:"payment_method_id"`
	Recurring       bool            `json:"recurring" yaml:"recurring"`
	Items           []ItemInput     `json:"items" yaml:"items" validate:"dive"`
}

// ReceiptList wraps inputs so a validator can dive into them.
type ReceiptList struct {
	Receipts []ReceiptInput `validate:"dive"`
}

// ToReceipt converts a validated input. An unparsable date leaves the zero time.
func (in ReceiptInput) ToReceipt() *models.Receipt {
	date, _ := time.Parse(DateLayout, in.Date)
	receipt := &models.Receipt{
		ID:              in.ID,
		MerchantName:    in.MerchantName,
		Date:            date,
		TotalAmount:     in.TotalAmount,
		PaymentMethodID: in.PaymentMethodID,
		Recurring:       in.Recurring,
	}
	for _, item := range in.Items {
		receipt.Items = append(receipt.Items, &models.ReceiptItem{
			ID:          item.ID,
			Description: item.Description,
			Amount:      item.Amount,
			Category:    item.Category,
			IsBusiness:  item.IsBusiness,
		})
	}
	return receipt
}

// NewValidator returns a validator that compares decimal amounts numerically, so
// `validate:"gte=0"` works on decimal.Decimal fields.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}
