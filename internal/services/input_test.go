package services

import (
	"testing"
	"time"
)

func TestReceiptInputValidation(t *testing.T) {
	v := NewValidator()
	business := true
	valid := ReceiptInput{
		MerchantName: "Staples",
		Date:         "2024-03-14",
		TotalAmount:  dec("19.99"),
		Items:        []ItemInput{{Description: "printer paper", Amount: dec("19.99"), IsBusiness: &business}},
	}

	tests := []struct {
		name    string
		mutate  func(in *ReceiptInput)
		wantErr bool
	}{
		{"valid", func(*ReceiptInput) {}, false},
		{"zero total", func(in *ReceiptInput) { in.TotalAmount = dec("0") }, false},
		{"negative total", func(in *ReceiptInput) { in.TotalAmount = dec("-0.01") }, true},
		{"negative item", func(in *ReceiptInput) { in.Items[0].Amount = dec("-5") }, true},
		{"missing merchant", func(in *ReceiptInput) { in.MerchantName = "" }, true},
		{"bad date", func(in *ReceiptInput) { in.Date = "03/14/2024" }, true},
		{"item without description", func(in *ReceiptInput) { in.Items[0].Description = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			in.Items = append([]ItemInput{}, valid.Items...)
			tt.mutate(&in)
			err := v.Struct(ReceiptList{Receipts: []ReceiptInput{in}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReceiptInputToReceipt(t *testing.T) {
	business := false
	in := ReceiptInput{
		ID:              "r9",
		MerchantName:    "CVS Pharmacy",
		Date:            "2024-02-29",
		TotalAmount:     dec("12.50"),
		PaymentMethodID: "card-1",
		Items:           []ItemInput{{Description: "prescription", Amount: dec("12.50"), Category: "medical", IsBusiness: &business}},
	}

	r := in.ToReceipt()
	if !r.Date.Equal(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date %v", r.Date)
	}
	if r.ID != "r9" || r.PaymentMethodID != "card-1" || !r.TotalAmount.Equal(dec("12.5")) {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if len(r.Items) != 1 || r.Items[0].Category != "medical" || r.Items[0].IsBusiness == nil || *r.Items[0].IsBusiness {
		t.Fatalf("unexpected items %+v", r.Items)
	}
	if r.Status != "" {
		t.Fatalf("status is assigned by AddReceipts, got %q", r.Status)
	}
}
