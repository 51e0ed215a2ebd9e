package models

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

func TestReceiptTransitions(t *testing.T) {
	cases := []struct {
		from ReceiptStatus
		to   ReceiptStatus
		ok   bool
	}{
		{ReceiptScanned, ReceiptProcessing, true},
		{"", ReceiptProcessing, true},
		{ReceiptProcessing, ReceiptAllocated, true},
		{ReceiptProcessing, ReceiptNeedsReview, true},
		{ReceiptNeedsReview, ReceiptAllocated, true},
		{ReceiptAllocated, ReceiptNeedsReview, true},
		{ReceiptScanned, ReceiptAllocated, false},
		{ReceiptAllocated, ReceiptScanned, false},
	}
	for _, tc := range cases {
		r := &Receipt{ID: "r1", Status: tc.from}
		err := r.Transition(tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			if errors.Cause(err) != ErrInvalidTransition {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
			}
			if r.Status != tc.from {
				t.Fatalf("%s -> %s: status changed on rejected transition", tc.from, tc.to)
			}
		}
	}
}

func TestBatchCompletedIsTerminal(t *testing.T) {
	b := &IntakeBatch{ID: "b1", Status: BatchUploading}
	if err := b.Transition(BatchCompleted); err == nil {
		t.Fatalf("uploading -> completed should be rejected")
	}
	if err := b.Transition(BatchProcessing); err != nil {
		t.Fatalf("uploading -> processing: %v", err)
	}
	if err := b.Transition(BatchProcessing); err != nil {
		t.Fatalf("processing -> processing should be allowed for resumed runs: %v", err)
	}
	if err := b.Transition(BatchCompleted); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if err := b.Transition(BatchCompleted); err == nil {
		t.Fatalf("completed batch accepted another transition")
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	b := &IntakeBatch{}
	b.SetProgress(40)
	b.SetProgress(20)
	if b.Progress != 40 {
		t.Fatalf("expected progress 40, got %d", b.Progress)
	}
	b.SetProgress(150)
	if b.Progress != 100 {
		t.Fatalf("expected progress capped at 100, got %d", b.Progress)
	}
}

func TestReceiptItemSum(t *testing.T) {
	r := &Receipt{Items: []*ReceiptItem{
		{Amount: decimal.RequireFromString("45.00")},
		{Amount: decimal.RequireFromString("10.00")},
	}}
	if !r.ItemSum().Equal(decimal.RequireFromString("55")) {
		t.Fatalf("expected 55, got %s", r.ItemSum())
	}
	if got := LedgerSourceID("r1", "i2"); got != "r1:i2" {
		t.Fatalf("unexpected source id %q", got)
	}
}

func TestReceiptCloneSharesNothing(t *testing.T) {
	business := true
	r := &Receipt{ID: "r1", TotalAmount: decimal.RequireFromString("5"), Items: []*ReceiptItem{
		{ID: "i1", Description: "toner", IsBusiness: &business},
	}}

	c := r.Clone()
	c.Items[0].Description = "changed"
	*c.Items[0].IsBusiness = false
	c.Items = append(c.Items, &ReceiptItem{ID: "i2"})

	if r.Items[0].Description != "toner" || !*r.Items[0].IsBusiness || len(r.Items) != 1 {
		t.Fatalf("clone leaked into the original: %+v", r.Items[0])
	}
	if c.ID != "r1" || !c.TotalAmount.Equal(r.TotalAmount) {
		t.Fatalf("clone lost fields: %+v", c)
	}
}
