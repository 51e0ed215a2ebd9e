package classifier

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"receipt-intake/internal/models"
)

func TestClassifyAllIsolatesFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	receipts := []*models.Receipt{{ID: "ok"}, {ID: "fail"}, {ID: "panic"}, {ID: "slow"}, {ID: "nil"}}

	var calls int32
	c := ClassifierFunc(func(ctx context.Context, r *models.Receipt, _ []models.Entity) (*Classification, error) {
		atomic.AddInt32(&calls, 1)
		switch r.ID {
		case "fail":
			return nil, errors.New("boom")
		case "panic":
			panic("bad classifier")
		case "slow":
			<-ctx.Done()
			return nil, ctx.Err()
		case "nil":
			return nil, nil
		}
		return &Classification{Confidence: ConfidenceHigh, SuggestedEntityID: "biz-1"}, nil
	})

	runner := NewRunner(c, RunnerOptions{Workers: 2, Timeout: 50 * time.Millisecond}, logger)
	outcomes := runner.ClassifyAll(context.Background(), receipts, nil)

	if len(outcomes) != len(receipts) {
		t.Fatalf("expected %d outcomes, got %d", len(receipts), len(outcomes))
	}
	for i, o := range outcomes {
		if o.ReceiptID != receipts[i].ID {
			t.Fatalf("outcome %d out of order: %s", i, o.ReceiptID)
		}
	}
	if outcomes[0].Err != nil || outcomes[0].Result == nil {
		t.Fatalf("expected success for first receipt, got %+v", outcomes[0])
	}
	for _, o := range outcomes[1:] {
		if o.Err == nil {
			t.Fatalf("expected error for %s", o.ReceiptID)
		}
	}
	if errors.Cause(outcomes[3].Err) != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded for slow receipt, got %v", outcomes[3].Err)
	}
	if errors.Cause(outcomes[4].Err) != ErrNoResult {
		t.Fatalf("expected ErrNoResult, got %v", outcomes[4].Err)
	}
	if atomic.LoadInt32(&calls) != int32(len(receipts)) {
		t.Fatalf("every receipt should be attempted, got %d calls", calls)
	}
	if len(hook.AllEntries()) != 4 {
		t.Fatalf("expected 4 warnings, got %d", len(hook.AllEntries()))
	}
}

func TestClassifyAllTimesOutUncooperativeClassifier(t *testing.T) {
	logger, _ := test.NewNullLogger()
	release := make(chan struct{})
	defer close(release)
	c := ClassifierFunc(func(ctx context.Context, r *models.Receipt, _ []models.Entity) (*Classification, error) {
		<-release
		return nil, nil
	})
	runner := NewRunner(c, RunnerOptions{Workers: 1, Timeout: 20 * time.Millisecond}, logger)

	start := time.Now()
	outcomes := runner.ClassifyAll(context.Background(), []*models.Receipt{{ID: "a"}}, nil)
	if time.Since(start) > time.Second {
		t.Fatalf("runner waited on a classifier that ignores its context")
	}
	if outcomes[0].Err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestClassifyAllLateClassifierSeesSnapshot(t *testing.T) {
	logger, _ := test.NewNullLogger()
	release := make(chan struct{})
	seen := make(chan string, 1)
	original := &models.Receipt{ID: "a", Items: []*models.ReceiptItem{{ID: "a-1", Description: "EC2 compute"}}}

	c := ClassifierFunc(func(ctx context.Context, r *models.Receipt, _ []models.Entity) (*Classification, error) {
		<-release
		seen <- r.Items[0].Description + "|" + r.Items[0].AllocatedEntityID
		return nil, nil
	})
	runner := NewRunner(c, RunnerOptions{Workers: 1, Timeout: 20 * time.Millisecond}, logger)
	if outcomes := runner.ClassifyAll(context.Background(), []*models.Receipt{original}, nil); outcomes[0].Err == nil {
		t.Fatalf("expected timeout error")
	}

	// the fallback pass routes the receipt while the timed-out call is still running
	original.Items[0].Description = "routed"
	original.Items[0].AllocatedEntityID = models.PersonalEntityID
	close(release)

	select {
	case got := <-seen:
		if got != "EC2 compute|" {
			t.Fatalf("classifier observed caller mutations: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("classifier never finished")
	}
}

func TestClassifyAllCancelledContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := ClassifierFunc(func(ctx context.Context, r *models.Receipt, _ []models.Entity) (*Classification, error) {
		t.Fatalf("classifier must not be called after cancellation")
		return nil, nil
	})
	outcomes := NewRunner(c, RunnerOptions{}, logger).ClassifyAll(ctx, []*models.Receipt{{ID: "a"}}, nil)
	if errors.Cause(outcomes[0].Err) != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", outcomes[0].Err)
	}
}

func TestParseClassification(t *testing.T) {
	t.Run("fencedJSON", func(t *testing.T) {
		text := "Here you go:\n```json\n{\"confidence\": \"HIGH\", \"is_business\": true, \"suggested_entity_id\": \"biz-1\", " +
			"\"line_item_allocations\": [{\"item_id\": \"i1\", \"entity_id\": \"biz-1\"}], \"reasoning\": \"hosting\"}\n```"
		res, err := parseClassification(text)
		if err != nil {
			t.Fatalf("parseClassification: %v", err)
		}
		if res.Confidence != ConfidenceHigh || res.SuggestedEntityID != "biz-1" || len(res.LineItemAllocations) != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("noJSON", func(t *testing.T) {
		if _, err := parseClassification("I am not sure."); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("unknownConfidence", func(t *testing.T) {
		if _, err := parseClassification(`{"confidence": "certain"}`); err == nil {
			t.Fatalf("expected error for unknown confidence")
		}
	})
}

func TestBuildPromptSkipsInactiveEntities(t *testing.T) {
	r := &models.Receipt{
		ID:           "r1",
		MerchantName: "AWS",
		Date:         time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		TotalAmount:  decimal.RequireFromString("12.5"),
		Items:        []*models.ReceiptItem{{ID: "i1", Description: "EC2", Amount: decimal.RequireFromString("12.5")}},
	}
	prompt, err := buildPrompt(r, []models.Entity{
		{ID: "biz-1", Name: "Acme", Type: models.EntityLLC, Active: true},
		{ID: "biz-old", Name: "Closed Co", Type: models.EntityLLC, Active: false},
	})
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}
	if !strings.Contains(prompt, `"total": "12.50"`) || !strings.Contains(prompt, "biz-1") {
		t.Fatalf("prompt missing receipt data:\n%s", prompt)
	}
	if strings.Contains(prompt, "biz-old") {
		t.Fatalf("inactive entity leaked into prompt")
	}
}
