package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"

	"receipt-intake/internal/allocation"
	"receipt-intake/internal/intelligence"
	"receipt-intake/internal/models"
	"receipt-intake/internal/services"
)

type countingStore struct {
	saves int
	err   error
}

func (s *countingStore) Save(*models.State) error {
	s.saves++
	return s.err
}

type fixture struct {
	router *mux.Router
	h      Handlers
	store  *countingStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := &countingStore{}
	ws := NewWorkspace(&models.State{}, store, logger)
	engine := allocation.NewEngine(nil)
	intake := services.NewIntakeService(engine, nil, nil, logger)
	conflicts := services.NewConflictService(engine, nil, logger)
	ledger := services.NewLedgerService(nil, nil, logger)

	h := Handlers{
		Intake: NewIntakeHandler(ws, intake, conflicts, false, logger),
		Review: NewReviewHandler(ws, conflicts, nil, logger),
		Ledger: NewLedgerHandler(ws, ledger, nil, intelligence.NewAnalyzer(), logger),
	}
	return &fixture{router: SetupRouter(h, logger), h: h, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func (f *fixture) seed(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPut, "/api/v1/reference", map[string]interface{}{
		"entities": []map[string]interface{}{
			{"id": "personal", "name": "Personal", "type": "personal", "active": true},
			{"id": "biz-1", "name": "Acme Consulting LLC", "type": "llc", "active": true},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reference: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/batches", map[string]interface{}{"name": "march", "tax_year": 2024})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create batch: %d %s", rec.Code, rec.Body.String())
	}
	var batch models.IntakeBatch
	decode(t, rec, &batch)
	return batch.ID
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIntakeFlow(t *testing.T) {
	f := newFixture(t)
	batchID := f.seed(t)

	rec := f.do(t, http.MethodPost, "/api/v1/batches/"+batchID+"/receipts", `[
		{"id": "r1", "merchant_name": "AWS", "date": "2024-03-14", "total_amount": "120.00",
		 "items": [{"description": "EC2 compute", "amount": "100.00"}, {"description": "S3 storage", "amount": "20.00"}]}
	]`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add receipts: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/batches/"+batchID+"/process?ai=false", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("process: %d %s", rec.Code, rec.Body.String())
	}
	var result services.BatchProcessingResult
	decode(t, rec, &result)
	if result.ItemsProcessed != 1 || len(result.Errors) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/batches/"+batchID, nil)
	var batch struct {
		Status   models.BatchStatus `json:"status"`
		Progress int                `json:"progress"`
		Receipts []*models.Receipt  `json:"receipts"`
	}
	decode(t, rec, &batch)
	if batch.Status != models.BatchCompleted || batch.Progress != 100 || len(batch.Receipts) != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if batch.Receipts[0].Status != models.ReceiptAllocated {
		t.Fatalf("expected allocated receipt, got %s", batch.Receipts[0].Status)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/batches/"+batchID+"/route", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("route: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/ledger/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", rec.Code, rec.Body.String())
	}
	var sync services.SyncResult
	decode(t, rec, &sync)
	if len(sync.Expenses) != 2 {
		t.Fatalf("expected 2 expenses, got %d", len(sync.Expenses))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/ledger/2024", nil)
	var ledger LedgerResponse
	decode(t, rec, &ledger)
	if len(ledger.Expenses) != 2 || len(ledger.Deductions) != 0 {
		t.Fatalf("unexpected ledger %+v", ledger)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/intelligence", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("intelligence: %d", rec.Code)
	}

	// reference, create, add, process, route, sync
	if f.store.saves != 6 {
		t.Fatalf("expected 6 snapshot saves, got %d", f.store.saves)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	batchID := f.seed(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"unknown batch", http.MethodGet, "/api/v1/batches/missing", nil, http.StatusNotFound},
		{"batch without name", http.MethodPost, "/api/v1/batches", map[string]interface{}{}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/v1/batches", "{", http.StatusBadRequest},
		{"unknown default entity", http.MethodPost, "/api/v1/batches", map[string]interface{}{"name": "x", "default_entity_id": "nope"}, http.StatusBadRequest},
		{"negative amount", http.MethodPost, "/api/v1/batches/" + batchID + "/receipts",
			`[{"merchant_name": "AWS", "date": "2024-03-14", "total_amount": "-1.00"}]`, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/api/v1/batches/" + batchID + "/receipts",
			`[{"merchant_name": "AWS", "date": "14/03/2024", "total_amount": "1.00"}]`, http.StatusBadRequest},
		{"empty receipt list", http.MethodPost, "/api/v1/batches/" + batchID + "/receipts", `[]`, http.StatusBadRequest},
		{"receipts for unknown batch", http.MethodPost, "/api/v1/batches/missing/receipts",
			`[{"merchant_name": "AWS", "date": "2024-03-14", "total_amount": "1.00"}]`, http.StatusNotFound},
		{"unknown action", http.MethodPost, "/api/v1/receipts/r1/resolve", map[string]string{"action": "shred"}, http.StatusBadRequest},
		{"resolve unknown receipt", http.MethodPost, "/api/v1/receipts/r1/resolve", map[string]string{"action": "ignore"}, http.StatusNotFound},
		{"override without entity", http.MethodPut, "/api/v1/receipts/r1/items/i1", map[string]string{}, http.StatusBadRequest},
		{"override unknown receipt", http.MethodPut, "/api/v1/receipts/r1/items/i1", map[string]string{"entity_id": "biz-1"}, http.StatusNotFound},
		{"bad ai flag", http.MethodPost, "/api/v1/batches/" + batchID + "/process?ai=maybe", nil, http.StatusBadRequest},
		{"audit not configured", http.MethodGet, "/api/v1/receipts/r1/audit", nil, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			var resp ErrorResponse
			decode(t, rec, &resp)
			if resp.Error == "" {
				t.Fatalf("expected error message")
			}
		})
	}
}

func TestValidationErrorsListFields(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/batches", map[string]interface{}{"tax_year": 12})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Fields["NewBatch.Name"] != "required" || resp.Fields["NewBatch.TaxYear"] != "gte" {
		t.Fatalf("unexpected fields %v", resp.Fields)
	}
}

func TestProcessBatchAlreadyRunning(t *testing.T) {
	f := newFixture(t)
	batchID := f.seed(t)

	f.h.Intake.activeProcesses[batchID] = true
	rec := f.do(t, http.MethodPost, "/api/v1/batches/"+batchID+"/process", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	delete(f.h.Intake.activeProcesses, batchID)
	rec = f.do(t, http.MethodPost, "/api/v1/batches/"+batchID+"/process", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWorkspaceUpdateReportsSaveFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := &countingStore{err: errors.New("disk full")}
	ws := NewWorkspace(nil, store, logger)

	if err := ws.Update(func(*models.State) error { return nil }); err == nil {
		t.Fatal("expected save error")
	}

	sentinel := errors.New("boom")
	err := ws.Update(func(*models.State) error { return sentinel })
	if errors.Cause(err) != sentinel {
		t.Fatalf("expected the callback error to win, got %v", err)
	}
	if store.saves != 2 {
		t.Fatalf("expected a save after each update, got %d", store.saves)
	}
}
