package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/intelligence"
	"receipt-intake/internal/models"
	"receipt-intake/internal/services"
)

// LedgerReader reads committed ledger rows. Implemented by repositories.LedgerRepository.
type LedgerReader interface {
	GetExpensesByTaxYear(ctx context.Context, taxYear int) ([]models.BusinessExpense, error)
	GetDeductionsByTaxYear(ctx context.Context, taxYear int) ([]models.DeductionRecord, error)
}

type LedgerHandler struct {
	ws            *Workspace
	ledgerService *services.LedgerService
	ledgerReader  LedgerReader
	analyzer      *intelligence.Analyzer
	validate      *validator.Validate
	logger        logrus.FieldLogger
}

// NewLedgerHandler serves ledger sync, ledger reads, intelligence and reference data.
// Without a reader the ledger is served from the state snapshot.
func NewLedgerHandler(ws *Workspace, ledger *services.LedgerService, reader LedgerReader, analyzer *intelligence.Analyzer, logger logrus.FieldLogger) *LedgerHandler {
	return &LedgerHandler{
		ws:            ws,
		ledgerService: ledger,
		ledgerReader:  reader,
		analyzer:      analyzer,
		validate:      services.NewValidator(),
		logger:        logger,
	}
}

type LedgerResponse struct {
	TaxYear    int                      `json:"tax_year"`
	Expenses   []models.BusinessExpense `json:"expenses"`
	Deductions []models.DeductionRecord `json:"deductions"`
}

// ReferenceData replaces the entities, payment methods and goals the engine reads.
type ReferenceData struct {
	Entities       []models.Entity        `json:"entities" validate:"dive"`
	PaymentMethods []models.PaymentMethod `json:"payment_methods"`
	Goals          []models.TaxGoal       `json:"goals"`
}

func (h *LedgerHandler) SyncLedger(w http.ResponseWriter, r *http.Request) {
	var result *services.SyncResult
	err := h.ws.Update(func(state *models.State) error {
		var err error
		result, err = h.ledgerService.SyncReceiptsToLedger(r.Context(), state)
		return err
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *LedgerHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	taxYear, err := strconv.Atoi(mux.Vars(r)["tax_year"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid tax year")
		return
	}

	response := LedgerResponse{
		TaxYear:    taxYear,
		Expenses:   []models.BusinessExpense{},
		Deductions: []models.DeductionRecord{},
	}
	if h.ledgerReader != nil {
		expenses, err := h.ledgerReader.GetExpensesByTaxYear(r.Context(), taxYear)
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		deductions, err := h.ledgerReader.GetDeductionsByTaxYear(r.Context(), taxYear)
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		response.Expenses = append(response.Expenses, expenses...)
		response.Deductions = append(response.Deductions, deductions...)
		respondWithJSON(w, http.StatusOK, response)
		return
	}

	err = h.ws.Read(func(state *models.State) error {
		unlock := state.LockLedger()
		defer unlock()
		for _, e := range state.Expenses {
			if e.TaxYear == taxYear {
				response.Expenses = append(response.Expenses, e)
			}
		}
		for _, d := range state.Deductions {
			if d.TaxYear == taxYear {
				response.Deductions = append(response.Deductions, d)
			}
		}
		return nil
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, response)
}

func (h *LedgerHandler) GetIntelligence(w http.ResponseWriter, r *http.Request) {
	var report *intelligence.Report
	err := h.ws.Read(func(state *models.State) error {
		report = h.analyzer.Analyze(state)
		return nil
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, report)
}

func (h *LedgerHandler) PutReferenceData(w http.ResponseWriter, r *http.Request) {
	var request ReferenceData
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(request); err != nil {
		respondWithValidationError(w, err)
		return
	}

	err := h.ws.Update(func(state *models.State) error {
		state.Entities = request.Entities
		state.PaymentMethods = request.PaymentMethods
		state.Goals = request.Goals
		return nil
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	h.logger.WithField("entities", len(request.Entities)).Info("reference data replaced")
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Reference data updated"})
}
