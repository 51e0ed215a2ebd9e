package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/models"
	"receipt-intake/internal/services"
)

type IntakeHandler struct {
	ws              *Workspace
	intakeService   *services.IntakeService
	conflictService *services.ConflictService
	validate        *validator.Validate
	aiEnabled       bool
	logger          logrus.FieldLogger
	processingMutex sync.Mutex
	activeProcesses map[string]bool
}

func NewIntakeHandler(ws *Workspace, intake *services.IntakeService, conflicts *services.ConflictService, aiEnabled bool, logger logrus.FieldLogger) *IntakeHandler {
	return &IntakeHandler{
		ws:              ws,
		intakeService:   intake,
		conflictService: conflicts,
		validate:        services.NewValidator(),
		aiEnabled:       aiEnabled,
		logger:          logger,
		activeProcesses: make(map[string]bool),
	}
}

func (h *IntakeHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var request services.NewBatch
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(request); err != nil {
		respondWithValidationError(w, err)
		return
	}

	var batch *models.IntakeBatch
	err := h.ws.Update(func(state *models.State) error {
		var err error
		batch, err = h.intakeService.CreateBatch(state, request)
		return err
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, batch)
}

func (h *IntakeHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]

	var response struct {
		*models.IntakeBatch
		Receipts []*models.Receipt `json:"receipts"`
	}
	err := h.ws.Read(func(state *models.State) error {
		batch, err := h.intakeService.GetBatch(state, batchID)
		if err != nil {
			return err
		}
		response.IntakeBatch = batch
		response.Receipts = state.BatchReceipts(batch)
		return nil
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, response)
}

func (h *IntakeHandler) AddReceipts(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]

	var request []services.ReceiptInput
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if len(request) == 0 {
		respondWithError(w, http.StatusBadRequest, "No receipts provided")
		return
	}
	if err := h.validate.Struct(services.ReceiptList{Receipts: request}); err != nil {
		respondWithValidationError(w, err)
		return
	}

	receipts := make([]*models.Receipt, 0, len(request))
	for _, req := range request {
		receipts = append(receipts, req.ToReceipt())
	}

	err := h.ws.Update(func(state *models.State) error {
		return h.intakeService.AddReceipts(state, batchID, receipts)
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, SuccessResponse{
		Message: "Receipts added",
		Data:    receipts,
	})
}

// ProcessBatch runs the batch. ?ai=false skips the classifier fallback even when configured.
// The request context cancels the run between receipts.
func (h *IntakeHandler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]

	useAI := h.aiEnabled
	if v := r.URL.Query().Get("ai"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid ai parameter")
			return
		}
		useAI = b
	}

	h.processingMutex.Lock()
	if h.activeProcesses[batchID] {
		h.processingMutex.Unlock()
		respondWithServiceError(w, services.ErrBatchInProgress)
		return
	}
	h.activeProcesses[batchID] = true
	h.processingMutex.Unlock()

	defer func() {
		h.processingMutex.Lock()
		delete(h.activeProcesses, batchID)
		h.processingMutex.Unlock()
	}()

	logger := h.logger.WithField("batch_id", batchID)
	var result *services.BatchProcessingResult
	err := h.ws.Update(func(state *models.State) error {
		var err error
		result, err = h.intakeService.ProcessBatch(r.Context(), state, batchID, func(percent int) {
			logger.WithField("progress", percent).Debug("batch progress")
		}, useAI)
		return err
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *IntakeHandler) AutoRouteBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]

	var conflicts []models.Conflict
	err := h.ws.Update(func(state *models.State) error {
		var err error
		conflicts, err = h.conflictService.AutoRouteBatch(r.Context(), state, batchID)
		return err
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []models.Conflict{}
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id":  batchID,
		"conflicts": conflicts,
	})
}
