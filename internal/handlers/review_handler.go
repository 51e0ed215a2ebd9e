package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/models"
	"receipt-intake/internal/services"
)

// AuditReader lists the audit trail of a receipt. Implemented by repositories.AuditRepository.
type AuditReader interface {
	GetAuditTrail(ctx context.Context, receiptID string) ([]*models.IntakeAudit, error)
}

type ReviewHandler struct {
	ws              *Workspace
	conflictService *services.ConflictService
	auditReader     AuditReader
	validate        *validator.Validate
	logger          logrus.FieldLogger
}

// NewReviewHandler serves conflict resolution and overrides. auditReader may be nil.
func NewReviewHandler(ws *Workspace, conflicts *services.ConflictService, auditReader AuditReader, logger logrus.FieldLogger) *ReviewHandler {
	return &ReviewHandler{
		ws:              ws,
		conflictService: conflicts,
		auditReader:     auditReader,
		validate:        services.NewValidator(),
		logger:          logger,
	}
}

type ResolveRequest struct {
	Action models.ResolveAction `json:"action" validate:"required,oneof=keep_duplicate recalculate_total ignore"`
}

type OverrideRequest struct {
	EntityID string `json:"entity_id" validate:"required"`
}

func (h *ReviewHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	receiptID := mux.Vars(r)["receipt_id"]

	var request ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(request); err != nil {
		respondWithValidationError(w, err)
		return
	}

	var receipt *models.Receipt
	err := h.ws.Update(func(state *models.State) error {
		if err := h.conflictService.ResolveConflict(r.Context(), state, receiptID, request.Action); err != nil {
			return err
		}
		receipt = state.FindReceipt(receiptID)
		return nil
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{
		Message: "Conflict resolved",
		Data:    receipt,
	})
}

func (h *ReviewHandler) OverrideItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	receiptID := vars["receipt_id"]
	itemID := vars["item_id"]

	var request OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(request); err != nil {
		respondWithValidationError(w, err)
		return
	}

	var receipt *models.Receipt
	err := h.ws.Update(func(state *models.State) error {
		if err := h.conflictService.OverrideItem(r.Context(), state, receiptID, itemID, request.EntityID); err != nil {
			return err
		}
		receipt = state.FindReceipt(receiptID)
		return nil
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{
		Message: "Item overridden",
		Data:    receipt,
	})
}

func (h *ReviewHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	receiptID := mux.Vars(r)["receipt_id"]
	if h.auditReader == nil {
		respondWithError(w, http.StatusNotImplemented, "Audit storage is not configured")
		return
	}

	trail, err := h.auditReader.GetAuditTrail(r.Context(), receiptID)
	if err != nil {
		h.logger.WithError(err).WithField("receipt_id", receiptID).Error("failed to read audit trail")
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trail == nil {
		trail = []*models.IntakeAudit{}
	}

	respondWithJSON(w, http.StatusOK, trail)
}
