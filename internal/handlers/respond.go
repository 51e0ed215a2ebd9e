package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"receipt-intake/internal/models"
	"receipt-intake/internal/services"
)

type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func processValidationErrors(err error) map[string]string {
	fields := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fields
	}
	for _, ve := range validationErrors {
		fields[ve.Namespace()] = ve.Tag()
	}
	return fields
}

// statusFor maps service sentinels to HTTP status codes.
func statusFor(err error) int {
	switch errors.Cause(err) {
	case services.ErrBatchNotFound, services.ErrReceiptNotFound, services.ErrItemNotFound:
		return http.StatusNotFound
	case services.ErrEntityNotFound, services.ErrUnknownAction:
		return http.StatusBadRequest
	case services.ErrBatchCompleted, services.ErrBatchInProgress, services.ErrReceiptExists,
		models.ErrInvalidTransition:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondWithServiceError(w http.ResponseWriter, err error) {
	respondWithError(w, statusFor(err), err.Error())
}

func respondWithValidationError(w http.ResponseWriter, err error) {
	respondWithJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:  "Validation failed",
		Fields: processValidationErrors(err),
	})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Error marshaling JSON response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
