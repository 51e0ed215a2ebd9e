package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Handlers struct {
	Intake *IntakeHandler
	Review *ReviewHandler
	Ledger *LedgerHandler
}

func SetupRouter(h Handlers, logger logrus.FieldLogger) *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()

	api.Use(loggingMiddleware(logger))
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/batches", h.Intake.CreateBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/{batch_id}", h.Intake.GetBatch).Methods(http.MethodGet)
	api.HandleFunc("/batches/{batch_id}/receipts", h.Intake.AddReceipts).Methods(http.MethodPost)
	api.HandleFunc("/batches/{batch_id}/process", h.Intake.ProcessBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/{batch_id}/route", h.Intake.AutoRouteBatch).Methods(http.MethodPost)

	api.HandleFunc("/receipts/{receipt_id}/resolve", h.Review.ResolveConflict).Methods(http.MethodPost)
	api.HandleFunc("/receipts/{receipt_id}/items/{item_id}", h.Review.OverrideItem).Methods(http.MethodPut)
	api.HandleFunc("/receipts/{receipt_id}/audit", h.Review.GetAuditTrail).Methods(http.MethodGet)

	api.HandleFunc("/ledger/sync", h.Ledger.SyncLedger).Methods(http.MethodPost)
	api.HandleFunc("/ledger/{tax_year:[0-9]+}", h.Ledger.GetLedger).Methods(http.MethodGet)
	api.HandleFunc("/intelligence", h.Ledger.GetIntelligence).Methods(http.MethodGet)
	api.HandleFunc("/reference", h.Ledger.PutReferenceData).Methods(http.MethodPut)

	router.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)

	return router
}

func loggingMiddleware(logger logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).String(),
			}).Info("request handled")
		})
	}
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "healthy",
	}
	respondWithJSON(w, http.StatusOK, response)
}
