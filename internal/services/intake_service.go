package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/allocation"
	"receipt-intake/internal/classifier"
	"receipt-intake/internal/matching"
	"receipt-intake/internal/models"
)

// ProgressFunc receives the batch progress percentage after every processed receipt.
type ProgressFunc func(percent int)

type IntakeService struct {
	engine         *allocation.Engine
	runner         *classifier.Runner
	audit          AuditRecorder
	logger         logrus.FieldLogger
	inferThreshold float64
	now            func() time.Time
}

// NewIntakeService wires the orchestrator. runner and audit may be nil.
func NewIntakeService(engine *allocation.Engine, runner *classifier.Runner, audit AuditRecorder, logger logrus.FieldLogger) *IntakeService {
	if engine == nil {
		engine = allocation.NewEngine(nil)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IntakeService{
		engine:         engine,
		runner:         runner,
		audit:          audit,
		logger:         logger,
		inferThreshold: allocation.DefaultInferenceThreshold,
		now:            time.Now,
	}
}

type NewBatch struct {
	Name            string   `json:"name" yaml:"name" validate:"required"`
	TotalCount      int      `json:"total_count" yaml:"total_count" validate:"gte=0"`
	DefaultEntityID string   `json:"default_entity_id" yaml:"default_entity_id"`
	TaxYear         int      `json:"tax_year" yaml:"tax_year" validate:"omitempty,gte=1900,lte=2200"`
	ReceiptIDs      []string `json:"receipt_ids" yaml:"receipt_ids"`
}

type BatchProcessingResult struct {
	BatchID         string        `json:"batch_id"`
	ItemsProcessed  int           `json:"items_processed"`
	DuplicatesFound int           `json:"duplicates_found"`
	Errors          []string      `json:"errors"`
	Outcomes        []ItemOutcome `json:"outcomes"`
	Cancelled       bool          `json:"cancelled"`
}

// CreateBatch registers a new batch in uploading state and attaches any listed receipts.
func (s *IntakeService) CreateBatch(state *models.State, req NewBatch) (*models.IntakeBatch, error) {
	if req.DefaultEntityID != "" && !validTarget(state, req.DefaultEntityID) {
		return nil, errors.Wrapf(ErrEntityNotFound, "default entity %s", req.DefaultEntityID)
	}
	for _, id := range req.ReceiptIDs {
		if state.FindReceipt(id) == nil {
			return nil, errors.Wrapf(ErrReceiptNotFound, "receipt %s", id)
		}
	}

	now := s.now()
	batch := &models.IntakeBatch{
		ID:              uuid.New().String(),
		Name:            req.Name,
		Status:          models.BatchUploading,
		TotalCount:      req.TotalCount,
		ReceiptIDs:      append([]string{}, req.ReceiptIDs...),
		DocumentIDs:     []string{},
		DefaultEntityID: req.DefaultEntityID,
		TaxYear:         req.TaxYear,
		CreatedAt:       now,
	}
	if batch.TaxYear == 0 {
		batch.TaxYear = now.Year()
	}
	if batch.TotalCount == 0 {
		batch.TotalCount = len(req.ReceiptIDs)
	}
	for _, id := range req.ReceiptIDs {
		state.FindReceipt(id).BatchID = batch.ID
	}
	state.IntakeBatches = append(state.IntakeBatches, batch)

	s.logger.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"name":     batch.Name,
	}).Info("batch created")
	return batch, nil
}

// AddReceipts appends freshly scanned receipts to the state and attaches them to the batch.
func (s *IntakeService) AddReceipts(state *models.State, batchID string, receipts []*models.Receipt) error {
	batch := state.FindBatch(batchID)
	if batch == nil {
		return errors.Wrapf(ErrBatchNotFound, "batch %s", batchID)
	}
	if batch.Status == models.BatchCompleted {
		return errors.Wrapf(ErrBatchCompleted, "batch %s", batchID)
	}
	seen := make(map[string]bool, len(receipts))
	for _, r := range receipts {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if seen[r.ID] || state.FindReceipt(r.ID) != nil {
			return errors.Wrapf(ErrReceiptExists, "receipt %s", r.ID)
		}
		seen[r.ID] = true
	}

	for _, r := range receipts {
		r.BatchID = batch.ID
		r.Status = models.ReceiptScanned
		r.DuplicateOf = ""
		for _, item := range r.Items {
			if item.ID == "" {
				item.ID = uuid.New().String()
			}
			if item.Status == "" {
				item.Status = models.ItemPending
			}
		}
		state.Receipts = append(state.Receipts, r)
		batch.ReceiptIDs = append(batch.ReceiptIDs, r.ID)
	}
	batch.TotalCount = len(batch.ReceiptIDs) + len(batch.DocumentIDs)
	return nil
}

// GetBatch returns the batch with the given id.
func (s *IntakeService) GetBatch(state *models.State, batchID string) (*models.IntakeBatch, error) {
	batch := state.FindBatch(batchID)
	if batch == nil {
		return nil, errors.Wrapf(ErrBatchNotFound, "batch %s", batchID)
	}
	return batch, nil
}

// ProcessBatch drives every pending receipt of the batch through dedup and allocation in
// state order, then optionally through the AI fallback pass. Per-receipt failures are
// collected on the result; only an unknown batch id is returned as an error.
// Cancelling ctx stops the run between receipts and leaves the batch in processing.
func (s *IntakeService) ProcessBatch(ctx context.Context, state *models.State, batchID string, onProgress ProgressFunc, useAI bool) (*BatchProcessingResult, error) {
	batch := state.FindBatch(batchID)
	if batch == nil {
		return nil, errors.Wrapf(ErrBatchNotFound, "batch %s", batchID)
	}
	result := &BatchProcessingResult{BatchID: batch.ID, Errors: []string{}, Outcomes: []ItemOutcome{}}
	if batch.Status == models.BatchCompleted {
		return result, nil
	}
	if batch.Status == "" {
		batch.Status = models.BatchUploading
	}
	if err := batch.Transition(models.BatchProcessing); err != nil {
		return nil, err
	}

	logger := s.logger.WithField("batch_id", batch.ID)
	pending, history := splitPending(state, batch)

	batch.TotalCount = len(pending)
	batch.SuccessCount, batch.ErrorCount, batch.Progress = 0, 0, 0
	denominator := len(pending)
	if denominator == 0 {
		denominator = 1
	}
	report := func() {
		if onProgress != nil {
			onProgress(batch.Progress)
		}
	}

	logger.WithField("receipts", len(pending)).Info("processing batch")

	var processed []*models.Receipt
	for i, receipt := range pending {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		outcome := s.processReceipt(receipt, history, state.Entities)
		history = append(history, receipt)
		processed = append(processed, receipt)
		result.Outcomes = append(result.Outcomes, outcome)
		result.ItemsProcessed++

		if outcome.Kind.counted() {
			batch.ErrorCount++
		} else {
			batch.SuccessCount++
		}
		if outcome.Kind == KindDuplicate {
			result.DuplicatesFound++
		}
		if outcome.Kind == KindProcessingFailed {
			result.Errors = append(result.Errors, fmt.Sprintf("receipt %s: %s", receipt.ID, outcome.Message))
			logger.WithField("receipt_id", receipt.ID).Warn(outcome.Message)
		}

		batch.SetProgress(int(math.Round(float64(i+1) / float64(denominator) * 100)))
		report()
	}

	if useAI && !result.Cancelled {
		s.runFallback(ctx, state, processed, result, logger)
		batch.SuccessCount, batch.ErrorCount = 0, 0
		for _, r := range processed {
			if r.Status == models.ReceiptAllocated {
				batch.SuccessCount++
			} else {
				batch.ErrorCount++
			}
		}
	}

	if result.Cancelled || ctx.Err() != nil {
		result.Cancelled = true
		for _, r := range pending {
			if r.Status == models.ReceiptProcessing {
				_ = r.Transition(models.ReceiptNeedsReview)
			}
		}
		logger.WithFields(logrus.Fields{
			"processed": result.ItemsProcessed,
			"remaining": len(pending) - result.ItemsProcessed,
		}).Info("batch run cancelled")
		return result, nil
	}

	if model := allocation.TrainCategoryModel(state.Receipts, s.inferThreshold); model != nil {
		inferred := 0
		for _, r := range processed {
			inferred += model.InferCategories(r)
		}
		logger.WithField("inferred", inferred).Debug("inferred item categories")
	}

	batch.SetProgress(100)
	if len(pending) == 0 {
		report()
	}
	if err := batch.Transition(models.BatchCompleted); err != nil {
		return nil, err
	}
	completedAt := s.now()
	batch.CompletedAt = &completedAt

	logger.WithFields(logrus.Fields{
		"success":    batch.SuccessCount,
		"errors":     batch.ErrorCount,
		"duplicates": result.DuplicatesFound,
	}).Info("batch completed")
	recordAudit(ctx, s.audit, logger, batch.ID, "", models.AuditActionBatchCompleted, map[string]interface{}{
		"total_count":      batch.TotalCount,
		"success_count":    batch.SuccessCount,
		"error_count":      batch.ErrorCount,
		"duplicates_found": result.DuplicatesFound,
		"ai":               useAI,
	})
	return result, nil
}

// splitPending returns the batch's pending receipts in state order and the dedup history:
// every other receipt already past intake.
func splitPending(state *models.State, batch *models.IntakeBatch) (pending, history []*models.Receipt) {
	inBatch := make(map[string]bool)
	for _, r := range state.BatchReceipts(batch) {
		if r.Status.IsPending() {
			pending = append(pending, r)
			inBatch[r.ID] = true
		}
	}
	for _, r := range state.Receipts {
		if !inBatch[r.ID] && !r.Status.IsPending() {
			history = append(history, r)
		}
	}
	return pending, history
}

func (s *IntakeService) processReceipt(receipt *models.Receipt, history []*models.Receipt, entities []models.Entity) (outcome ItemOutcome) {
	outcome.ReceiptID = receipt.ID
	defer func() {
		if p := recover(); p != nil {
			if receipt.Status.CanTransition(models.ReceiptNeedsReview) {
				receipt.Status = models.ReceiptNeedsReview
			}
			outcome = ItemOutcome{
				ReceiptID: receipt.ID,
				Status:    string(receipt.Status),
				Kind:      KindProcessingFailed,
				Message:   fmt.Sprintf("panic: %v", p),
			}
		}
	}()

	fail := func(err error) ItemOutcome {
		if receipt.Status.CanTransition(models.ReceiptNeedsReview) {
			receipt.Status = models.ReceiptNeedsReview
		}
		return ItemOutcome{ReceiptID: receipt.ID, Status: string(receipt.Status), Kind: KindProcessingFailed, Message: err.Error()}
	}

	if err := receipt.Transition(models.ReceiptProcessing); err != nil {
		return fail(err)
	}

	if dup := matching.FindDuplicate(receipt, history); dup != nil {
		receipt.DuplicateOf = dup.ID
		if err := receipt.Transition(models.ReceiptNeedsReview); err != nil {
			return fail(err)
		}
		return ItemOutcome{
			ReceiptID: receipt.ID,
			Status:    string(receipt.Status),
			Kind:      KindDuplicate,
			Message:   fmt.Sprintf("duplicate of receipt %s", dup.ID),
		}
	}

	for _, item := range receipt.Items {
		if item.IsResolved() {
			continue
		}
		if _, err := allocateItem(s.engine, item, receipt, entities); err != nil {
			return fail(err)
		}
	}

	if readyForAllocation(receipt) {
		if err := receipt.Transition(models.ReceiptAllocated); err != nil {
			return fail(err)
		}
		return ItemOutcome{ReceiptID: receipt.ID, Status: string(receipt.Status)}
	}
	if err := receipt.Transition(models.ReceiptNeedsReview); err != nil {
		return fail(err)
	}

	if ids := unresolvedItemIDs(receipt); len(ids) > 0 {
		return ItemOutcome{
			ReceiptID: receipt.ID,
			Status:    string(receipt.Status),
			Kind:      KindAmbiguous,
			Message:   fmt.Sprintf("%d item(s) need review", len(ids)),
			ItemIDs:   ids,
		}
	}
	return ItemOutcome{
		ReceiptID: receipt.ID,
		Status:    string(receipt.Status),
		Kind:      KindTotalMismatch,
		Message:   fmt.Sprintf("items sum to %s, receipt total is %s", receipt.ItemSum().StringFixed(2), receipt.TotalAmount.StringFixed(2)),
	}
}

// runFallback sends ambiguous receipts to the classifier and applies actionable results.
// Results are applied here, after every call returned, so receipts are only mutated on
// this goroutine.
func (s *IntakeService) runFallback(ctx context.Context, state *models.State, processed []*models.Receipt, result *BatchProcessingResult, logger logrus.FieldLogger) {
	var (
		candidates []*models.Receipt
		index      []int
	)
	for i, r := range processed {
		if result.Outcomes[i].Kind == KindAmbiguous && !r.IsDuplicate() {
			candidates = append(candidates, r)
			index = append(index, i)
		}
	}
	if len(candidates) == 0 {
		return
	}

	if s.runner == nil {
		for _, i := range index {
			result.Outcomes[i].Kind = KindAIUnavailable
			result.Outcomes[i].Message = "no classifier configured"
		}
		logger.Warn("AI fallback requested but no classifier is configured")
		return
	}

	logger.WithField("receipts", len(candidates)).Info("running AI fallback")
	for j, out := range s.runner.ClassifyAll(ctx, candidates, state.Entities) {
		receipt := candidates[j]
		outcome := &result.Outcomes[index[j]]
		if out.Err != nil {
			outcome.Kind = KindAIUnavailable
			outcome.Message = out.Err.Error()
			result.Errors = append(result.Errors, fmt.Sprintf("receipt %s: AI fallback: %v", receipt.ID, out.Err))
			continue
		}
		if !out.Result.Confidence.Actionable() {
			outcome.Message = "classifier confidence too low"
			continue
		}

		applied := applyClassification(state, receipt, out.Result)
		if readyForAllocation(receipt) {
			if err := receipt.Transition(models.ReceiptAllocated); err != nil {
				outcome.Kind = KindProcessingFailed
				outcome.Message = err.Error()
				continue
			}
			*outcome = ItemOutcome{ReceiptID: receipt.ID, Status: string(receipt.Status)}
		} else {
			outcome.ItemIDs = unresolvedItemIDs(receipt)
			outcome.Message = fmt.Sprintf("%d item(s) need review", len(outcome.ItemIDs))
		}
		logger.WithFields(logrus.Fields{
			"receipt_id": receipt.ID,
			"applied":    applied,
			"confidence": out.Result.Confidence,
		}).Debug("applied AI classification")
	}
}

// applyClassification allocates the receipt's unresolved items from an actionable result.
// Allocated and manual items are never touched. It returns the number of items allocated.
func applyClassification(state *models.State, receipt *models.Receipt, res *classifier.Classification) int {
	perItem := make(map[string]classifier.LineItemAllocation, len(res.LineItemAllocations))
	for _, la := range res.LineItemAllocations {
		perItem[la.ItemID] = la
	}

	applied := 0
	for _, item := range receipt.Items {
		if item.IsResolved() {
			continue
		}
		target, category := res.SuggestedEntityID, res.Category
		if la, ok := perItem[item.ID]; ok {
			target = la.EntityID
			if la.Category != "" {
				category = la.Category
			}
		}
		if target == "" && !res.IsBusiness {
			target = models.PersonalEntityID
		}
		if target == "" || !validTarget(state, target) {
			continue
		}
		if err := item.Transition(models.ItemAllocated); err != nil {
			continue
		}
		item.AllocatedEntityID = target
		item.ConfidenceScore = res.Confidence.Score()
		item.AllocationSource = allocation.SourceAI
		if item.Category == "" && category != "" {
			item.InferredCategory = category
		}
		applied++
	}
	return applied
}
