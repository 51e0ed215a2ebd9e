package classifier

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"receipt-intake/internal/models"
)

const (
	DefaultWorkers = 4
	DefaultTimeout = 20 * time.Second
)

// ErrNoResult is reported when the classifier returned neither a result nor an error.
var ErrNoResult = errors.New("classifier returned no result")

// RunnerOptions configures the fallback pass.
type RunnerOptions struct {
	Workers int
	Timeout time.Duration
}

// Outcome is the fallback result for one receipt. Exactly one of Result and Err is set.
type Outcome struct {
	ReceiptID string
	Result    *Classification
	Err       error
}

// Runner fans receipts out to a Classifier over a bounded worker pool. Every call carries its
// own timeout, and a failing or panicking call never affects the others.
type Runner struct {
	classifier Classifier
	opts       RunnerOptions
	logger     logrus.FieldLogger
}

// NewRunner returns a Runner; zero options select the defaults.
func NewRunner(c Classifier, opts RunnerOptions, logger logrus.FieldLogger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{classifier: c, opts: opts, logger: logger}
}

// ClassifyAll classifies every receipt and returns outcomes in input order. Receipts must not
// be mutated until ClassifyAll returns.
func (r *Runner) ClassifyAll(ctx context.Context, receipts []*models.Receipt, entities []models.Entity) []Outcome {
	outcomes := make([]Outcome, len(receipts))

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, receipt := range receipts {
		outcomes[i].ReceiptID = receipt.ID
		if err := ctx.Err(); err != nil {
			outcomes[i].Err = err
			continue
		}
		g.Go(func() error {
			res, err := r.classifyOne(ctx, receipt, entities)
			if err != nil {
				r.logger.WithFields(logrus.Fields{
					"receipt_id": receipt.ID,
				}).WithError(err).Warn("AI fallback failed")
			}
			outcomes[i].Result, outcomes[i].Err = res, err
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// classifyOne hands the classifier copies of the receipt and entities. A call that outlives
// its timeout keeps running, and the caller is free to mutate the originals meanwhile.
func (r *Runner) classifyOne(ctx context.Context, receipt *models.Receipt, entities []models.Entity) (*Classification, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	snapshot := receipt.Clone()
	entities = append([]models.Entity(nil), entities...)

	type reply struct {
		res *Classification
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- reply{err: errors.Errorf("classifier panic: %v", p)}
			}
		}()
		res, err := r.classifier.Classify(callCtx, snapshot, entities)
		done <- reply{res: res, err: err}
	}()

	select {
	case rep := <-done:
		if rep.err != nil {
			return nil, errors.Wrapf(rep.err, "classify receipt %s", receipt.ID)
		}
		if rep.res == nil {
			return nil, errors.Wrapf(ErrNoResult, "classify receipt %s", receipt.ID)
		}
		return rep.res, nil
	case <-callCtx.Done():
		return nil, errors.Wrapf(callCtx.Err(), "classify receipt %s", receipt.ID)
	}
}
