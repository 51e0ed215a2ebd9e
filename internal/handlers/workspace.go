package handlers

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"receipt-intake/internal/models"
)

// StateStore persists the state aggregate after every mutating request.
// Implemented by repositories.StateRepository.
type StateStore interface {
	Save(state *models.State) error
}

// Workspace owns the single in-memory state the services borrow. Requests are serialized
// through it, which keeps every batch run single-writer.
type Workspace struct {
	mu     sync.Mutex
	state  *models.State
	store  StateStore
	logger logrus.FieldLogger
}

// NewWorkspace wraps state. store may be nil, in which case nothing is persisted.
func NewWorkspace(state *models.State, store StateStore, logger logrus.FieldLogger) *Workspace {
	if state == nil {
		state = &models.State{}
	}
	return &Workspace{state: state, store: store, logger: logger}
}

func (w *Workspace) Read(fn func(state *models.State) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fn(w.state)
}

// Update runs fn and saves the snapshot even when fn fails, since services mutate in place
// before they report per-item errors.
func (w *Workspace) Update(fn func(state *models.State) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := fn(w.state)
	if w.store == nil {
		return err
	}
	if saveErr := w.store.Save(w.state); saveErr != nil {
		w.logger.WithError(saveErr).Error("failed to persist state snapshot")
		if err == nil {
			err = errors.Wrap(saveErr, "failed to persist state")
		}
	}
	return err
}
