package repositories

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"receipt-intake/internal/models"
)

var (
	stateBucket = []byte("intake_state")
	snapshotKey = []byte("snapshot")
)

// snapshot is the gob form of models.State.
type snapshot struct {
	Receipts       []*models.Receipt
	Entities       []models.Entity
	Expenses       []models.BusinessExpense
	Deductions     []models.DeductionRecord
	IntakeBatches  []*models.IntakeBatch
	PaymentMethods []models.PaymentMethod
	Goals          []models.TaxGoal
	SavedAt        time.Time
}

// StateRepository keeps the intake state in a bolt file between runs.
type StateRepository struct {
	db *bolt.DB
}

func OpenStateRepository(path string) (*StateRepository, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open state file %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to create state bucket")
	}
	return &StateRepository{db: db}, nil
}

// Load returns the saved state, or an empty one when nothing was saved yet.
func (r *StateRepository) Load() (*models.State, error) {
	var snap snapshot
	found := false
	if err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		v := b.Get(snapshotKey)
		if v == nil {
			return nil
		}
		found = true
		dec := gob.NewDecoder(bytes.NewBuffer(v))
		return dec.Decode(&snap)
	}); err != nil {
		return nil, errors.Wrap(err, "unable to decode state snapshot")
	}

	state := &models.State{}
	if !found {
		return state, nil
	}
	state.Receipts = snap.Receipts
	state.Entities = snap.Entities
	state.Expenses = snap.Expenses
	state.Deductions = snap.Deductions
	state.IntakeBatches = snap.IntakeBatches
	state.PaymentMethods = snap.PaymentMethods
	state.Goals = snap.Goals
	return state, nil
}

// Save replaces the stored snapshot. The caller must hold off writers while it runs.
func (r *StateRepository) Save(state *models.State) error {
	snap := snapshot{
		Receipts:       state.Receipts,
		Entities:       state.Entities,
		Expenses:       state.Expenses,
		Deductions:     state.Deductions,
		IntakeBatches:  state.IntakeBatches,
		PaymentMethods: state.PaymentMethods,
		Goals:          state.Goals,
		SavedAt:        time.Now(),
	}
	var val bytes.Buffer
	enc := gob.NewEncoder(&val)
	if err := enc.Encode(snap); err != nil {
		return errors.Wrap(err, "unable to encode state snapshot")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(snapshotKey, val.Bytes())
	})
}

func (r *StateRepository) Close() error {
	return r.db.Close()
}
