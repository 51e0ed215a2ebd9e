package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"receipt-intake/internal/models"
	"receipt-intake/internal/services"
)

// intakeFile is one upload: the batch to create, the receipts in it and optionally the
// reference data to replace before processing.
//
//	batch:
//	  name: march
//	  default_entity_id: biz-1
//	entities:
//	  - {id: biz-1, name: Acme LLC, type: llc, active: true}
//	receipts:
//	  - merchant_name: AWS
//	    date: "2024-03-14"
//	    total_amount: 120.00
//	    items:
//	      - {description: EC2 compute, amount: 120.00}
type intakeFile struct {
	Batch          services.NewBatch       `json:"batch" yaml:"batch"`
	Entities       []models.Entity         `json:"entities" yaml:"entities" validate:"dive"`
	PaymentMethods []models.PaymentMethod  `json:"payment_methods" yaml:"payment_methods"`
	Goals          []models.TaxGoal        `json:"goals" yaml:"goals"`
	Receipts       []services.ReceiptInput `json:"receipts" yaml:"receipts" validate:"required,dive"`
}

func readIntakeFile(path string, validate *validator.Validate) (*intakeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", path)
	}

	in := &intakeFile{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, in)
	default:
		err = yaml.Unmarshal(data, in)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse %s", path)
	}

	if in.Batch.Name == "" {
		in.Batch.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := validate.Struct(in); err != nil {
		return nil, errors.Wrapf(err, "invalid intake file %s", path)
	}
	return in, nil
}
