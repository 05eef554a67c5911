// Package ledger is the append-mostly record of offer/accept/reject events
// between case steps and provider contacts. It enforces the contract
// invariants at the storage boundary: at most one open contract per step,
// and no mutation after a contract leaves the open state.
package ledger

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/owldock/casework-backend/pkg/models"
)

var (
	// ErrInvalidState is returned when accept/reject targets a contract
	// that is no longer open. A racer that loses the row lock observes
	// this, never a partial update.
	ErrInvalidState = errors.New("contract is not open")

	// ErrMultipleOpen is an integrity fault: more than one open contract
	// exists for a single step. Open's idempotence makes this structurally
	// impossible through this package; if a bypassed code path produces
	// it, the ledger refuses to pick a winner.
	ErrMultipleOpen = errors.New("multiple open contracts for step")

	ErrNotFound = errors.New("contract not found")
)

// Ledger operates on the case partition. Mutations are expected to run
// inside the caller's transition transaction; the *gorm.DB passed to each
// method carries that transaction.
type Ledger struct{}

func New() Ledger { return Ledger{} }

// Open returns the open contract for exactly this (step, provider contact)
// pair, creating one if none exists. Idempotent: two consecutive opens with
// no intervening transition yield the same contract row. Other providers'
// contracts for the same step are never touched here.
func (Ledger) Open(ctx context.Context, tx *gorm.DB, stepID, providerContactID uuid.UUID) (models.Contract, bool, error) {
	var existing models.Contract
	err := tx.WithContext(ctx).
		Where("case_step_id = ? AND provider_contact_id = ? AND accepted_at IS NULL AND rejected_at IS NULL",
			stepID, providerContactID).
		First(&existing).Error
	switch {
	case err == nil:
		return existing, false, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		created := models.Contract{
			CaseStepID:        stepID,
			ProviderContactID: providerContactID,
			CreatedAt:         time.Now(),
		}
		if err := tx.WithContext(ctx).Create(&created).Error; err != nil {
			return models.Contract{}, false, err
		}
		return created, true, nil
	default:
		return models.Contract{}, false, err
	}
}

// Accept stamps accepted_at. The row is locked for the duration of the
// check-and-set so a concurrent reject resolves deterministically: one
// caller wins, the other gets ErrInvalidState.
func (l Ledger) Accept(ctx context.Context, tx *gorm.DB, contractID uuid.UUID) error {
	return l.close(ctx, tx, contractID, "accepted_at")
}

// Reject stamps rejected_at. Symmetric to Accept.
func (l Ledger) Reject(ctx context.Context, tx *gorm.DB, contractID uuid.UUID) error {
	return l.close(ctx, tx, contractID, "rejected_at")
}

func (Ledger) close(ctx context.Context, tx *gorm.DB, contractID uuid.UUID, column string) error {
	var ct models.Contract
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&ct, "id = ?", contractID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !ct.Open() {
		return ErrInvalidState
	}
	return tx.WithContext(ctx).Model(&ct).UpdateColumn(column, time.Now()).Error
}

// OpenForStep returns the single open contract for a step, or ErrNotFound
// when none exists. Observing more than one open contract is reported as
// ErrMultipleOpen and logged loudly.
func (Ledger) OpenForStep(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) (models.Contract, error) {
	var open []models.Contract
	if err := tx.WithContext(ctx).
		Where("case_step_id = ? AND accepted_at IS NULL AND rejected_at IS NULL", stepID).
		Find(&open).Error; err != nil {
		return models.Contract{}, err
	}
	switch len(open) {
	case 0:
		return models.Contract{}, ErrNotFound
	case 1:
		return open[0], nil
	default:
		log.Printf("integrity: step %s has %d open contracts", stepID, len(open))
		return models.Contract{}, ErrMultipleOpen
	}
}

// Get loads a contract by id within the caller's transaction.
func (Ledger) Get(ctx context.Context, tx *gorm.DB, contractID uuid.UUID) (models.Contract, error) {
	var ct models.Contract
	if err := tx.WithContext(ctx).First(&ct, "id = ?", contractID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Contract{}, ErrNotFound
		}
		return models.Contract{}, err
	}
	return ct, nil
}
