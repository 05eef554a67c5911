package steps

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/owldock/casework-backend/internal/identity"
	"github.com/owldock/casework-backend/internal/ledger"
	"github.com/owldock/casework-backend/internal/notify"
	"github.com/owldock/casework-backend/internal/xref"
	"github.com/owldock/casework-backend/pkg/models"
	"github.com/owldock/casework-backend/pkg/utils"
)

// Payload carries transition input. Only earmark and offer use it (the
// target provider contact); the remaining transitions take none.
type Payload struct {
	ProviderContactID uuid.UUID
}

// Outcome is the committed result of a successful transition attempt.
type Outcome struct {
	Step     models.CaseStep
	Contract *models.Contract
}

// Engine drives case steps through the lifecycle. Every attempt runs as one
// case-partition transaction over the (step state, active contract,
// contract timestamps) triple: the step row is locked for the duration, so
// concurrent attempts on the same step serialize and the loser observes a
// clean "transition not available".
type Engine struct {
	caseDB   *gorm.DB
	catalog  *gorm.DB
	ledger   ledger.Ledger
	notifier notify.Notifier
}

// NewEngine validates the transition table before anything can run; an
// incomplete table is a programming error and fails startup.
func NewEngine(caseDB, catalog *gorm.DB, notifier notify.Notifier) *Engine {
	if err := validateTable(); err != nil {
		panic(err)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{caseDB: caseDB, catalog: catalog, ledger: ledger.New(), notifier: notifier}
}

// Attempt applies one named transition to one step on behalf of an
// explicitly passed actor. The acting principal is never inferred from
// ambient state.
func (e *Engine) Attempt(ctx context.Context, stepID uuid.UUID, name models.TransitionName, actor identity.Role, payload Payload) (Outcome, error) {
	r, ok := transitions[name]
	if !ok {
		return Outcome{}, unavailable("unknown transition %q", name)
	}

	var out Outcome
	var offeredTo *models.Contract

	err := e.caseDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step models.CaseStep
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&step, "id = ?", stepID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var cs models.Case
		if err := tx.First(&cs, "id = ?", step.CaseID).Error; err != nil {
			return err
		}

		var active *models.Contract
		if step.ActiveContractID != nil {
			ct, err := e.ledger.Get(ctx, tx, *step.ActiveContractID)
			if err != nil {
				if errors.Is(err, ledger.ErrNotFound) {
					log.Printf("integrity: step %s references missing contract %s", step.ID, *step.ActiveContractID)
					return unavailable("active contract record missing")
				}
				return err
			}
			active = &ct
		}

		if err := gate(r, actor, cs, active); err != nil {
			return err
		}

		if !Available(step.State, name) {
			return unavailable("%s not allowed from state %s", name, step.State)
		}

		if err := r.guard(guardInput{step: step, contract: active}); err != nil {
			return err
		}

		oldState := step.State
		var result *models.Contract

		switch name {
		case models.TransitionEarmark:
			ct, err := e.earmark(ctx, tx, &step, active, payload)
			if err != nil {
				return err
			}
			result = ct

		case models.TransitionOffer:
			// Exclusivity cross-check: the active contract must be the
			// step's only open one. Seeing more than one is an integrity
			// fault; refuse rather than guess.
			open, err := e.ledger.OpenForStep(ctx, tx, step.ID)
			if err != nil {
				if errors.Is(err, ledger.ErrMultipleOpen) {
					return unavailable("conflicting open contracts")
				}
				return err
			}
			if open.ID != active.ID {
				log.Printf("integrity: step %s active contract %s is not its open contract %s", step.ID, active.ID, open.ID)
				return unavailable("conflicting open contracts")
			}
			result = active
			offeredTo = active

		case models.TransitionAccept:
			if err := e.ledger.Accept(ctx, tx, active.ID); err != nil {
				if errors.Is(err, ledger.ErrInvalidState) {
					return unavailable("active contract already closed")
				}
				return err
			}
			ct, err := e.ledger.Get(ctx, tx, active.ID)
			if err != nil {
				return err
			}
			result = &ct

		case models.TransitionComplete:
			// The accepted contract stays referenced so the fulfilling
			// provider keeps visibility of the finished step.
			result = active

		case models.TransitionReject, models.TransitionRetract:
			// An open contract gets its rejected stamp; an accepted one is
			// immutable and is only detached. Either way the step returns
			// to free and the old contract is never reused.
			if active.Open() {
				if err := e.ledger.Reject(ctx, tx, active.ID); err != nil {
					if errors.Is(err, ledger.ErrInvalidState) {
						return unavailable("active contract already closed")
					}
					return err
				}
			}
			step.ActiveContractID = nil
		}

		step.State = r.target
		updates := map[string]any{
			"state":              step.State,
			"active_contract_id": step.ActiveContractID,
			"updated_at":         time.Now(),
		}
		if err := tx.Model(&models.CaseStep{}).Where("id = ?", step.ID).Updates(updates).Error; err != nil {
			return err
		}
		if err := utils.LogStepHistory(ctx, tx, step.ID, actor.PrincipalID, name, oldState, step.State); err != nil {
			return err
		}

		out = Outcome{Step: step, Contract: result}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	// Notification is best-effort and deliberately outside the transaction:
	// a failed notification never rolls back a committed offer.
	if offeredTo != nil {
		e.notifyOffered(ctx, *offeredTo, out.Step)
	}

	return out, nil
}

// earmark opens (or reuses) a contract for the requested provider and
// attaches it as the step's private draft assignment. Re-earmarking to a
// different provider closes the superseded draft first, keeping at most one
// contract open per step.
func (e *Engine) earmark(ctx context.Context, tx *gorm.DB, step *models.CaseStep, active *models.Contract, payload Payload) (*models.Contract, error) {
	if payload.ProviderContactID == uuid.Nil {
		return nil, unavailable("provider contact required")
	}
	if _, err := xref.NewResolver(e.catalog).ProviderContact(ctx, payload.ProviderContactID); err != nil {
		if errors.Is(err, xref.ErrDangling) {
			return nil, unavailable("unknown provider contact")
		}
		return nil, err
	}

	if active != nil && active.ProviderContactID != payload.ProviderContactID {
		if active.Open() {
			if err := e.ledger.Reject(ctx, tx, active.ID); err != nil {
				return nil, err
			}
		}
		step.ActiveContractID = nil
	}

	ct, _, err := e.ledger.Open(ctx, tx, step.ID, payload.ProviderContactID)
	if err != nil {
		return nil, err
	}
	step.ActiveContractID = &ct.ID
	return &ct, nil
}

// gate is the single permission check every transition funnels through:
// the resolved role kind must be listed for the transition AND the concrete
// contact must be the one tied to this step. Administrators bypass the gate
// but not the state machine's guards.
func gate(r rule, actor identity.Role, cs models.Case, active *models.Contract) error {
	if actor.IsAdmin() {
		return nil
	}
	roleOK := false
	for _, k := range r.roles {
		if actor.Kind == k {
			roleOK = true
			break
		}
	}
	if !roleOK {
		return ErrPermissionDenied
	}
	switch actor.Kind {
	case identity.RoleClientContact:
		if cs.ClientContactID != actor.ClientContactID {
			return ErrPermissionDenied
		}
	case identity.RoleProviderContact:
		if active == nil {
			return unavailable("no active contract")
		}
		if active.ProviderContactID != actor.ProviderContactID {
			return ErrPermissionDenied
		}
	}
	return nil
}

func (e *Engine) notifyOffered(ctx context.Context, contract models.Contract, step models.CaseStep) {
	contact, err := xref.NewResolver(e.catalog).ProviderContact(ctx, contract.ProviderContactID)
	if err != nil {
		log.Printf("offer notification skipped for step %s: %v", step.ID, err)
		return
	}
	if err := e.notifier.StepsOffered(ctx, contact, []models.CaseStep{step}); err != nil {
		log.Printf("offer notification failed for step %s: %v", step.ID, err)
	}
}
