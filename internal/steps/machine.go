package steps

import (
	"fmt"

	"github.com/owldock/casework-backend/internal/identity"
	"github.com/owldock/casework-backend/pkg/models"
)

// The transition table is data, not metaprogramming: one rule per
// transition, keyed by name, resolved against the step's current state at
// attempt time. validateTable checks it exhaustively at startup.

// guardInput is the state a guard may inspect. Contract is the step's
// active contract, nil when none is attached.
type guardInput struct {
	step     models.CaseStep
	contract *models.Contract
}

type rule struct {
	sources []models.StepState
	target  models.StepState
	roles   []identity.RoleKind
	guard   func(in guardInput) error
}

func guardNone(guardInput) error { return nil }

func guardContractExists(in guardInput) error {
	if in.contract == nil {
		return unavailable("no active contract")
	}
	return nil
}

func guardContractOpen(in guardInput) error {
	if in.contract == nil {
		return unavailable("no active contract")
	}
	if !in.contract.Open() {
		return unavailable("active contract already closed")
	}
	return nil
}

var transitions = map[models.TransitionName]rule{
	models.TransitionEarmark: {
		sources: []models.StepState{models.StepFree, models.StepEarmarked},
		target:  models.StepEarmarked,
		roles:   []identity.RoleKind{identity.RoleClientContact},
		guard:   guardNone,
	},
	models.TransitionOffer: {
		sources: []models.StepState{models.StepEarmarked},
		target:  models.StepOffered,
		roles:   []identity.RoleKind{identity.RoleClientContact},
		guard:   guardContractOpen,
	},
	models.TransitionAccept: {
		sources: []models.StepState{models.StepOffered},
		target:  models.StepInProgress,
		roles:   []identity.RoleKind{identity.RoleProviderContact},
		guard:   guardContractExists,
	},
	models.TransitionComplete: {
		sources: []models.StepState{models.StepInProgress},
		target:  models.StepComplete,
		roles:   []identity.RoleKind{identity.RoleProviderContact},
		guard:   guardContractExists,
	},
	models.TransitionReject: {
		sources: []models.StepState{models.StepOffered, models.StepInProgress},
		target:  models.StepFree,
		roles:   []identity.RoleKind{identity.RoleProviderContact},
		guard:   guardContractExists,
	},
	models.TransitionRetract: {
		sources: []models.StepState{models.StepOffered, models.StepInProgress},
		target:  models.StepFree,
		roles:   []identity.RoleKind{identity.RoleClientContact},
		guard:   guardContractExists,
	},
}

// AllTransitions lists every transition name in the table.
func AllTransitions() []models.TransitionName {
	out := make([]models.TransitionName, 0, len(transitions))
	for name := range transitions {
		out = append(out, name)
	}
	return out
}

// AllStates lists every lifecycle state.
func AllStates() []models.StepState {
	return []models.StepState{
		models.StepFree, models.StepEarmarked, models.StepOffered,
		models.StepInProgress, models.StepComplete,
	}
}

// Available reports whether the table admits the transition from the state.
func Available(state models.StepState, name models.TransitionName) bool {
	r, ok := transitions[name]
	if !ok {
		return false
	}
	for _, s := range r.sources {
		if s == state {
			return true
		}
	}
	return false
}

// validateTable verifies the table is complete and well-formed. Called from
// NewEngine; a broken table is a programming error and fails startup.
func validateTable() error {
	known := map[models.StepState]bool{}
	for _, s := range AllStates() {
		known[s] = true
	}
	for _, name := range []models.TransitionName{
		models.TransitionEarmark, models.TransitionOffer, models.TransitionAccept,
		models.TransitionComplete, models.TransitionReject, models.TransitionRetract,
	} {
		r, ok := transitions[name]
		if !ok {
			return fmt.Errorf("transition table: %s missing", name)
		}
		if len(r.sources) == 0 {
			return fmt.Errorf("transition table: %s has no source states", name)
		}
		for _, s := range r.sources {
			if !known[s] {
				return fmt.Errorf("transition table: %s has unknown source %q", name, s)
			}
		}
		if !known[r.target] {
			return fmt.Errorf("transition table: %s has unknown target %q", name, r.target)
		}
		if len(r.roles) == 0 {
			return fmt.Errorf("transition table: %s allows no roles", name)
		}
		if r.guard == nil {
			return fmt.Errorf("transition table: %s has nil guard", name)
		}
	}
	if len(transitions) != 6 {
		return fmt.Errorf("transition table: unexpected entry count %d", len(transitions))
	}
	return nil
}
