package cases

import (
	"github.com/google/uuid"

	"github.com/owldock/casework-backend/internal/identity"
	"github.com/owldock/casework-backend/internal/steps"
	"github.com/owldock/casework-backend/pkg/models"
)

// IsOfferable reports whether case-level actions are currently safe: false
// while any step is out on offer or in progress. Derived, never stored;
// step-level state remains the source of truth.
func IsOfferable(stepList []models.CaseStep) bool {
	for _, s := range stepList {
		if s.State == models.StepOffered || s.State == models.StepInProgress {
			return false
		}
	}
	return true
}

// VisibleSteps filters a case's steps by the viewer's permission. contracts
// maps contract id to row for the steps' active contracts.
func VisibleSteps(cs models.Case, all []models.CaseStep, contracts map[uuid.UUID]models.Contract, viewer identity.Role) []models.CaseStep {
	out := make([]models.CaseStep, 0, len(all))
	for _, s := range all {
		var active *models.Contract
		if s.ActiveContractID != nil {
			if ct, ok := contracts[*s.ActiveContractID]; ok {
				active = &ct
			}
		}
		if steps.Visible(cs, s, active, viewer) {
			out = append(out, s)
		}
	}
	return out
}
