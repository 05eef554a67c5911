package steps

import (
	"github.com/owldock/casework-backend/internal/identity"
	"github.com/owldock/casework-backend/pkg/models"
)

// Visible reports whether the viewer may see this step. A client contact
// sees every step of a case they own. A provider contact sees a step only
// through an active contract naming them, and only once the step is past
// earmarked: an earmark is a private draft on the client side. contract is
// the step's active contract, nil when none is attached.
func Visible(cs models.Case, step models.CaseStep, contract *models.Contract, viewer identity.Role) bool {
	switch viewer.Kind {
	case identity.RoleAdmin:
		return true
	case identity.RoleClientContact:
		return cs.ClientContactID == viewer.ClientContactID
	case identity.RoleProviderContact:
		if contract == nil || contract.ProviderContactID != viewer.ProviderContactID {
			return false
		}
		return step.State != models.StepEarmarked && step.State != models.StepFree
	default:
		return false
	}
}
