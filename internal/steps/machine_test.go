package steps

import (
	"testing"

	"github.com/owldock/casework-backend/internal/identity"
	"github.com/owldock/casework-backend/pkg/models"
)

func Test_ValidateTable(t *testing.T) {
	if err := validateTable(); err != nil {
		t.Fatalf("table invalid: %v", err)
	}
}

// The full availability matrix: every (state, transition) pair not listed
// here must be unavailable.
func Test_Available_Matrix(t *testing.T) {
	allowed := map[models.StepState][]models.TransitionName{
		models.StepFree:       {models.TransitionEarmark},
		models.StepEarmarked:  {models.TransitionEarmark, models.TransitionOffer},
		models.StepOffered:    {models.TransitionAccept, models.TransitionReject, models.TransitionRetract},
		models.StepInProgress: {models.TransitionComplete, models.TransitionReject, models.TransitionRetract},
		models.StepComplete:   {},
	}

	for _, state := range AllStates() {
		want := map[models.TransitionName]bool{}
		for _, name := range allowed[state] {
			want[name] = true
		}
		for _, name := range AllTransitions() {
			if got := Available(state, name); got != want[name] {
				t.Errorf("Available(%s, %s) = %v, want %v", state, name, got, want[name])
			}
		}
	}
}

func Test_Available_UnknownTransition(t *testing.T) {
	if Available(models.StepFree, models.TransitionName("promote")) {
		t.Fatal("unknown transition must never be available")
	}
}

func Test_Table_RoleAssignments(t *testing.T) {
	clientOnly := []models.TransitionName{
		models.TransitionEarmark, models.TransitionOffer, models.TransitionRetract,
	}
	providerOnly := []models.TransitionName{
		models.TransitionAccept, models.TransitionComplete, models.TransitionReject,
	}

	has := func(roles []identity.RoleKind, k identity.RoleKind) bool {
		for _, r := range roles {
			if r == k {
				return true
			}
		}
		return false
	}

	for _, name := range clientOnly {
		r := transitions[name]
		if !has(r.roles, identity.RoleClientContact) || has(r.roles, identity.RoleProviderContact) {
			t.Errorf("%s must be client-only, roles=%v", name, r.roles)
		}
	}
	for _, name := range providerOnly {
		r := transitions[name]
		if !has(r.roles, identity.RoleProviderContact) || has(r.roles, identity.RoleClientContact) {
			t.Errorf("%s must be provider-only, roles=%v", name, r.roles)
		}
	}
}
