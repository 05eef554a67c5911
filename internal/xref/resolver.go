// Package xref resolves identifiers that point from the case partition into
// the catalog partition. The two stores share no foreign keys, so a target
// row may have been deleted out from under a reference; that surfaces as a
// DanglingError, an integrity fault, never a silent omission.
package xref

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/owldock/casework-backend/pkg/models"
)

// ErrDangling marks a cross-partition reference whose target no longer
// exists.
var ErrDangling = errors.New("dangling cross-partition reference")

// DanglingError carries the kind and id of the missing target.
type DanglingError struct {
	Kind string
	ID   uuid.UUID
}

func (e *DanglingError) Error() string {
	return fmt.Sprintf("dangling %s reference %s", e.Kind, e.ID)
}

func (e *DanglingError) Unwrap() error { return ErrDangling }

func dangling(kind string, id uuid.UUID) error {
	log.Printf("integrity: dangling %s reference %s", kind, id)
	return &DanglingError{Kind: kind, ID: id}
}

// Resolver is read-only and caches lookups for its lifetime. Construct one
// per logical request; resolved rows may be slightly stale with respect to
// the transition transaction, which only covers the case partition.
type Resolver struct {
	catalog *gorm.DB

	providerContacts map[uuid.UUID]*models.ProviderContact
	applicants       map[uuid.UUID]*models.Applicant
	routes           map[uuid.UUID]*models.Route
	processSteps     map[uuid.UUID]*models.ProcessStep
}

func NewResolver(catalog *gorm.DB) *Resolver {
	return &Resolver{
		catalog:          catalog,
		providerContacts: map[uuid.UUID]*models.ProviderContact{},
		applicants:       map[uuid.UUID]*models.Applicant{},
		routes:           map[uuid.UUID]*models.Route{},
		processSteps:     map[uuid.UUID]*models.ProcessStep{},
	}
}

// cached nil means "looked up, known missing": a second getter call must
// not spend another query to rediscover the hole.

// ProviderContact resolves a provider contact id.
func (r *Resolver) ProviderContact(ctx context.Context, id uuid.UUID) (models.ProviderContact, error) {
	if hit, ok := r.providerContacts[id]; ok {
		if hit == nil {
			return models.ProviderContact{}, dangling("provider_contact", id)
		}
		return *hit, nil
	}
	var row models.ProviderContact
	err := r.catalog.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.providerContacts[id] = nil
		return models.ProviderContact{}, dangling("provider_contact", id)
	}
	if err != nil {
		return models.ProviderContact{}, err
	}
	r.providerContacts[id] = &row
	return row, nil
}

// Applicant resolves an applicant id.
func (r *Resolver) Applicant(ctx context.Context, id uuid.UUID) (models.Applicant, error) {
	if hit, ok := r.applicants[id]; ok {
		if hit == nil {
			return models.Applicant{}, dangling("applicant", id)
		}
		return *hit, nil
	}
	var row models.Applicant
	err := r.catalog.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.applicants[id] = nil
		return models.Applicant{}, dangling("applicant", id)
	}
	if err != nil {
		return models.Applicant{}, err
	}
	r.applicants[id] = &row
	return row, nil
}

// Route resolves a route id.
func (r *Resolver) Route(ctx context.Context, id uuid.UUID) (models.Route, error) {
	if hit, ok := r.routes[id]; ok {
		if hit == nil {
			return models.Route{}, dangling("route", id)
		}
		return *hit, nil
	}
	var row models.Route
	err := r.catalog.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.routes[id] = nil
		return models.Route{}, dangling("route", id)
	}
	if err != nil {
		return models.Route{}, err
	}
	r.routes[id] = &row
	return row, nil
}

// ProcessStep resolves an abstract process-step definition id.
func (r *Resolver) ProcessStep(ctx context.Context, id uuid.UUID) (models.ProcessStep, error) {
	if hit, ok := r.processSteps[id]; ok {
		if hit == nil {
			return models.ProcessStep{}, dangling("process_step", id)
		}
		return *hit, nil
	}
	var row models.ProcessStep
	err := r.catalog.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.processSteps[id] = nil
		return models.ProcessStep{}, dangling("process_step", id)
	}
	if err != nil {
		return models.ProcessStep{}, err
	}
	r.processSteps[id] = &row
	return row, nil
}

// PreloadSteps warms the cache for a list of steps and their contracts in
// one IN query per referenced kind, so list/detail views stay within a
// fixed query budget regardless of case size. Missing targets are recorded
// as known-missing; the matching getter reports them as dangling.
func (r *Resolver) PreloadSteps(ctx context.Context, steps []models.CaseStep, contracts []models.Contract) error {
	processIDs := make([]uuid.UUID, 0, len(steps))
	for _, s := range steps {
		if _, ok := r.processSteps[s.ProcessStepID]; !ok {
			processIDs = append(processIDs, s.ProcessStepID)
		}
	}
	contactIDs := make([]uuid.UUID, 0, len(contracts))
	for _, ct := range contracts {
		if _, ok := r.providerContacts[ct.ProviderContactID]; !ok {
			contactIDs = append(contactIDs, ct.ProviderContactID)
		}
	}

	if len(processIDs) > 0 {
		var rows []models.ProcessStep
		if err := r.catalog.WithContext(ctx).
			Where("id IN ?", processIDs).Find(&rows).Error; err != nil {
			return err
		}
		found := map[uuid.UUID]bool{}
		for i := range rows {
			r.processSteps[rows[i].ID] = &rows[i]
			found[rows[i].ID] = true
		}
		for _, id := range processIDs {
			if !found[id] {
				r.processSteps[id] = nil
			}
		}
	}

	if len(contactIDs) > 0 {
		var rows []models.ProviderContact
		if err := r.catalog.WithContext(ctx).
			Where("id IN ?", contactIDs).Find(&rows).Error; err != nil {
			return err
		}
		found := map[uuid.UUID]bool{}
		for i := range rows {
			r.providerContacts[rows[i].ID] = &rows[i]
			found[rows[i].ID] = true
		}
		for _, id := range contactIDs {
			if !found[id] {
				r.providerContacts[id] = nil
			}
		}
	}

	return nil
}
