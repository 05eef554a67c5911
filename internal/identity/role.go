package identity

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/owldock/casework-backend/pkg/models"
)

/* ============================ Role union ================================ */

// RoleKind discriminates the closed set of roles a principal can resolve to.
type RoleKind string

const (
	RoleNone            RoleKind = "none"
	RoleClientContact   RoleKind = "client_contact"
	RoleProviderContact RoleKind = "provider_contact"
	RoleAdmin           RoleKind = "admin"
)

// Role is the resolved identity of an acting principal. It is computed once
// per request and passed explicitly to every engine call; nothing downstream
// re-reads the catalog or any implicit request context to find out who is
// acting.
type Role struct {
	Kind        RoleKind
	PrincipalID uuid.UUID

	// Set when Kind == RoleClientContact
	ClientContactID uuid.UUID
	ClientID        uuid.UUID

	// Set when Kind == RoleProviderContact
	ProviderContactID uuid.UUID
	ProviderID        uuid.UUID
}

func (r Role) IsClientContact() bool   { return r.Kind == RoleClientContact }
func (r Role) IsProviderContact() bool { return r.Kind == RoleProviderContact }
func (r Role) IsAdmin() bool           { return r.Kind == RoleAdmin }

/* ============================== Resolver ================================ */

// Resolver maps a principal to exactly one role by looking up the catalog
// partition. It performs no writes. Per-request memoization happens in the
// auth middleware, which resolves once and stores the Role in request
// locals.
type Resolver struct {
	catalog *gorm.DB
}

func NewResolver(catalog *gorm.DB) *Resolver { return &Resolver{catalog: catalog} }

// Resolve returns the role for a principal. A principal holding both a
// client-contact and a provider-contact link is an integrity violation: it
// is logged and resolves to RoleNone (deny by default) rather than picking
// one arbitrarily. The admin flag wins over contact links; administrators
// bypass the permission gate but remain subject to state-machine guards.
func (r *Resolver) Resolve(ctx context.Context, principalID uuid.UUID) (Role, error) {
	var p models.Principal
	if err := r.catalog.WithContext(ctx).First(&p, "id = ?", principalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Role{Kind: RoleNone, PrincipalID: principalID}, nil
		}
		return Role{}, err
	}

	if p.IsAdmin {
		return Role{Kind: RoleAdmin, PrincipalID: principalID}, nil
	}

	var cc models.ClientContact
	ccErr := r.catalog.WithContext(ctx).First(&cc, "principal_id = ?", principalID).Error
	if ccErr != nil && !errors.Is(ccErr, gorm.ErrRecordNotFound) {
		return Role{}, ccErr
	}

	var pc models.ProviderContact
	pcErr := r.catalog.WithContext(ctx).First(&pc, "principal_id = ?", principalID).Error
	if pcErr != nil && !errors.Is(pcErr, gorm.ErrRecordNotFound) {
		return Role{}, pcErr
	}

	hasClient := ccErr == nil
	hasProvider := pcErr == nil

	switch {
	case hasClient && hasProvider:
		log.Printf("integrity: principal %s holds both client contact %s and provider contact %s; denying",
			principalID, cc.ID, pc.ID)
		return Role{Kind: RoleNone, PrincipalID: principalID}, nil
	case hasClient:
		return Role{
			Kind:            RoleClientContact,
			PrincipalID:     principalID,
			ClientContactID: cc.ID,
			ClientID:        cc.ClientID,
		}, nil
	case hasProvider:
		return Role{
			Kind:              RoleProviderContact,
			PrincipalID:       principalID,
			ProviderContactID: pc.ID,
			ProviderID:        pc.ProviderID,
		}, nil
	default:
		return Role{Kind: RoleNone, PrincipalID: principalID}, nil
	}
}
