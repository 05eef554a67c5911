package models

import (
	"time"

	"github.com/google/uuid"
)

/* ========================== Catalog partition =========================== */
//
// These tables live in the catalog database. Nothing in the case partition
// may declare a foreign key into them; references cross the boundary as
// plain UUIDs and are materialized through internal/xref.

// Principal is a person able to authenticate. A principal is linked to at
// most one ClientContact and at most one ProviderContact; holding both is an
// integrity violation handled by the role resolver, not a crash.
type Principal struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Name         string
	IsAdmin      bool `gorm:"not null;default:false"`
	CreatedAt    time.Time
}

// Client is a requesting organization (the party that opens cases).
type Client struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

// Provider is a fulfilling organization (immigration service firm).
type Provider struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name         string    `gorm:"uniqueIndex;not null"`
	Jurisdiction string    `gorm:"type:varchar(2)"`
	CreatedAt    time.Time
}

// ClientContact links a principal to the client it represents.
type ClientContact struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	PrincipalID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	ClientID    uuid.UUID `gorm:"type:uuid;not null;index"`
	CreatedAt   time.Time
}

// ProviderContact links a principal to the provider it represents.
type ProviderContact struct {
	ID                 uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	PrincipalID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	ProviderID         uuid.UUID `gorm:"type:uuid;not null;index"`
	RegistrationNumber string    `gorm:"type:varchar(40)"`
	CreatedAt          time.Time
}

// Applicant is the person moving through an immigration route.
type Applicant struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ClientID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Name        string    `gorm:"not null"`
	Nationality string    `gorm:"type:varchar(2)"`
	CreatedAt   time.Time
}

// Route is an abstract immigration process (e.g. a visa type for a country).
type Route struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name      string    `gorm:"not null"`
	Country   string    `gorm:"type:varchar(2);not null"`
	CreatedAt time.Time

	Steps []ProcessStep
}

// ProcessStep is an abstract step definition within a route. Case steps
// reference these by UUID across the partition boundary.
type ProcessStep struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	RouteID   uuid.UUID `gorm:"type:uuid;not null;index:idx_route_seq,unique"`
	Sequence  int       `gorm:"not null;index:idx_route_seq,unique"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time
}
