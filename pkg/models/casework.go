package models

import (
	"time"

	"github.com/google/uuid"
)

/* ============================ Case partition ============================ */

// StepState defines lifecycle states for a case step.
type StepState string

const (
	StepFree       StepState = "free"
	StepEarmarked  StepState = "earmarked"
	StepOffered    StepState = "offered"
	StepInProgress StepState = "in_progress"
	StepComplete   StepState = "complete"
)

// TransitionName identifies an operation on a case step.
type TransitionName string

const (
	TransitionEarmark  TransitionName = "earmark"
	TransitionOffer    TransitionName = "offer"
	TransitionAccept   TransitionName = "accept"
	TransitionComplete TransitionName = "complete"
	TransitionReject   TransitionName = "reject"
	TransitionRetract  TransitionName = "retract"
)

// Case is one applicant's journey through a route, created by a client
// contact. ClientContactID, ApplicantID and RouteID point into the catalog
// partition; there is no database-enforced foreign key behind them.
type Case struct {
	ID              uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ClientContactID uuid.UUID `gorm:"type:uuid;not null;index"`
	ApplicantID     uuid.UUID `gorm:"type:uuid;not null"`
	RouteID         uuid.UUID `gorm:"type:uuid;not null"`
	Description     string
	CreatedAt       time.Time

	Steps []CaseStep `gorm:"constraint:OnDelete:CASCADE"`
}

// CaseStep is one unit of work within a case, independently assignable to a
// provider. ActiveContractID is set only while a contract is attached
// (earmarked/offered/in_progress, and kept on complete for the fulfilling
// provider's visibility); it is nil in free.
type CaseStep struct {
	ID               uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CaseID           uuid.UUID `gorm:"type:uuid;not null;index:idx_case_seq,unique"`
	SequenceNumber   int       `gorm:"not null;index:idx_case_seq,unique"`
	ProcessStepID    uuid.UUID `gorm:"type:uuid;not null"` // catalog partition
	State            StepState `gorm:"type:varchar(20);not null;default:'free'"`
	ActiveContractID *uuid.UUID `gorm:"type:uuid"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Files     []StepFile `gorm:"foreignKey:CaseStepID"`
	Contracts []Contract `gorm:"foreignKey:CaseStepID"`
}

// Contract records one provider contact's candidacy for one case step.
// It is open while both timestamps are nil; accepted and rejected are
// absorbing. Rows are retained forever for audit and never reopened.
type Contract struct {
	ID                uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CaseStepID        uuid.UUID  `gorm:"type:uuid;not null;index"`
	ProviderContactID uuid.UUID  `gorm:"type:uuid;not null;index"` // catalog partition
	AcceptedAt        *time.Time
	RejectedAt        *time.Time
	CreatedAt         time.Time
}

// Open reports whether the contract is still negotiable.
func (c Contract) Open() bool { return c.AcceptedAt == nil && c.RejectedAt == nil }

// StepFile is an opaque handle to an uploaded document, stored externally.
type StepFile struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CaseStepID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Key          string    `gorm:"not null"`
	Mime         string    `gorm:"not null"`
	Size         int       `gorm:"not null"`
	OriginalName string
	UploaderID   uuid.UUID `gorm:"type:uuid;not null"` // principal, catalog partition
	UploaderRole string    `gorm:"type:varchar(20);not null"`
	CreatedAt    time.Time
}

// StepHistory is an audit log entry for committed step transitions.
type StepHistory struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CaseStepID uuid.UUID      `gorm:"type:uuid;not null;index"`
	ActorID    uuid.UUID      `gorm:"type:uuid;not null;index"` // principal
	Transition TransitionName `gorm:"type:varchar(20);not null"`
	OldState   StepState      `gorm:"type:varchar(20)"`
	NewState   StepState      `gorm:"type:varchar(20)"`
	CreatedAt  time.Time      `gorm:"autoCreateTime"`
}
