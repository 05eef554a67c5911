package utils

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/owldock/casework-backend/pkg/models"
)

// LogStepHistory inserts an audit record into step_histories for a
// committed transition. It runs inside the transition's transaction so the
// audit row and the state change land together.
func LogStepHistory(
	ctx context.Context,
	db *gorm.DB,
	stepID, actorID uuid.UUID,
	transition models.TransitionName,
	oldS, newS models.StepState,
) error {
	return db.WithContext(ctx).Create(&models.StepHistory{
		CaseStepID: stepID,
		ActorID:    actorID,
		Transition: transition,
		OldState:   oldS,
		NewState:   newS,
		CreatedAt:  time.Now(),
	}).Error
}
