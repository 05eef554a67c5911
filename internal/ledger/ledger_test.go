package ledger

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/owldock/casework-backend/pkg/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	_ = godotenv.Load()

	dsn := os.Getenv("TEST_CASE_DATABASE_URL")
	if dsn == "" {
		t.Fatal("TEST_CASE_DATABASE_URL is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Case{}, &models.CaseStep{}, &models.Contract{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Exec(`TRUNCATE TABLE contracts, case_steps, cases RESTART IDENTITY CASCADE`).Error; err != nil {
			t.Logf("truncate failed (ignored): %v", err)
		}
	})

	return db
}

func seedStep(t *testing.T, db *gorm.DB) uuid.UUID {
	t.Helper()
	cs := models.Case{
		ID:              uuid.New(),
		ClientContactID: uuid.New(),
		ApplicantID:     uuid.New(),
		RouteID:         uuid.New(),
	}
	if err := db.Create(&cs).Error; err != nil {
		t.Fatal(err)
	}
	step := models.CaseStep{
		ID:             uuid.New(),
		CaseID:         cs.ID,
		SequenceNumber: 1,
		ProcessStepID:  uuid.New(),
		State:          models.StepFree,
	}
	if err := db.Create(&step).Error; err != nil {
		t.Fatal(err)
	}
	return step.ID
}

func Test_Open_Idempotent(t *testing.T) {
	db := openTestDB(t)
	l := New()
	ctx := context.Background()

	stepID := seedStep(t, db)
	contactID := uuid.New()

	first, created, err := l.Open(ctx, db, stepID, contactID)
	if err != nil || !created {
		t.Fatalf("first open: created=%v err=%v", created, err)
	}
	second, created, err := l.Open(ctx, db, stepID, contactID)
	if err != nil || created {
		t.Fatalf("second open: created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Fatalf("idempotent open must reuse the row: %s vs %s", first.ID, second.ID)
	}

	// A different provider on the same step gets its own row.
	third, created, err := l.Open(ctx, db, stepID, uuid.New())
	if err != nil || !created {
		t.Fatalf("other-provider open: created=%v err=%v", created, err)
	}
	if third.ID == first.ID {
		t.Fatal("distinct pairs must not share a contract")
	}
}

func Test_AcceptReject_Absorbing(t *testing.T) {
	db := openTestDB(t)
	l := New()
	ctx := context.Background()

	ct, _, err := l.Open(ctx, db, seedStep(t, db), uuid.New())
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Accept(ctx, db, ct.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Accepted is absorbing: neither stamp can be applied again.
	if err := l.Accept(ctx, db, ct.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second accept: want ErrInvalidState, got %v", err)
	}
	if err := l.Reject(ctx, db, ct.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reject after accept: want ErrInvalidState, got %v", err)
	}

	var row models.Contract
	if err := db.First(&row, "id = ?", ct.ID).Error; err != nil {
		t.Fatal(err)
	}
	if row.AcceptedAt == nil || row.RejectedAt != nil {
		t.Fatalf("row mutated past accept: %+v", row)
	}
}

func Test_Close_UnknownContract(t *testing.T) {
	db := openTestDB(t)
	l := New()

	if err := l.Accept(context.Background(), db, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func Test_OpenForStep(t *testing.T) {
	db := openTestDB(t)
	l := New()
	ctx := context.Background()

	stepID := seedStep(t, db)

	if _, err := l.OpenForStep(ctx, db, stepID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty step: want ErrNotFound, got %v", err)
	}

	ct, _, err := l.Open(ctx, db, stepID, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	got, err := l.OpenForStep(ctx, db, stepID)
	if err != nil || got.ID != ct.ID {
		t.Fatalf("single open: got %v err=%v", got.ID, err)
	}

	// Closed contracts don't count against the step.
	if err := l.Reject(ctx, db, ct.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := l.OpenForStep(ctx, db, stepID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after reject: want ErrNotFound, got %v", err)
	}

	// Two open rows can only appear through a bypassed write path; the
	// ledger reports them instead of picking one.
	if err := db.Create(&models.Contract{CaseStepID: stepID, ProviderContactID: uuid.New()}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&models.Contract{CaseStepID: stepID, ProviderContactID: uuid.New()}).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := l.OpenForStep(ctx, db, stepID); !errors.Is(err, ErrMultipleOpen) {
		t.Fatalf("want ErrMultipleOpen, got %v", err)
	}
}
