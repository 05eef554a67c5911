package xref

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

func openTestCatalog(t *testing.T) *gorm.DB {
	t.Helper()
	_ = godotenv.Load()

	dsn := os.Getenv("TEST_CATALOG_DATABASE_URL")
	if dsn == "" {
		t.Fatal("TEST_CATALOG_DATABASE_URL is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Provider{}, &models.ProviderContact{},
		&models.Applicant{}, &models.Route{}, &models.ProcessStep{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Exec(`
TRUNCATE TABLE
	process_steps,
	routes,
	applicants,
	provider_contacts,
	providers
RESTART IDENTITY CASCADE`).Error; err != nil {
			t.Logf("truncate failed (ignored): %v", err)
		}
	})

	return db
}

// countQueries registers a callback that counts SELECTs issued through db.
func countQueries(t *testing.T, db *gorm.DB, n *int) {
	t.Helper()
	err := db.Callback().Query().After("gorm:query").Register("test_count", func(*gorm.DB) {
		*n++
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Callback().Query().Remove("test_count")
	})
}

func Test_Dangling_ReportsKindAndID(t *testing.T) {
	db := openTestCatalog(t)
	r := NewResolver(db)

	missing := uuid.New()
	_, err := r.Applicant(context.Background(), missing)
	if !errors.Is(err, ErrDangling) {
		t.Fatalf("want ErrDangling, got %v", err)
	}
	var de *DanglingError
	if !errors.As(err, &de) {
		t.Fatalf("want *DanglingError, got %T", err)
	}
	if de.Kind != "applicant" || de.ID != missing {
		t.Fatalf("bad dangling detail: %+v", de)
	}
}

func Test_KnownMissing_IsCached(t *testing.T) {
	db := openTestCatalog(t)
	r := NewResolver(db)
	ctx := context.Background()

	missing := uuid.New()
	if _, err := r.Route(ctx, missing); !errors.Is(err, ErrDangling) {
		t.Fatalf("want ErrDangling, got %v", err)
	}

	// The second lookup must answer from the cache.
	var queries int
	countQueries(t, db, &queries)
	if _, err := r.Route(ctx, missing); !errors.Is(err, ErrDangling) {
		t.Fatalf("want ErrDangling, got %v", err)
	}
	if queries != 0 {
		t.Fatalf("cached miss re-queried the catalog %d times", queries)
	}
}

func Test_PreloadSteps_FixedQueryBudget(t *testing.T) {
	db := openTestCatalog(t)
	ctx := context.Background()

	provider := models.Provider{ID: uuid.New(), Name: "Firm " + uuid.NewString()}
	if err := db.Create(&provider).Error; err != nil {
		t.Fatal(err)
	}

	route := models.Route{ID: uuid.New(), Name: "Skilled Worker", Country: "GB"}
	if err := db.Create(&route).Error; err != nil {
		t.Fatal(err)
	}

	var stepRows []models.CaseStep
	var contracts []models.Contract
	for i := 0; i < 5; i++ {
		def := models.ProcessStep{ID: uuid.New(), RouteID: route.ID, Sequence: i + 1, Name: "Step"}
		if err := db.Create(&def).Error; err != nil {
			t.Fatal(err)
		}
		contact := models.ProviderContact{ID: uuid.New(), PrincipalID: uuid.New(), ProviderID: provider.ID}
		if err := db.Create(&contact).Error; err != nil {
			t.Fatal(err)
		}
		stepRows = append(stepRows, models.CaseStep{ID: uuid.New(), ProcessStepID: def.ID})
		contracts = append(contracts, models.Contract{ID: uuid.New(), ProviderContactID: contact.ID})
	}
	// One reference of each kind is dangling on purpose.
	stepRows = append(stepRows, models.CaseStep{ID: uuid.New(), ProcessStepID: uuid.New()})
	contracts = append(contracts, models.Contract{ID: uuid.New(), ProviderContactID: uuid.New()})

	r := NewResolver(db)

	var queries int
	countQueries(t, db, &queries)
	if err := r.PreloadSteps(ctx, stepRows, contracts); err != nil {
		t.Fatal(err)
	}
	if queries != 2 {
		t.Fatalf("preload used %d queries, want 2 (one per kind)", queries)
	}

	// Everything, hit or miss, now answers without another round-trip.
	queries = 0
	for _, s := range stepRows[:5] {
		if _, err := r.ProcessStep(ctx, s.ProcessStepID); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.ProcessStep(ctx, stepRows[5].ProcessStepID); !errors.Is(err, ErrDangling) {
		t.Fatalf("want ErrDangling for preloaded miss, got %v", err)
	}
	if _, err := r.ProviderContact(ctx, contracts[5].ProviderContactID); !errors.Is(err, ErrDangling) {
		t.Fatalf("want ErrDangling for preloaded miss, got %v", err)
	}
	if queries != 0 {
		t.Fatalf("post-preload getters issued %d queries, want 0", queries)
	}
}
