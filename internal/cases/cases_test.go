package cases

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/owldock/casework-backend/internal/identity"
	"github.com/owldock/casework-backend/pkg/models"
)

/* ===== helpers ===== */

func openTestDBs(t *testing.T) (caseDB, catalog *gorm.DB) {
	t.Helper()
	_ = godotenv.Load()

	caseDSN := os.Getenv("TEST_CASE_DATABASE_URL")
	catDSN := os.Getenv("TEST_CATALOG_DATABASE_URL")
	if caseDSN == "" || catDSN == "" {
		t.Fatal("TEST_CASE_DATABASE_URL / TEST_CATALOG_DATABASE_URL are empty")
	}

	var err error
	caseDB, err = gorm.Open(postgres.Open(caseDSN), &gorm.Config{})
	if err != nil {
		t.Fatalf("open case db: %v", err)
	}
	catalog, err = gorm.Open(postgres.Open(catDSN), &gorm.Config{})
	if err != nil {
		t.Fatalf("open catalog db: %v", err)
	}

	if err := caseDB.AutoMigrate(
		&models.Case{}, &models.CaseStep{}, &models.Contract{},
		&models.StepFile{}, &models.StepHistory{},
	); err != nil {
		t.Fatalf("migrate case db: %v", err)
	}
	if err := catalog.AutoMigrate(
		&models.Client{}, &models.Provider{},
		&models.ClientContact{}, &models.ProviderContact{},
		&models.Applicant{}, &models.Route{}, &models.ProcessStep{},
	); err != nil {
		t.Fatalf("migrate catalog db: %v", err)
	}

	t.Cleanup(func() {
		if err := caseDB.Exec(`
TRUNCATE TABLE
	step_histories,
	step_files,
	contracts,
	case_steps,
	cases
RESTART IDENTITY CASCADE`).Error; err != nil {
			t.Logf("truncate case db failed (ignored): %v", err)
		}
		if err := catalog.Exec(`
TRUNCATE TABLE
	process_steps,
	routes,
	applicants,
	provider_contacts,
	client_contacts,
	providers,
	clients
RESTART IDENTITY CASCADE`).Error; err != nil {
			t.Logf("truncate catalog db failed (ignored): %v", err)
		}
	})

	return caseDB, catalog
}

type catalogSeed struct {
	Client      identity.Role
	ApplicantID uuid.UUID
	RouteID     uuid.UUID
	StepCount   int
}

func seedCatalog(t *testing.T, catalog *gorm.DB) catalogSeed {
	t.Helper()

	client := models.Client{ID: uuid.New(), Name: fmt.Sprintf("Acme %s", uuid.NewString())}
	if err := catalog.Create(&client).Error; err != nil {
		t.Fatal(err)
	}
	contact := models.ClientContact{ID: uuid.New(), PrincipalID: uuid.New(), ClientID: client.ID}
	if err := catalog.Create(&contact).Error; err != nil {
		t.Fatal(err)
	}
	applicant := models.Applicant{ID: uuid.New(), ClientID: client.ID, Name: "A. Person", Nationality: "BR"}
	if err := catalog.Create(&applicant).Error; err != nil {
		t.Fatal(err)
	}
	route := models.Route{ID: uuid.New(), Name: "Skilled Worker", Country: "GB"}
	if err := catalog.Create(&route).Error; err != nil {
		t.Fatal(err)
	}
	names := []string{"Eligibility review", "Document collection", "Filing"}
	for i, name := range names {
		def := models.ProcessStep{ID: uuid.New(), RouteID: route.ID, Sequence: i + 1, Name: name}
		if err := catalog.Create(&def).Error; err != nil {
			t.Fatal(err)
		}
	}

	return catalogSeed{
		Client: identity.Role{
			Kind:            identity.RoleClientContact,
			PrincipalID:     contact.PrincipalID,
			ClientContactID: contact.ID,
			ClientID:        client.ID,
		},
		ApplicantID: applicant.ID,
		RouteID:     route.ID,
		StepCount:   len(names),
	}
}

func injectRole(role identity.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("principalID", role.PrincipalID)
		c.Locals("role", role)
		return c.Next()
	}
}

func newTestApp(h *Handler, role identity.Role) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: identity.ErrorHandler})
	app.Use(injectRole(role))
	app.Post("/api/cases", h.Create)
	app.Get("/api/cases/mine", h.ListMine)
	app.Get("/api/cases/:id", h.GetDetail)
	return app
}

/* ================== TESTS ================== */

func Test_CreateCase_MaterializesSteps(t *testing.T) {
	caseDB, catalog := openTestDBs(t)
	seed := seedCatalog(t, catalog)

	h := NewHandler(caseDB, catalog)
	app := newTestApp(h, seed.Client)

	body := fmt.Sprintf(`{"applicant_id":%q,"route_id":%q,"description":"Relocation for A. Person"}`,
		seed.ApplicantID, seed.RouteID)
	req := httptest.NewRequest("POST", "/api/cases", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, _ := app.Test(req)
	if resp.StatusCode != 201 {
		t.Fatalf("create got %d", resp.StatusCode)
	}

	var out struct {
		ID uuid.UUID `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	var stepRows []models.CaseStep
	if err := caseDB.Where("case_id = ?", out.ID).
		Order("sequence_number ASC").Find(&stepRows).Error; err != nil {
		t.Fatal(err)
	}
	if len(stepRows) != seed.StepCount {
		t.Fatalf("want %d steps, got %d", seed.StepCount, len(stepRows))
	}
	for i, s := range stepRows {
		if s.SequenceNumber != i+1 || s.State != models.StepFree || s.ActiveContractID != nil {
			t.Fatalf("step %d malformed: %+v", i, s)
		}
	}
}

func Test_CreateCase_RejectsForeignApplicant(t *testing.T) {
	caseDB, catalog := openTestDBs(t)
	seed := seedCatalog(t, catalog)
	other := seedCatalog(t, catalog)

	h := NewHandler(caseDB, catalog)
	app := newTestApp(h, seed.Client)

	// Applicant belongs to a different client organization.
	body := fmt.Sprintf(`{"applicant_id":%q,"route_id":%q}`, other.ApplicantID, seed.RouteID)
	req := httptest.NewRequest("POST", "/api/cases", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, _ := app.Test(req)
	if resp.StatusCode != 403 {
		t.Fatalf("want 403, got %d", resp.StatusCode)
	}

	// Unknown route is a plain bad request.
	body = fmt.Sprintf(`{"applicant_id":%q,"route_id":%q}`, seed.ApplicantID, uuid.New())
	req = httptest.NewRequest("POST", "/api/cases", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != 400 {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

// Not-found and not-yours must stay distinguishable: 404 for a case that
// does not exist, 403 for one that exists but the viewer has no stake in.
func Test_GetDetail_404_vs_403(t *testing.T) {
	caseDB, catalog := openTestDBs(t)
	seed := seedCatalog(t, catalog)

	cs := models.Case{
		ID:              uuid.New(),
		ClientContactID: seed.Client.ClientContactID,
		ApplicantID:     seed.ApplicantID,
		RouteID:         seed.RouteID,
	}
	if err := caseDB.Create(&cs).Error; err != nil {
		t.Fatal(err)
	}

	h := NewHandler(caseDB, catalog)

	stranger := identity.Role{
		Kind:            identity.RoleClientContact,
		PrincipalID:     uuid.New(),
		ClientContactID: uuid.New(),
	}
	app := newTestApp(h, stranger)

	resp, _ := app.Test(httptest.NewRequest("GET", "/api/cases/"+uuid.NewString(), nil))
	if resp.StatusCode != 404 {
		t.Fatalf("missing case: want 404, got %d", resp.StatusCode)
	}

	resp, _ = app.Test(httptest.NewRequest("GET", "/api/cases/"+cs.ID.String(), nil))
	if resp.StatusCode != 403 {
		t.Fatalf("foreign case: want 403, got %d", resp.StatusCode)
	}
}

func Test_GetDetail_ProviderSeesOnlyTheirSteps(t *testing.T) {
	caseDB, catalog := openTestDBs(t)
	seed := seedCatalog(t, catalog)

	provider := models.Provider{ID: uuid.New(), Name: fmt.Sprintf("Firm %s", uuid.NewString())}
	if err := catalog.Create(&provider).Error; err != nil {
		t.Fatal(err)
	}
	contact := models.ProviderContact{ID: uuid.New(), PrincipalID: uuid.New(), ProviderID: provider.ID}
	if err := catalog.Create(&contact).Error; err != nil {
		t.Fatal(err)
	}

	var defs []models.ProcessStep
	if err := catalog.Where("route_id = ?", seed.RouteID).Order("sequence ASC").Find(&defs).Error; err != nil {
		t.Fatal(err)
	}

	cs := models.Case{
		ID:              uuid.New(),
		ClientContactID: seed.Client.ClientContactID,
		ApplicantID:     seed.ApplicantID,
		RouteID:         seed.RouteID,
	}
	if err := caseDB.Create(&cs).Error; err != nil {
		t.Fatal(err)
	}

	// Step 1 is offered to the provider, steps 2 and 3 stay free.
	states := []models.StepState{models.StepOffered, models.StepFree, models.StepFree}
	var offeredStep uuid.UUID
	for i, st := range states {
		step := models.CaseStep{
			ID:             uuid.New(),
			CaseID:         cs.ID,
			SequenceNumber: i + 1,
			ProcessStepID:  defs[i].ID,
			State:          st,
		}
		if err := caseDB.Create(&step).Error; err != nil {
			t.Fatal(err)
		}
		if st == models.StepOffered {
			ct := models.Contract{ID: uuid.New(), CaseStepID: step.ID, ProviderContactID: contact.ID}
			if err := caseDB.Create(&ct).Error; err != nil {
				t.Fatal(err)
			}
			if err := caseDB.Model(&step).UpdateColumn("active_contract_id", ct.ID).Error; err != nil {
				t.Fatal(err)
			}
			offeredStep = step.ID
		}
	}

	h := NewHandler(caseDB, catalog)
	viewer := identity.Role{
		Kind:              identity.RoleProviderContact,
		PrincipalID:       contact.PrincipalID,
		ProviderContactID: contact.ID,
		ProviderID:        provider.ID,
	}
	app := newTestApp(h, viewer)

	resp, _ := app.Test(httptest.NewRequest("GET", "/api/cases/"+cs.ID.String(), nil))
	if resp.StatusCode != 200 {
		t.Fatalf("got %d", resp.StatusCode)
	}

	var out struct {
		Steps []struct {
			ID uuid.UUID `json:"id"`
		} `json:"steps"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Steps) != 1 || out.Steps[0].ID != offeredStep {
		t.Fatalf("provider must see exactly the offered step, got %+v", out.Steps)
	}

	// The owner sees all three.
	owner := newTestApp(h, seed.Client)
	resp, _ = owner.Test(httptest.NewRequest("GET", "/api/cases/"+cs.ID.String(), nil))
	if resp.StatusCode != 200 {
		t.Fatalf("owner got %d", resp.StatusCode)
	}
	out.Steps = nil
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Steps) != 3 {
		t.Fatalf("owner must see all steps, got %d", len(out.Steps))
	}
}

func Test_IsOfferable(t *testing.T) {
	free := models.CaseStep{State: models.StepFree}
	earmarked := models.CaseStep{State: models.StepEarmarked}
	offered := models.CaseStep{State: models.StepOffered}
	inProgress := models.CaseStep{State: models.StepInProgress}
	complete := models.CaseStep{State: models.StepComplete}

	if !IsOfferable([]models.CaseStep{free, earmarked, complete}) {
		t.Fatal("free/earmarked/complete mix must be offerable")
	}
	if IsOfferable([]models.CaseStep{free, offered}) {
		t.Fatal("an offered step must block")
	}
	if IsOfferable([]models.CaseStep{complete, inProgress}) {
		t.Fatal("an in-progress step must block")
	}
	if !IsOfferable(nil) {
		t.Fatal("empty case is trivially offerable")
	}
}
