// @title           Casework Backend API
// @version         1.0
// @description     Multi-party immigration casework: client contacts open cases, earmark and offer steps to provider firms, providers accept and complete the work.
// @BasePath        /api
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in              header
// @name            Authorization
// @description     Format: Bearer <token>
package main

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"github.com/owldock/casework-backend/internal/cases"
	"github.com/owldock/casework-backend/internal/identity"
	"github.com/owldock/casework-backend/internal/notify"
	"github.com/owldock/casework-backend/internal/steps"
	"github.com/owldock/casework-backend/internal/storage"
	"github.com/owldock/casework-backend/pkg/database"
	"github.com/owldock/casework-backend/pkg/models"
)

func main() {
	_ = godotenv.Load()

	// Two partitions, two connections. The catalog holds parties and route
	// definitions; the case store holds cases, steps and contracts. No
	// cross-database foreign keys.
	catalog := database.InitCatalog()
	if err := catalog.AutoMigrate(
		&models.Principal{}, &models.Client{}, &models.Provider{},
		&models.ClientContact{}, &models.ProviderContact{},
		&models.Applicant{}, &models.Route{}, &models.ProcessStep{},
	); err != nil {
		log.Fatal("catalog migration failed:", err)
	}

	caseDB := database.InitCase()
	if err := caseDB.AutoMigrate(
		&models.Case{}, &models.CaseStep{}, &models.Contract{},
		&models.StepFile{}, &models.StepHistory{},
	); err != nil {
		log.Fatal("case migration failed:", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: identity.ErrorHandler,
	})

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	api := app.Group("/api")

	resolver := identity.NewResolver(catalog)
	authn := identity.RequireAuth(resolver)

	// Identity
	idH := identity.NewHandler(catalog, resolver)
	api.Post("/signup", idH.Signup)
	api.Post("/login", idH.Login)
	api.Get("/me", authn, idH.Me)

	// Storage helper (SUPABASE_URL / SUPABASE_SECRET_KEY / SUPABASE_BUCKET)
	sb := storage.NewSupabase()

	// Cases
	caseH := cases.NewHandler(caseDB, catalog)
	api.Post("/cases", authn, identity.RequireKind(identity.RoleClientContact), caseH.Create)
	api.Get("/cases/mine", authn, identity.RequireKind(identity.RoleClientContact), caseH.ListMine)
	api.Get("/cases/:id", authn, caseH.GetDetail)

	// Steps
	engine := steps.NewEngine(caseDB, catalog, notify.NewWebhook())
	stepH := steps.NewHandler(caseDB, catalog, engine, sb)
	api.Post("/steps/:id/transitions/:name", authn, stepH.Transition)
	api.Get("/steps/assigned", authn, identity.RequireKind(identity.RoleProviderContact), stepH.ListAssigned)
	api.Post("/steps/:id/files", authn, stepH.UploadFiles)
	api.Get("/files/:fileID/signed-url", authn, stepH.SignedDownloadURL)
	api.Delete("/files/:fileID", authn, stepH.DeleteFile)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	log.Println("Server running on :" + port)
	log.Fatal(app.Listen(":" + port))
}
