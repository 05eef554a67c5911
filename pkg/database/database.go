package database

import (
	"log"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// The catalog and case partitions are physically separate databases joined
// only by opaque UUIDs. Each gets its own connection; nothing here (or
// anywhere) declares a foreign key across the boundary.

func open(envKey string) *gorm.DB {
	dsn := os.Getenv(envKey)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect %s database: %v", envKey, err)
	}
	return db
}

// InitCatalog opens the catalog partition (principals, orgs, contacts,
// applicants, routes).
func InitCatalog() *gorm.DB { return open("CATALOG_DATABASE_URL") }

// InitCase opens the case partition (cases, steps, contracts, files).
func InitCase() *gorm.DB { return open("CASE_DATABASE_URL") }
