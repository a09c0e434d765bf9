package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"strings"

	"gopublish/publish/schema"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func postgresDsn(uri string) string {
	if uri == "" {
		log.Fatalf("Missing --db_uri arg")
	}
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func main() {
	dbUri := flag.String("db_uri", "", "Database URI")
	flag.Parse()

	db, err := gorm.Open(postgres.Open(postgresDsn(*dbUri)), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	migration := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			// Placeholder representing the record and tag tables from before
			// the task queue moved into the database.
			ID:      "0",
			Migrate: func(*gorm.DB) error { return nil },
		},
		{
			// Task handoff moved from an external broker into the database
			// so that records and their tasks commit atomically.
			ID: "1",
			Migrate: func(txn *gorm.DB) error {
				return txn.Migrator().AutoMigrate(&schema.Task{}, &schema.WorkerHeartbeat{})
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropTable(&schema.Task{}, &schema.WorkerHeartbeat{})
			},
		},
	})

	migration.InitSchema(func(txn *gorm.DB) error {
		log.Println("clean database detected, running full schema initialization")
		return txn.AutoMigrate(schema.AllModels()...)
	})

	if err := migration.Migrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	log.Println("migration completed successfully")
}
