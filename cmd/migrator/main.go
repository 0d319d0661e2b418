// migrator applies the schema migrations in db/migrations. It reads the same
// config file and env overrides as the server, so one deployment unit carries
// one set of connection settings.
package main

import (
	"database/sql"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/platform/paths"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml (default config/default.yaml)")
	upCmd := flag.Bool("up", false, "run all up migrations")
	downCmd := flag.Bool("down", false, "rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "run +/- n steps")
	source := flag.String("source", "file://db/migrations", "migration source")
	flag.Parse()

	cfg, err := config.Load(paths.ResolveConfigPath(*configPath))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DB.DSN())
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("database unreachable: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("migrate driver: %v", err)
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatalf("init migrate: %v", err)
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Println("running UP migrations...")
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration UP failed: %v", err)
		}
		log.Println("migration UP completed")
	case *downCmd:
		log.Println("running DOWN migrations...")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration DOWN failed: %v", err)
		}
		log.Println("migration DOWN completed")
	case *stepsCmd != 0:
		log.Printf("running %d steps...", *stepsCmd)
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration steps failed: %v", err)
		}
		log.Println("migration steps completed")
	default:
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("no version found (empty db?)")
		} else {
			log.Printf("current version: %d, dirty: %v", version, dirty)
		}
		log.Println("use -up, -down, or -steps to migrate")
	}
	log.Printf("duration: %v", time.Since(start))
}
