package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"ms-settlement/internal/config"
	"ms-settlement/internal/database"
	"ms-settlement/internal/database/migrations"
	"ms-settlement/internal/logger"
)

const usage = `usage: migrate [-seed] <up|down|version|to N>

  up        apply all pending migrations
  down      roll back every migration
  version   print the applied schema version
  to N      migrate up or down to version N
  -seed     insert the demo catalog after migrating`

func main() {
	_ = godotenv.Load()
	seed := flag.Bool("seed", false, "insert the demo catalog")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	cfg := config.Load()
	log := logger.NewLogger(logger.Options{Level: cfg.Log.Level})
	defer log.Close()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if cfg.Database.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	runner := migrations.NewRunner(cfg.Database.DSN, log)
	defer runner.Close()

	var err error
	switch flag.Arg(0) {
	case "up":
		err = runner.MigrateUp()
	case "down":
		err = runner.MigrateDown()
	case "to":
		var version uint
		if _, scanErr := fmt.Sscan(flag.Arg(1), &version); scanErr != nil {
			log.Fatal("MIGRATION", fmt.Sprintf("invalid version %q", flag.Arg(1)))
		}
		err = runner.MigrateTo(version)
	case "version":
		version, dirty, verr := runner.Version()
		if verr != nil {
			log.Fatal("MIGRATION", verr.Error())
		}
		fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		return
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("MIGRATION", err.Error())
	}
	log.Info("MIGRATION", fmt.Sprintf("✅ %s done", flag.Arg(0)))

	if !*seed {
		return
	}
	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer db.Close()

	catalog := database.DemoCatalog()
	if err := database.Seed(ctx, db, catalog.Rows()...); err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	log.Info("DATABASE", fmt.Sprintf("✅ Seeded demo catalog: event %s, tier %s, reseller code %s, candidate %s",
		catalog.Event.ID, catalog.Tier.ID, catalog.Link.UniqueCode, catalog.Candidate.ID))
}
