package main

import (
	"flag"
	"os"

	"outreach/internal/config"
	"outreach/internal/logging"
	"outreach/internal/store/pg"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of migrating up")
	flag.Parse()

	cfg := config.LoadMigrate()
	log := logging.Init("migrate", cfg.LogFormat)

	if *down > 0 {
		if err := pg.MigrateDown(cfg.DBDSN, *down); err != nil {
			log.Error("migrate down failed", "err", err, "steps", *down)
			os.Exit(1)
		}
		log.Info("migrate down complete", "steps", *down)
		return
	}

	v, err := pg.Migrate(cfg.DBDSN)
	if err != nil {
		log.Error("migrate up failed", "err", err)
		os.Exit(1)
	}
	log.Info("migrate up complete", "version", v)
}
