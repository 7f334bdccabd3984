// Package main migrates the town database schema.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/viper"

	"github.com/JustThePulp/TilemapTown/internal/config"
)

func main() {
	start := time.Now()
	log.SetPrefix("migrate: ")
	log.SetFlags(0)

	configPath := flag.String("config", "configs/dev.yaml", "town server config file (only the database section is read)")
	source := flag.String("source", "file://migrations", "migration source URL")
	direction := flag.String("direction", "up", "up or down")
	steps := flag.Int("steps", 0, "limit to N steps (0 = all pending)")
	flag.Parse()

	v := viper.New()
	v.SetConfigFile(*configPath)
	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("reading config: %v", err)
	}
	var dbCfg config.DatabaseConfig
	if err := v.Sub("database").Unmarshal(&dbCfg); err != nil {
		log.Fatalf("parsing database config: %v", err)
	}

	m, err := migrate.New(*source, dbCfg.DSN())
	if err != nil {
		log.Fatalf("opening migrator: %v", err)
	}
	defer m.Close()

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	default:
		log.Fatalf("direction must be up or down, got %q", *direction)
	}

	noChange := errors.Is(err, migrate.ErrNoChange)
	if err != nil && !noChange {
		log.Fatalf("running migrations: %v", err)
	}

	// Version reads ErrNilVersion after a full down; report that as version 0.
	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		log.Fatalf("reading schema version: %v", verr)
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	if noChange {
		fmt.Fprintf(os.Stdout, "town schema already at version %d (dirty=%v) [%s]\n", version, dirty, elapsed)
		return
	}
	fmt.Fprintf(os.Stdout, "town schema migrated %s to version %d (dirty=%v) [%s]\n", *direction, version, dirty, elapsed)
}
