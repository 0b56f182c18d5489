// Command migrate applies or rolls back the Postgres schema.
//
//	migrate up       apply all pending migrations
//	migrate down     roll back one migration
//	migrate version  print the current schema version
package main

import (
	"fmt"
	"os"

	"github.com/animatch/matchmaker/internal/config"
	"github.com/animatch/matchmaker/internal/database"
	"github.com/animatch/matchmaker/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|version")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	logging.Init(logCfg)

	dsn := cfg.Postgres.DSN
	switch cmd := os.Args[1]; cmd {
	case "up":
		err = database.Migrate(dsn, database.Up)
	case "down":
		err = database.Migrate(dsn, database.Down)
	case "version":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = database.Version(dsn)
		if err == nil {
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		logging.Fatal().Err(err).Msg("migrate")
	}
}
