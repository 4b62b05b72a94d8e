package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/ManuelReschke/EntitleFox/internal/pkg/env"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/logging"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog/log"
)

func main() {
	env.SetupEnvFile()
	logging.Init(logging.Config{Level: env.GetEnv("LOG_LEVEL", "info"), Console: true, Component: "migrate"})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	dbURL := fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		env.GetEnv("DB_USER", "entitlefox"),
		env.GetEnv("DB_PASSWORD", "entitlefox"),
		env.GetEnv("DB_HOST", "db"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", "entitlefox"),
	)

	log.Info().
		Str("user", env.GetEnv("DB_USER", "entitlefox")).
		Str("host", env.GetEnv("DB_HOST", "db")).
		Str("port", env.GetEnv("DB_PORT", "3306")).
		Str("database", env.GetEnv("DB_NAME", "entitlefox")).
		Msg("Connecting to database")

	m, err := migrate.New(
		"file://"+env.GetEnv("MIGRATIONS_PATH", "migrations"),
		dbURL,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize migrations")
	}

	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Error().AnErr("source", sourceErr).AnErr("database", dbErr).Msg("Failed to close migration resources")
		}
	}()

	switch command {
	case "up":
		if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("No change: database is up to date")
		} else if err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		} else {
			log.Info().Msg("Migrations applied")
		}

	case "down":
		if err := m.Steps(-1); err != nil {
			log.Fatal().Err(err).Msg("Failed to roll back the last migration")
		}
		log.Info().Msg("Rolled back the last migration")

	case "goto":
		if len(os.Args) < 3 {
			log.Fatal().Msg("goto needs a version number")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid version number")
		}

		if err := m.Migrate(uint(version)); errors.Is(err, migrate.ErrNoChange) {
			log.Info().Uint64("version", version).Msg("No change: database is already at version")
		} else if err != nil {
			log.Fatal().Err(err).Uint64("version", version).Msg("Failed to migrate to version")
		} else {
			log.Info().Uint64("version", version).Msg("Migrated to version")
		}

	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info().Msg("No migrations applied yet")
		} else if err != nil {
			log.Fatal().Err(err).Msg("Failed to read migration version")
		} else {
			log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Current migration version")
		}

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run cmd/migrate/main.go [command]")
	fmt.Println("Commands:")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - show the current migration version")
}
