// Command migrate applies or rolls back the Hub's database schema,
// wrapping golang-migrate so the CLI and the server's own
// startup migration path (internal/db.OpenDB) share one migration source.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/rjsadow/hub/internal/db"
)

func main() {
	dbType := flag.String("type", "sqlite", "database type: sqlite or postgres")
	dsn := flag.String("dsn", "hub.db", "database DSN (file path for sqlite, connection string for postgres)")
	steps := flag.Int("steps", 0, "number of steps for 'up'/'down' (0 = all pending / one rollback)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate [up|down|status] [-type sqlite|postgres] [-dsn path] [-steps n]")
		os.Exit(1)
	}

	m, err := db.NewMigrator(*dbType, *dsn)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	defer m.Close()

	switch flag.Arg(0) {
	case "up":
		err = runUp(m, *steps)
	case "down":
		err = runDown(m, *steps)
	case "status":
		err = showStatus(m)
	default:
		fmt.Printf("Unknown command: %s\n", flag.Arg(0))
		fmt.Println("Usage: migrate [up|down|status] [-type sqlite|postgres] [-dsn path] [-steps n]")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("migrate %s failed: %v", flag.Arg(0), err)
	}
}

func runUp(m *migrate.Migrate, steps int) error {
	var err error
	if steps > 0 {
		err = m.Steps(steps)
	} else {
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Println("No migrations to apply")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("Migrations applied")
	return nil
}

func runDown(m *migrate.Migrate, steps int) error {
	var err error
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Steps(-1)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Println("No migrations to roll back")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("Rollback complete")
	return nil
}

func showStatus(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("No migrations applied yet")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("version: %d, dirty: %v\n", version, dirty)
	return nil
}
