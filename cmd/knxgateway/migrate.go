package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/database"
)

const migrateUsage = "usage: knxgateway migrate status|up|rollback [-steps n]"

// migrate inspects or changes the schema of the configured database
// without starting the gateway.
func migrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(migrateUsage)
	}
	action := args[0]

	fs := flag.NewFlagSet("migrate "+action, flag.ContinueOnError)
	fs.SetOutput(out)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-mostly command

	switch action {
	case "status":
	case "up":
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	case "rollback":
		if *steps < 1 {
			return errors.New("-steps must be at least 1")
		}
		for i := 0; i < *steps; i++ {
			if err := db.Rollback(ctx); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown migrate action %q; %s", action, migrateUsage)
	}

	status, err := db.Status(ctx)
	if err != nil {
		return err
	}
	return printMigrationStatus(out, status)
}

func printMigrationStatus(out io.Writer, status database.MigrationStatus) error {
	current := status.Current()
	if current == "" {
		current = "none"
	}
	fmt.Fprintf(out, "current version: %s\n", current) //nolint:errcheck // flushed below

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, r := range status.Applied {
		fmt.Fprintf(tw, "applied\t%s\t%s\t%s\n", r.Version, r.Name, r.AppliedAt.Format(time.RFC3339)) //nolint:errcheck // flushed below
	}
	for _, m := range status.Pending {
		fmt.Fprintf(tw, "pending\t%s\t%s\t\n", m.Version, m.Name) //nolint:errcheck // flushed below
	}
	return tw.Flush()
}
