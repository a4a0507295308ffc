// Command migrate applies or reverts the ledger journal schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/coachpo/orbledger/db/migrations"
	"github.com/coachpo/orbledger/internal/infra/config"
	"github.com/coachpo/orbledger/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type command struct {
	name  string
	steps int
}

func run(argv []string) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = flags.String("database", "", "PostgreSQL DSN (defaults to $"+config.EnvVarDatabaseDSN+")")
		dir     = flags.String("path", "", "Directory containing SQL migrations (default: embedded db/migrations)")
		timeout = flags.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flags.Bool("quiet", false, "Suppress informational logs")
	)
	if err := flags.Parse(argv); err != nil {
		return err
	}

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv(config.EnvVarDatabaseDSN))
	}
	if target == "" {
		return errors.New("-database flag or " + config.EnvVarDatabaseDSN + " is required")
	}

	cmd, err := parseCommand(flags.Args())
	if err != nil {
		return err
	}
	if cmd.name == "down" && strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required for down")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "orbledger-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd.name {
	case "up":
		if strings.TrimSpace(*dir) == "" {
			return migrations.ApplyFS(ctx, target, dbmigrations.Files, logger)
		}
		return migrations.Apply(ctx, target, *dir, logger)
	default:
		return migrations.Rollback(ctx, target, *dir, cmd.steps, logger)
	}
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("command required (up|down)")
	}
	switch args[0] {
	case "up":
		return command{name: "up"}, nil
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return command{}, fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			if n <= 0 {
				return command{}, fmt.Errorf("down steps must be > 0, got %d", n)
			}
			steps = n
		}
		return command{name: "down", steps: steps}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
