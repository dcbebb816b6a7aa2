// Command migrate manages the ledger schema and seeds the first admin.
//
//	migrate up
//	migrate down [-steps N]
//	migrate version
//	migrate seed-admin -email ops@example.com -password ... -name "Ops"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shareflow/shareflow-api/internal/config"
	"github.com/shareflow/shareflow-api/internal/domain/admin"
	"github.com/shareflow/shareflow-api/internal/pkg/database"
	"github.com/shareflow/shareflow-api/internal/pkg/logger"
	"github.com/shareflow/shareflow-api/internal/pkg/migrations"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		Service:     "migrate",
	})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "up":
		err = migrations.Up(cfg.DatabaseURL)
	case "down":
		fs := flag.NewFlagSet("down", flag.ExitOnError)
		steps := fs.Int("steps", 1, "migrations to roll back, 0 for all")
		_ = fs.Parse(args)
		err = migrations.Down(cfg.DatabaseURL, *steps)
	case "version":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = migrations.Version(cfg.DatabaseURL)
		if err == nil {
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
		}
	case "seed-admin":
		err = seedAdmin(cfg, args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("migrate failed")
	}
}

func seedAdmin(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("seed-admin", flag.ExitOnError)
	email := fs.String("email", "", "admin email")
	password := fs.String("password", "", "admin password, at least 8 characters")
	name := fs.String("name", "Super Admin", "display name")
	_ = fs.Parse(args)

	if *email == "" || len(*password) < 8 {
		return fmt.Errorf("seed-admin: -email and a -password of at least 8 characters are required")
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.ClosePostgres(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := admin.NewService(db, admin.NewRepository(db))
	created, err := svc.CreateAdmin(ctx, uuid.Nil, &admin.CreateAdminRequest{
		Email:    *email,
		Password: *password,
		Role:     string(admin.RoleSuperAdmin),
		Name:     *name,
	})
	if err != nil {
		return err
	}

	log.Info().Str("admin_id", created.ID.String()).Str("email", created.Email).Msg("Super admin created")
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <up|down|version|seed-admin> [flags]")
}
