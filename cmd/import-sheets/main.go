package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/auth"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	"github.com/hackgods/clinic-scheduling/internal/sheets"
)

// import-sheets copies a spreadsheet CSV export into Postgres. Existing rows
// with the same key are overwritten; nothing is deleted.
func main() {
	logger := logging.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))

	dir := getEnv("SHEETS_DIR", "./data")
	dsn := os.Getenv("POSTGRES_DSN")
	dryRun := os.Getenv("DRY_RUN") == "true"

	if dsn == "" && !dryRun {
		logger.Fatal().Msg("POSTGRES_DSN is required unless DRY_RUN=true")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	snap, err := sheets.NewLoader(dir, auth.NewBcryptHasher(0)).LoadSnapshot(loadCtx)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", dir).Msg("read spreadsheet export")
	}
	report(logger, dir, snap)

	if dryRun {
		logger.Info().Msg("dry run, nothing written")
		return
	}

	pool, err := db.ConnectPostgres(loadCtx, dsn, 2)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := appointment.NewPgRepository(pool).SaveSnapshot(loadCtx, snap); err != nil {
		logger.Fatal().Err(err).Msg("import failed, nothing committed")
	}
	logger.Info().Msg("import complete")
}

func report(log zerolog.Logger, dir string, snap appointment.Snapshot) {
	var blocks, orphans int
	known := make(map[string]bool, len(snap.Specialists))
	for _, sp := range snap.Specialists {
		known[sp.ID] = true
	}
	for _, a := range snap.Appointments {
		if a.IsBlock() {
			blocks++
		}
		if !known[a.SpecialistID] {
			orphans++
		}
	}
	var noPassword int
	for _, u := range snap.Users {
		if u.PasswordHash == "" {
			noPassword++
		}
	}

	log.Info().
		Str("dir", dir).
		Int("patients", len(snap.Patients)).
		Int("specialists", len(snap.Specialists)).
		Int("services", len(snap.Services)).
		Int("users", len(snap.Users)).
		Int("appointments", len(snap.Appointments)).
		Int("blocks", blocks).
		Msg("spreadsheet export read")

	if orphans > 0 {
		log.Warn().Int("appointments", orphans).Msg("appointments reference unknown specialists")
	}
	if noPassword > 0 {
		log.Warn().Int("users", noPassword).Msg("users without password cannot log in")
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
