package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clinica/clinica/internal/config"
	"github.com/clinica/clinica/internal/platform/backfill"
	"github.com/clinica/clinica/internal/platform/db"
	"github.com/clinica/clinica/internal/platform/pii"
)

// errRowsFailed makes the process exit non-zero when any row could not be migrated.
var errRowsFailed = errors.New("backfill finished with failed rows")

type backfillFlags struct {
	data        string
	dataDir     string
	entity      string
	batchSize   int
	wipeLegacy  bool
	confirmWipe string
	dryRun      bool
	lenient     bool
	report      string
}

func backfillCmd() *cobra.Command {
	var f backfillFlags
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Encrypt and index existing rows, optionally wiping legacy plaintext",
		Long: "Populates the _enc and _hash companion columns of every protected field.\n" +
			"Runs are idempotent. With --wipe-legacy, nullable legacy columns are cleared once\n" +
			"their companions are set; this requires --confirm-wipe " + backfill.WipeConfirmationToken + "\n" +
			"and a SQLite target inside the data directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBackfill(ctx, cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.data, "data", "", "SQLite database to migrate (default DATABASE_URL)")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "Directory a wipe target must sit inside (default DATA_DIR)")
	cmd.Flags().StringVar(&f.entity, "entity", "all", "Entity to migrate: patients, doctors, staff or all")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "Rows per transaction (default BACKFILL_BATCH_SIZE)")
	cmd.Flags().BoolVar(&f.wipeLegacy, "wipe-legacy", false, "Null legacy plaintext columns after backfilling")
	cmd.Flags().StringVar(&f.confirmWipe, "confirm-wipe", "", "Confirmation token required by --wipe-legacy")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Count what would change without writing")
	cmd.Flags().BoolVar(&f.lenient, "legacy-as-plaintext", false, "Migrate legacy-shaped values that fail authentication as plain text")
	cmd.Flags().StringVar(&f.report, "report", "", "Write a YAML audit report to this path")
	return cmd
}

func parseEntities(name string) ([]pii.Entity, error) {
	if name == "" || name == "all" {
		return pii.Entities(), nil
	}
	var out []pii.Entity
	for _, part := range strings.Split(name, ",") {
		e, err := pii.ParseEntity(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func runBackfill(ctx context.Context, cmd *cobra.Command, f backfillFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	entities, err := parseEntities(f.entity)
	if err != nil {
		return err
	}

	opts := backfill.Options{
		DataDir:           firstNonEmpty(f.dataDir, cfg.DataDir),
		BatchSize:         f.batchSize,
		WipeLegacy:        f.wipeLegacy,
		ConfirmWipe:       f.confirmWipe,
		DryRun:            f.dryRun,
		LegacyAsPlaintext: f.lenient,
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = cfg.BackfillBatchSize
	}

	if f.data != "" {
		cfg.DatabaseDriver = db.DriverSQLite
		cfg.DatabaseURL = f.data
	}
	if err := checkTarget(cfg, opts); err != nil {
		logger.Error().Err(err).Str("target", cfg.DatabaseURL).Msg("backfill refused")
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	piiSvc, err := pii.NewService(ctx, cfg.PIIEnabled, cfg.Lookup, store, logger)
	if err != nil {
		return err
	}

	reports, runErr := backfill.NewRunner(store, piiSvc, logger).RunAll(ctx, entities, opts)
	if f.report != "" && len(reports) > 0 {
		if err := backfill.WriteReportFile(f.report, reports); err != nil {
			return errors.Join(runErr, err)
		}
		logger.Info().Str("path", f.report).Msg("backfill report written")
	}
	if runErr != nil {
		return runErr
	}

	failed := 0
	for _, rep := range reports {
		failed += rep.Failed
		if rep.Interrupted {
			return fmt.Errorf("backfill of %s interrupted", rep.Entity)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d", errRowsFailed, failed)
	}
	return nil
}

// checkTarget runs the checks that must pass before the database is opened,
// since opening a SQLite path creates the file.
func checkTarget(cfg *config.Config, opts backfill.Options) error {
	if !cfg.IsSQLite() {
		return nil
	}
	path, _, _ := strings.Cut(cfg.DatabaseURL, "?")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backfill target %s: %w", path, err)
	}
	if opts.WipeLegacy {
		return backfill.CheckWipeTarget(path, opts.DataDir, opts.ConfirmWipe)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
