package backfill

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/clinica/clinica/internal/platform/pii"
)

// Report is the audit record of one backfill run over one entity. Counters
// are per row, except Fallbacks, which counts fields migrated as plain text
// under Options.LegacyAsPlaintext.
type Report struct {
	RunID       string     `yaml:"run_id"`
	Entity      pii.Entity `yaml:"entity"`
	Target      string     `yaml:"target,omitempty"`
	DryRun      bool       `yaml:"dry_run"`
	WipeLegacy  bool       `yaml:"wipe_legacy"`
	Scanned     int        `yaml:"scanned"`
	Backfilled  int        `yaml:"backfilled"`
	Wiped       int        `yaml:"wiped"`
	Failed      int        `yaml:"failed"`
	Fallbacks   int        `yaml:"legacy_fallbacks"`
	Batches     int        `yaml:"batches"`
	Interrupted bool       `yaml:"interrupted"`
	StartedAt   time.Time  `yaml:"started_at"`
	FinishedAt  time.Time  `yaml:"finished_at"`
	Failures    []Failure  `yaml:"failures,omitempty"`
}

// Failure identifies a row that could not be migrated. Error never carries
// field values.
type Failure struct {
	ID    string    `yaml:"id"`
	Field pii.Field `yaml:"field,omitempty"`
	Error string    `yaml:"error"`
}

// Log writes the report summary as structured fields.
func (r *Report) Log(logger zerolog.Logger) {
	ev := logger.Info()
	if r.Failed > 0 || r.Fallbacks > 0 || r.Interrupted {
		ev = logger.Warn()
	}
	ev.Str("run_id", r.RunID).
		Str("entity", string(r.Entity)).
		Bool("dry_run", r.DryRun).
		Bool("wipe_legacy", r.WipeLegacy).
		Int("scanned", r.Scanned).
		Int("backfilled", r.Backfilled).
		Int("wiped", r.Wiped).
		Int("failed", r.Failed).
		Int("legacy_fallbacks", r.Fallbacks).
		Int("batches", r.Batches).
		Bool("interrupted", r.Interrupted).
		Dur("elapsed", r.FinishedAt.Sub(r.StartedAt)).
		Msg("backfill finished")
}

// WriteReports encodes reports as a YAML document.
func WriteReports(w io.Writer, reports []*Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string][]*Report{"runs": reports}); err != nil {
		return fmt.Errorf("encode backfill report: %w", err)
	}
	return enc.Close()
}

// WriteReportFile writes reports to path, replacing any existing file.
func WriteReportFile(path string, reports []*Report) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create report %s: %w", path, err)
	}
	if err := WriteReports(f, reports); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
