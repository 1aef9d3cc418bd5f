package backfill

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hengadev/errsx"
)

// WipeConfirmationToken must be passed verbatim to authorize nulling legacy
// plaintext columns.
const WipeConfirmationToken = "ERASE-LEGACY-PLAINTEXT"

// DefaultBatchSize is used when Options.BatchSize is zero.
const DefaultBatchSize = 200

// ErrUnsafeMigrationTarget is returned when a wipe is requested without the
// confirmation token or against a database outside the data directory.
var ErrUnsafeMigrationTarget = errors.New("backfill: unsafe migration target")

// Options controls one backfill run.
type Options struct {
	// DataDir is the directory a wipe target must resolve into.
	DataDir   string
	BatchSize int
	// WipeLegacy nulls the legacy column of nullable, non-mirror fields once
	// their companion columns are populated.
	WipeLegacy  bool
	ConfirmWipe string
	// DryRun performs every read and encode but rolls each batch back.
	DryRun bool
	// LegacyAsPlaintext migrates a value that has the shape of a legacy
	// payload but fails its authentication check as plain text, instead of
	// failing the row. Each such field is logged and counted.
	LegacyAsPlaintext bool
}

func (o *Options) validate() error {
	errs := errsx.Map{}
	if o.BatchSize < 0 {
		errs.Set("batch_size", fmt.Errorf("must not be negative, got %d", o.BatchSize))
	}
	if o.WipeLegacy && strings.TrimSpace(o.DataDir) == "" {
		errs.Set("data_dir", errors.New("required when wiping legacy columns"))
	}
	return errs.AsError()
}

func (o *Options) batchSize() int {
	if o.BatchSize == 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

// CheckWipeTarget verifies that a wipe is authorized: token must equal
// WipeConfirmationToken and target must be a database file that resolves,
// after symlinks, strictly inside dataDir.
func CheckWipeTarget(target, dataDir, token string) error {
	if subtle.ConstantTimeCompare([]byte(token), []byte(WipeConfirmationToken)) != 1 {
		return fmt.Errorf("%w: confirmation token does not match", ErrUnsafeMigrationTarget)
	}
	if target == "" {
		return fmt.Errorf("%w: wipe requires a database file inside the data directory", ErrUnsafeMigrationTarget)
	}

	realTarget, err := resolve(target)
	if err != nil {
		return fmt.Errorf("%w: resolve target: %v", ErrUnsafeMigrationTarget, err)
	}
	realDir, err := resolve(dataDir)
	if err != nil {
		return fmt.Errorf("%w: resolve data directory: %v", ErrUnsafeMigrationTarget, err)
	}
	if info, err := os.Stat(realDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: data directory %s is not a directory", ErrUnsafeMigrationTarget, dataDir)
	}

	rel, err := filepath.Rel(realDir, realTarget)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is outside %s", ErrUnsafeMigrationTarget, target, dataDir)
	}
	return nil
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
