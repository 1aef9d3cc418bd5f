// Package backfill migrates existing rows to field-level protection: it
// fills the encrypted and blind-index companion columns from the legacy
// value and, when explicitly authorized, wipes the legacy plaintext.
package backfill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinica/clinica/internal/platform/db"
	"github.com/clinica/clinica/internal/platform/pii"
)

var errDryRun = errors.New("dry run")

// Runner backfills one entity at a time against a store.
type Runner struct {
	store  *db.Store
	pii    *pii.Service
	logger zerolog.Logger
}

// NewRunner creates a Runner.
func NewRunner(store *db.Store, svc *pii.Service, logger zerolog.Logger) *Runner {
	return &Runner{
		store:  store,
		pii:    svc,
		logger: logger.With().Str("component", "backfill").Logger(),
	}
}

// fieldState is what one row holds for one protected field.
type fieldState struct {
	spec   pii.FieldSpec
	legacy sql.NullString
	enc    sql.NullString
	hash   sql.NullString
}

type row struct {
	id     string
	fields []fieldState
}

// rowOutcome is the effect of migrating one row.
type rowOutcome struct {
	backfilled bool
	wiped      bool
	// fallbacks counts fields whose legacy-shaped value was taken as plain text.
	fallbacks int
}

// RunAll runs entities in order and stops at the first configuration or
// safety error. Reports of completed entities are returned alongside it.
func (r *Runner) RunAll(ctx context.Context, entities []pii.Entity, opts Options) ([]*Report, error) {
	reports := make([]*Report, 0, len(entities))
	for _, e := range entities {
		rep, err := r.Run(ctx, e, opts)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
		if rep.Interrupted {
			break
		}
	}
	return reports, nil
}

// Run migrates every row of entity. Configuration and safety checks run
// before any row is read; a returned error means nothing was written.
// Per-row failures are counted in the report, not returned.
func (r *Runner) Run(ctx context.Context, entity pii.Entity, opts Options) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("backfill options: %w", err)
	}
	if opts.WipeLegacy {
		if err := CheckWipeTarget(r.store.Path(), opts.DataDir, opts.ConfirmWipe); err != nil {
			return nil, err
		}
	}

	policy, err := r.pii.Policy(entity)
	if err != nil {
		return nil, err
	}
	if !policy.Active() {
		return nil, fmt.Errorf("backfill %s: %w (flag_enabled=%t columns_present=%t)",
			entity, pii.ErrProtectionInactive, policy.FlagEnabled(), policy.ColumnsPresent())
	}

	spec := policy.Spec()
	cols, err := r.store.Columns(context.WithoutCancel(ctx), spec.Table)
	if err != nil {
		return nil, fmt.Errorf("backfill %s: %w", entity, err)
	}

	rep := &Report{
		RunID:      uuid.NewString(),
		Entity:     entity,
		Target:     r.store.Path(),
		DryRun:     opts.DryRun,
		WipeLegacy: opts.WipeLegacy,
		StartedAt:  time.Now().UTC(),
	}
	log := r.logger.With().Str("run_id", rep.RunID).Str("entity", string(entity)).Logger()
	log.Info().Bool("dry_run", opts.DryRun).Bool("wipe_legacy", opts.WipeLegacy).
		Bool("legacy_as_plaintext", opts.LegacyAsPlaintext).Int("batch_size", opts.batchSize()).Msg("backfill started")

	b := &batcher{
		store:    r.store,
		policy:   policy,
		legacy:   r.pii.Legacy(),
		nullable: nullableFields(spec, cols),
		wipe:     opts.WipeLegacy,
		lenient:  opts.LegacyAsPlaintext,
		logger:   log,
	}

	lastID := ""
	for {
		if ctx.Err() != nil {
			rep.Interrupted = true
			log.Warn().Str("last_id", lastID).Msg("backfill interrupted; stopping after last completed batch")
			break
		}

		// A batch that has started runs to completion even if ctx is cancelled.
		next, n, err := b.run(context.WithoutCancel(ctx), lastID, opts.batchSize(), opts.DryRun, rep)
		if err != nil {
			rep.FinishedAt = time.Now().UTC()
			return rep, fmt.Errorf("backfill %s after id %q: %w", entity, lastID, err)
		}
		if n == 0 {
			break
		}
		rep.Batches++
		lastID = next
		log.Debug().Int("batch", rep.Batches).Int("rows", n).Str("last_id", lastID).Msg("batch committed")
	}

	rep.FinishedAt = time.Now().UTC()
	rep.Log(log)
	return rep, nil
}

func nullableFields(spec pii.EntitySpec, cols map[string]pii.Column) map[pii.Field]bool {
	out := make(map[pii.Field]bool, len(spec.Fields))
	for _, fs := range spec.Fields {
		out[fs.Field] = cols[string(fs.Field)].Nullable
	}
	return out
}

type batcher struct {
	store    *db.Store
	policy   *pii.Policy
	legacy   *pii.LegacyCodec
	nullable map[pii.Field]bool
	wipe     bool
	lenient  bool
	logger   zerolog.Logger
}

// run processes one keyset page after afterID inside a single transaction.
// It returns the last id read and the number of rows read.
func (b *batcher) run(ctx context.Context, afterID string, limit int, dryRun bool, rep *Report) (string, int, error) {
	var (
		lastID string
		n      int
	)
	// Counters are applied only once the batch commits.
	var pending Report

	err := b.store.InTx(ctx, func(ctx context.Context) error {
		rows, err := b.load(ctx, afterID, limit)
		if err != nil {
			return err
		}
		n = len(rows)
		if n == 0 {
			return nil
		}
		lastID = rows[n-1].id

		for _, rw := range rows {
			pending.Scanned++
			var out rowOutcome
			var failedField pii.Field
			spErr := b.store.Savepoint(ctx, "backfill_row", func(ctx context.Context) error {
				var err error
				out, failedField, err = b.migrateRow(ctx, rw)
				return err
			})
			if spErr != nil {
				pending.Failed++
				pending.Failures = append(pending.Failures, Failure{ID: rw.id, Field: failedField, Error: spErr.Error()})
				b.logger.Error().Err(spErr).Str("id", rw.id).Str("field", string(failedField)).Msg("backfill row failed")
				continue
			}
			if out.backfilled {
				pending.Backfilled++
			}
			if out.wiped {
				pending.Wiped++
			}
			pending.Fallbacks += out.fallbacks
		}

		if dryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRun) {
		return "", 0, err
	}

	rep.Scanned += pending.Scanned
	rep.Backfilled += pending.Backfilled
	rep.Wiped += pending.Wiped
	rep.Failed += pending.Failed
	rep.Fallbacks += pending.Fallbacks
	rep.Failures = append(rep.Failures, pending.Failures...)
	return lastID, n, nil
}

func (b *batcher) load(ctx context.Context, afterID string, limit int) ([]row, error) {
	spec := b.policy.Spec()
	cols := []string{"id"}
	for _, fs := range spec.Fields {
		cols = append(cols, string(fs.Field), fs.Field.EncColumn(), fs.Field.HashColumn())
	}
	query := b.store.Rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id > ? ORDER BY id LIMIT ?`,
		strings.Join(cols, ", "), spec.Table))

	rs, err := b.store.Conn(ctx).QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	defer rs.Close()

	var out []row
	for rs.Next() {
		rw := row{fields: make([]fieldState, len(spec.Fields))}
		dest := []any{&rw.id}
		for i, fs := range spec.Fields {
			rw.fields[i].spec = fs
			dest = append(dest, &rw.fields[i].legacy, &rw.fields[i].enc, &rw.fields[i].hash)
		}
		if err := rs.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		out = append(out, rw)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch: %w", err)
	}
	return out, nil
}

// migrateRow writes companion columns for every field that lacks them and
// wipes legacy values when authorized. On error it reports the field at fault.
func (b *batcher) migrateRow(ctx context.Context, rw row) (rowOutcome, pii.Field, error) {
	var (
		out  rowOutcome
		sets []string
		args []any
	)
	for _, fs := range rw.fields {
		f := fs.spec.Field
		migrated := fs.enc.Valid && fs.hash.Valid

		if !migrated {
			canonical, fellBack, err := b.canonical(fs)
			if err != nil {
				return out, f, err
			}
			if fellBack {
				out.fallbacks++
				b.logger.Warn().Str("id", rw.id).Str("field", string(f)).Msg("legacy-shaped value failed authentication; migrating it as plain text")
			}
			if canonical == nil {
				continue
			}
			pf, err := b.policy.Encode(f, canonical)
			if err != nil {
				return out, f, err
			}
			sets = append(sets, f.EncColumn()+" = ?", f.HashColumn()+" = ?")
			args = append(args, *pf.Encrypted, *pf.LookupHash)
			if fs.spec.Mirror {
				sets = append(sets, string(f)+" = ?")
				args = append(args, *pf.Legacy)
			}
			out.backfilled = true
			migrated = true
		}

		if b.wipe && migrated && fs.legacy.Valid && !fs.spec.Mirror && b.nullable[f] {
			sets = append(sets, string(f)+" = NULL")
			out.wiped = true
		}
	}
	if len(sets) == 0 {
		return out, "", nil
	}

	args = append(args, rw.id)
	query := b.store.Rebind(fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, b.policy.Spec().Table, strings.Join(sets, ", ")))
	if _, err := b.store.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return rowOutcome{}, "", fmt.Errorf("update row: %w", err)
	}
	return out, "", nil
}

// canonical recovers the true value of a field that has not been migrated.
// An existing ciphertext wins; otherwise the legacy column is opened with the
// legacy codec when configured and taken as plain text when it does not look
// like a legacy payload. With lenient set, a legacy-shaped value whose tag does
// not verify is also taken as plain text and fellBack is true.
func (b *batcher) canonical(fs fieldState) (value *string, fellBack bool, err error) {
	f := fs.spec.Field
	if fs.enc.Valid {
		v, err := b.policy.Decode(f, nil, &fs.enc.String)
		return v, false, err
	}
	if !fs.legacy.Valid {
		return nil, false, nil
	}
	v := fs.legacy.String
	if b.legacy != nil {
		plain, ok, err := b.legacy.Open(v)
		switch {
		case err != nil && b.lenient && errors.Is(err, pii.ErrAuthentication):
			return &v, true, nil
		case err != nil:
			return nil, false, err
		case ok:
			return &plain, false, nil
		}
	}
	return &v, false, nil
}
