package pii

import "context"

// Column describes one column of a live table.
type Column struct {
	Name     string
	Nullable bool
}

// ColumnLister reports the columns of a table, keyed by name. A table that
// does not exist yields an empty map.
type ColumnLister interface {
	Columns(ctx context.Context, table string) (map[string]Column, error)
}

// SchemaSupportsColumns reports whether every protected field of spec has
// both companion columns in the live schema.
func SchemaSupportsColumns(ctx context.Context, lister ColumnLister, spec EntitySpec) (bool, error) {
	cols, err := lister.Columns(ctx, spec.Table)
	if err != nil {
		return false, err
	}
	return hasCompanionColumns(cols, spec), nil
}

func hasCompanionColumns(cols map[string]Column, spec EntitySpec) bool {
	if len(cols) == 0 {
		return false
	}
	for _, fs := range spec.Fields {
		if _, ok := cols[fs.Field.EncColumn()]; !ok {
			return false
		}
		if _, ok := cols[fs.Field.HashColumn()]; !ok {
			return false
		}
	}
	return true
}
