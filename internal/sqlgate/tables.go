package sqlgate

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// TableSummary is one entry of ListTables.
type TableSummary struct {
	Name     string  `json:"table_name"`
	RowCount int64   `json:"row_count"`
	SizeMB   float64 `json:"size_mb"`
}

// Column is one entry of DescribeTable, copied verbatim from SHOW COLUMNS.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Null string `json:"null"`
	Key  string `json:"key"`
}

// ListTables returns the exact row count and on-disk size of every table in
// the current database, in SHOW TABLES order. Tables are inspected in
// parallel; the first failure cancels the rest and fails the whole call.
func (g *Gateway) ListTables(ctx context.Context) ([]TableSummary, error) {
	rows, err := g.Execute(ctx, "SHOW TABLES")
	if err != nil {
		return nil, err
	}

	// The column is named Tables_in_<db>; only its position is stable.
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Len() == 0 {
			continue
		}
		names = append(names, asString(r.At(0)))
	}

	out := make([]TableSummary, len(names))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.limit)
	for i, name := range names {
		eg.Go(func() error {
			s, err := g.tableSummary(egctx, name)
			if err != nil {
				return fmt.Errorf("table %s: %w", name, err)
			}
			out[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) tableSummary(ctx context.Context, table string) (TableSummary, error) {
	quoted, err := QuoteIdent(table)
	if err != nil {
		return TableSummary{}, err
	}

	cnt, err := g.Execute(ctx, "SELECT COUNT(*) AS cnt FROM "+quoted)
	if err != nil {
		return TableSummary{}, err
	}
	if len(cnt) == 0 {
		return TableSummary{}, fmt.Errorf("count returned no rows")
	}
	rowCount, err := asInt64(cnt[0].At(0))
	if err != nil {
		return TableSummary{}, fmt.Errorf("row count: %w", err)
	}

	status, err := g.Execute(ctx, "SHOW TABLE STATUS LIKE ?", escapeLike(table))
	if err != nil {
		return TableSummary{}, err
	}
	if len(status) == 0 {
		return TableSummary{}, fmt.Errorf("no table status")
	}
	st := status[0]
	for _, r := range status {
		if v, ok := r.Get("Name"); ok && asString(v) == table {
			st = r
			break
		}
	}

	dataLen, err := lengthField(st, "Data_length")
	if err != nil {
		return TableSummary{}, err
	}
	indexLen, err := lengthField(st, "Index_length")
	if err != nil {
		return TableSummary{}, err
	}

	return TableSummary{
		Name:     table,
		RowCount: rowCount,
		SizeMB:   SizeMB(dataLen, indexLen),
	}, nil
}

func lengthField(r Record, name string) (int64, error) {
	v, ok := r.Get(name)
	if !ok {
		return 0, fmt.Errorf("table status has no %s column", name)
	}
	n, err := asInt64(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// SizeMB converts data and index byte lengths to megabytes rounded to two
// decimals.
func SizeMB(dataLength, indexLength int64) float64 {
	mb := float64(dataLength+indexLength) / 1024 / 1024
	return math.Round(mb*100) / 100
}

// DescribeTable returns the columns of table in declaration order.
func (g *Gateway) DescribeTable(ctx context.Context, table string) ([]Column, error) {
	quoted, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}
	rows, err := g.Execute(ctx, "SHOW COLUMNS FROM "+quoted)
	if err != nil {
		return nil, err
	}

	cols := make([]Column, 0, len(rows))
	for _, r := range rows {
		field, _ := r.Get("Field")
		typ, _ := r.Get("Type")
		null, _ := r.Get("Null")
		key, _ := r.Get("Key")
		cols = append(cols, Column{
			Name: asString(field),
			Type: asString(typ),
			Null: asString(null),
			Key:  asString(key),
		})
	}
	return cols, nil
}

// QuerySelect runs a user-supplied SELECT ... FROM ... statement.
func (g *Gateway) QuerySelect(ctx context.Context, query string) ([]Record, error) {
	if err := CheckSelect(query); err != nil {
		return nil, err
	}
	return g.Execute(ctx, query)
}
