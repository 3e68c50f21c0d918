// This file implements the aggregate queries behind the statistics file.

package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CountRow is one [key, count] pair of a frequency table.
type CountRow struct {
	Key   any
	Count int
}

// MarshalJSON encodes the row as a two-element array.
func (r CountRow) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Key, r.Count})
}

// LenRow is one row of the length table. Percent is the share of
// sequences strictly shorter than Length among those not of this length,
// formatted with two decimals.
type LenRow struct {
	Length  int
	Count   int
	Percent string
}

// MarshalJSON encodes the row as a three-element array.
func (r LenRow) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Length, r.Count, r.Percent})
}

// Stats is the content of the statistics file.
type Stats struct {
	Sizes     []CountRow `json:"aSizes"`
	Cofactors []CountRow `json:"aCofacts"`
	Guides    []CountRow `json:"aGuides"`
	Progress  []CountRow `json:"aProgress"`
	Lengths   []LenRow   `json:"aLens"`

	Total int `json:"total"`
	// TotalIncrease is the summed index over the summed size.
	TotalIncrease float64 `json:"totinc"`
	// AverageIncrease is the mean of index/size.
	AverageIncrease float64 `json:"avginc"`
	// TotalProgress counts sequences whose progress is a digit count.
	TotalProgress    int     `json:"totprog"`
	ProgressFraction float64 `json:"progcent"`
}

// Stats aggregates the indexed records. Every table is ordered by key.
func (ix *Index) Stats(ctx context.Context) (*Stats, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.db == nil {
		return nil, fmt.Errorf("index closed")
	}

	st := &Stats{}
	var err error
	if st.Sizes, err = countBy(ctx, ix.db, "size"); err != nil {
		return nil, err
	}
	if st.Cofactors, err = countBy(ctx, ix.db, "cofactor"); err != nil {
		return nil, err
	}
	if st.Guides, err = countBy(ctx, ix.db, "guide"); err != nil {
		return nil, err
	}
	if st.Progress, err = progressCounts(ctx, ix.db); err != nil {
		return nil, err
	}
	if err := ix.totals(ctx, st); err != nil {
		return nil, err
	}
	if st.Lengths, err = lengthTable(ctx, ix.db, st.Total); err != nil {
		return nil, err
	}
	return st, nil
}

// countBy returns the frequency of each value of column. column is always
// one of the fixed names above, never user input.
func countBy(ctx context.Context, db *sql.DB, column string) ([]CountRow, error) {
	q := fmt.Sprintf("SELECT %[1]s, COUNT(*) FROM sequences GROUP BY %[1]s ORDER BY %[1]s", column)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("counting by %s: %w", column, err)
	}
	defer rows.Close()

	out := []CountRow{}
	for rows.Next() {
		var r CountRow
		if err := rows.Scan(&r.Key, &r.Count); err != nil {
			return nil, fmt.Errorf("scanning %s count: %w", column, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// progressCounts keys digit counts as numbers, stall dates as strings and
// unknown progress as null.
func progressCounts(ctx context.Context, db *sql.DB) ([]CountRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT progress_digits, progress_since, COUNT(*)
FROM sequences GROUP BY progress_digits, progress_since
ORDER BY progress_digits, progress_since`)
	if err != nil {
		return nil, fmt.Errorf("counting progress: %w", err)
	}
	defer rows.Close()

	out := []CountRow{}
	for rows.Next() {
		var digits sql.NullInt64
		var since sql.NullString
		var r CountRow
		if err := rows.Scan(&digits, &since, &r.Count); err != nil {
			return nil, fmt.Errorf("scanning progress count: %w", err)
		}
		switch {
		case digits.Valid:
			r.Key = digits.Int64
		case since.Valid:
			r.Key = since.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (ix *Index) totals(ctx context.Context, st *Stats) error {
	var sumSize, sumIndex int64
	var sumRatio float64
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(term_index), 0),
TOTAL(CAST(term_index AS REAL) / size), COUNT(progress_digits)
FROM sequences`).Scan(&st.Total, &sumSize, &sumIndex, &sumRatio, &st.TotalProgress)
	if err != nil {
		return fmt.Errorf("computing totals: %w", err)
	}
	if sumSize > 0 {
		st.TotalIncrease = float64(sumIndex) / float64(sumSize)
	}
	if st.Total > 0 {
		st.AverageIncrease = sumRatio / float64(st.Total)
		st.ProgressFraction = float64(st.TotalProgress) / float64(st.Total)
	}
	return nil
}

// lengthTable walks the index counts in ascending order keeping a running
// total of shorter sequences.
func lengthTable(ctx context.Context, db *sql.DB, total int) ([]LenRow, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT term_index, COUNT(*) FROM sequences GROUP BY term_index ORDER BY term_index")
	if err != nil {
		return nil, fmt.Errorf("counting lengths: %w", err)
	}
	defer rows.Close()

	out := []LenRow{}
	shorter := 0
	for rows.Next() {
		var r LenRow
		if err := rows.Scan(&r.Length, &r.Count); err != nil {
			return nil, fmt.Errorf("scanning length count: %w", err)
		}
		pct := 0.0
		if rest := total - r.Count; rest > 0 {
			pct = float64(shorter) / float64(rest) * 100
		}
		r.Percent = fmt.Sprintf("%.2f", pct)
		shorter += r.Count
		out = append(out, r)
	}
	return out, rows.Err()
}

// Encode renders st as JSON with each table row on its own line.
func (st *Stats) Encode() ([]byte, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encoding stats: %w", err)
	}
	b = bytes.ReplaceAll(b, []byte("],"), []byte("],\n"))
	return append(b, '\n'), nil
}

// WriteStats encodes st and replaces path atomically.
func WriteStats(path string, st *Stats) error {
	b, err := st.Encode()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b)
}
