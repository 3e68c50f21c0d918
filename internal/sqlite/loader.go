// This file implements bulk loading of sequence records into the index.

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"github.com/mesh-intelligence/allseq/pkg/types"
)

// loadSequences clears the table and inserts recs inside one transaction.
func loadSequences(ctx context.Context, db *sql.DB, recs iter.Seq[*types.Sequence]) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sequences"); err != nil {
		return 0, fmt.Errorf("clearing sequences: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sequenceColumns)), ", ")
	insertSQL := fmt.Sprintf("INSERT INTO sequences (%s) VALUES (%s)",
		strings.Join(sequenceColumns, ", "), placeholders)
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for rec := range recs {
		if !rec.IsMinimallyValid() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, rowArgs(rec)...); err != nil {
			return 0, fmt.Errorf("inserting seq %d: %w", rec.Seq, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing load transaction: %w", err)
	}
	return n, nil
}

// rowArgs lays rec out in sequenceColumns order. Unset optional fields
// become NULL.
func rowArgs(rec *types.Sequence) []any {
	var class, driver, digits, since any
	if rec.Class != nil {
		class = *rec.Class
	}
	if rec.Driver != nil {
		driver = *rec.Driver
	}
	switch rec.Progress.Kind {
	case types.ProgressDigits:
		digits = rec.Progress.Digits
	case types.ProgressStalled:
		since = rec.Progress.Since
	}
	return []any{
		rec.Seq, rec.Size, rec.Index, rec.Guide, class, driver, rec.Cofactor,
		rec.Res, digits, since, rec.Time, rec.Priority, rec.ID,
	}
}
