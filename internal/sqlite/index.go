// Package sqlite builds an in-memory SQLite index over the sequence
// records and answers the aggregate queries behind the statistics file.
// The JSON snapshot stays the source of truth; the index is rebuilt from
// it on every run.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/allseq/pkg/types"
)

// Index wraps the in-memory database.
type Index struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// Open creates an empty in-memory index.
func Open(opts ...Option) (*Index, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	for _, ddl := range schemaDDL {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating index schema: %w", err)
		}
	}
	ix := &Index{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Close releases the database.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.db == nil {
		return nil
	}
	err := ix.db.Close()
	ix.db = nil
	return err
}

// Load replaces the index contents with recs. Records that are not
// minimally valid are skipped. Loading is transactional: on error the
// previous contents are kept.
func (ix *Index) Load(ctx context.Context, recs iter.Seq[*types.Sequence]) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.db == nil {
		return 0, fmt.Errorf("index closed")
	}
	n, err := loadSequences(ctx, ix.db, recs)
	if err != nil {
		return 0, err
	}
	ix.logger.Debug("index loaded", "records", n)
	return n, nil
}

// Count returns the number of indexed records.
func (ix *Index) Count(ctx context.Context) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.db == nil {
		return 0, fmt.Errorf("index closed")
	}
	var n int
	if err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sequences").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sequences: %w", err)
	}
	return n, nil
}
