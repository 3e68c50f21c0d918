// This file defines the index schema.

package sqlite

// createSequences mirrors the fields of a sequence record that the
// statistics aggregate over. Progress is split so digits and stall dates
// group separately.
const createSequences = `CREATE TABLE sequences (
    seq INTEGER PRIMARY KEY,
    size INTEGER NOT NULL,
    term_index INTEGER NOT NULL,
    guide TEXT NOT NULL,
    class INTEGER,
    driver INTEGER,
    cofactor INTEGER NOT NULL,
    reservation TEXT NOT NULL,
    progress_digits INTEGER,
    progress_since TEXT,
    updated_at TEXT NOT NULL,
    priority REAL NOT NULL,
    fdb_id INTEGER NOT NULL
);`

const (
	idxSequencesGuide    = `CREATE INDEX idx_sequences_guide ON sequences(guide);`
	idxSequencesSize     = `CREATE INDEX idx_sequences_size ON sequences(size);`
	idxSequencesIndex    = `CREATE INDEX idx_sequences_term_index ON sequences(term_index);`
	idxSequencesCofactor = `CREATE INDEX idx_sequences_cofactor ON sequences(cofactor);`
)

var schemaDDL = []string{
	createSequences,
	idxSequencesGuide,
	idxSequencesSize,
	idxSequencesIndex,
	idxSequencesCofactor,
}

var sequenceColumns = []string{
	"seq", "size", "term_index", "guide", "class", "driver", "cofactor",
	"reservation", "progress_digits", "progress_since", "updated_at", "priority", "fdb_id",
}
