// This file implements the snapshot, summary and reservation file encodings.

package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/mesh-intelligence/allseq/pkg/types"
)

// snapshotFile is the on-disk shape of the primary snapshot.
type snapshotFile struct {
	AaData []json.RawMessage `json:"aaData"`
}

// decodeSnapshot parses a snapshot. Any malformed or duplicate record
// fails the whole read.
func decodeSnapshot(r io.Reader) (map[int]*types.Sequence, error) {
	var snap snapshotFile
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedRecord, err)
	}
	data := make(map[int]*types.Sequence, len(snap.AaData))
	for i, raw := range snap.AaData {
		rec := new(types.Sequence)
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if rec.Seq == 0 {
			return nil, fmt.Errorf("%w: record %d has no seq", types.ErrMalformedRecord, i)
		}
		if _, dup := data[rec.Seq]; dup {
			return nil, fmt.Errorf("%w: seq %d appears twice", types.ErrMalformedRecord, rec.Seq)
		}
		data[rec.Seq] = rec
	}
	return data, nil
}

// encodeSnapshot writes one record per line inside the aaData array.
func encodeSnapshot(w *bufio.Writer, recs []*types.Sequence) error {
	if len(recs) == 0 {
		_, err := w.WriteString("{\"aaData\": []}\n")
		return err
	}
	if _, err := w.WriteString("{\"aaData\": [\n"); err != nil {
		return err
	}
	for i, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		if i > 0 {
			if _, err := w.WriteString(",\n"); err != nil {
				return err
			}
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\n]}\n")
	return err
}

// encodeSummary writes the flat-text summary, skipping records that are
// not minimally valid.
func encodeSummary(w *bufio.Writer, recs []*types.Sequence) error {
	for _, rec := range recs {
		if !rec.IsMinimallyValid() {
			continue
		}
		if _, err := fmt.Fprintln(w, rec.SummaryLine()); err != nil {
			return err
		}
	}
	return nil
}

// encodeReservations writes the timestamp line followed by one line per
// reserved record, ordered by seq.
func encodeReservations(w *bufio.Writer, recs []*types.Sequence, when time.Time) error {
	if _, err := fmt.Fprintln(w, when.UTC().Format(types.TimeLayout)); err != nil {
		return err
	}
	var reserved []*types.Sequence
	for _, rec := range recs {
		if rec.Res != "" {
			reserved = append(reserved, rec)
		}
	}
	slices.SortFunc(reserved, func(a, b *types.Sequence) int { return a.Seq - b.Seq })
	for _, rec := range reserved {
		if _, err := fmt.Fprintln(w, rec.ReservationLine()); err != nil {
			return err
		}
	}
	return nil
}
