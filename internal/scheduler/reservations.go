// This file implements mass reservations and the reservation post file.

package scheduler

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mesh-intelligence/allseq/pkg/types"
)

// MassReservation is a parsed newline-separated list of seqs submitted by
// one reservee.
type MassReservation struct {
	Seqs       []int
	Duplicates []int
	Unknown    []string
}

// ReadMassReservation parses one seq per line. Blank lines are ignored;
// repeated seqs and lines that are not integers are reported.
func ReadMassReservation(r io.Reader) (MassReservation, error) {
	var mr MassReservation
	seen := map[int]bool{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		seq, err := strconv.Atoi(line)
		if err != nil {
			mr.Unknown = append(mr.Unknown, line)
			continue
		}
		if seen[seq] {
			mr.Duplicates = append(mr.Duplicates, seq)
			continue
		}
		seen[seq] = true
		mr.Seqs = append(mr.Seqs, seq)
	}
	if err := sc.Err(); err != nil {
		return mr, fmt.Errorf("reading mass reservation: %w", err)
	}
	return mr, nil
}

// MassResult reports what ApplyMassReservation changed.
type MassResult struct {
	Reserve   ReserveResult
	Unreserve UnreserveResult
}

// ApplyMassReservation makes seqs the complete reservation list of name:
// seqs not yet held are reserved and held seqs not listed are released.
func (s *Scheduler) ApplyMassReservation(name string, seqs []int) (MassResult, error) {
	var res MassResult
	old := map[int]bool{}
	for rec := range s.store.All() {
		if rec.Res == name {
			old[rec.Seq] = true
		}
	}
	cur := map[int]bool{}
	for _, seq := range seqs {
		cur[seq] = true
	}
	var adds, drops []int
	for _, seq := range unique(seqs) {
		if !old[seq] {
			adds = append(adds, seq)
		}
	}
	for _, seq := range slices.Sorted(maps.Keys(old)) {
		if !cur[seq] {
			drops = append(drops, seq)
		}
	}

	var err error
	if res.Unreserve, err = s.UnreserveSeqs(name, drops); err != nil {
		return res, err
	}
	if res.Reserve, err = s.ReserveSeqs(name, adds); err != nil {
		return res, err
	}
	s.logger.Info("mass reservation applied", "name", name,
		"added", len(res.Reserve.Reserved), "dropped", len(res.Unreserve.Unreserved))
	return res, nil
}

// ReservationFile is the reservation post: a timestamp line followed by
// one "seq owner [index size]" line per reservation.
type ReservationFile struct {
	When   time.Time
	Owners map[int]string
}

// ParseReservationFile reads a reservation file, ignoring lines that are
// neither a reservation nor a timestamp.
func ParseReservationFile(r io.Reader) (*ReservationFile, error) {
	rf := &ReservationFile{Owners: map[int]string{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		seq, err := strconv.Atoi(fields[0])
		if err != nil {
			if t, err := time.Parse(types.TimeLayout, line); err == nil {
				rf.When = t
			}
			continue
		}
		rest := fields[1:]
		if n := len(rest); n >= 2 && isInt(rest[n-2]) && isInt(rest[n-1]) {
			rest = rest[:n-2]
		}
		if len(rest) == 0 {
			continue
		}
		rf.Owners[seq] = strings.Join(rest, " ")
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading reservation file: %w", err)
	}
	return rf, nil
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// Format writes the file in seq order. When lookup knows a seq its full
// reservation line is used, otherwise only seq and owner are printed.
func (rf *ReservationFile) Format(w io.Writer, lookup func(int) (*types.Sequence, bool)) error {
	if _, err := fmt.Fprintln(w, rf.When.UTC().Format(types.TimeLayout)); err != nil {
		return err
	}
	for _, seq := range slices.Sorted(maps.Keys(rf.Owners)) {
		name := rf.Owners[seq]
		line := fmt.Sprintf("%6d  %-30s", seq, name)
		if lookup != nil {
			if rec, ok := lookup(seq); ok && rec.Res == name {
				line = rec.ReservationLine()
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// Reconciliation reports how ApplyReservationFile changed the store.
type Reconciliation struct {
	Added   []int
	Dropped []int
	Missing []int
}

// ApplyReservationFile makes the store's reservations match rf exactly.
// Seqs in rf that the store does not track are reported as missing.
func (s *Scheduler) ApplyReservationFile(rf *ReservationFile) (Reconciliation, error) {
	var rc Reconciliation
	var changed []*types.Sequence
	for rec := range s.store.All() {
		want, listed := rf.Owners[rec.Seq]
		switch {
		case listed && rec.Res != want:
			next := rec.Clone()
			next.Res = want
			rc.Added = append(rc.Added, rec.Seq)
			changed = append(changed, next)
		case !listed && rec.Res != "":
			next := rec.Clone()
			next.Res = ""
			rc.Dropped = append(rc.Dropped, rec.Seq)
			changed = append(changed, next)
		}
	}
	for _, seq := range slices.Sorted(maps.Keys(rf.Owners)) {
		if !s.store.Has(seq) {
			rc.Missing = append(rc.Missing, seq)
		}
	}
	for _, rec := range changed {
		if err := s.refresh(rec); err != nil {
			return rc, fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
	}
	return rc, nil
}
