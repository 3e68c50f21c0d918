// Package store persists the sequence records. A JSON snapshot on disk is
// the source of truth; in memory the records live in a map keyed by seq
// and a min-heap ordered by (priority, time, seq). Every mutation requires
// the lock, an exclusively created marker file next to the snapshot.
package store

import (
	"bufio"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/mesh-intelligence/allseq/pkg/types"
)

// Store owns the snapshot files and the in-memory record set.
type Store struct {
	cfg    types.StoreConfig
	logger *slog.Logger
	now    func() time.Time

	locked  bool
	data    map[int]*types.Sequence
	heap    entryHeap
	entries map[int]*entry // current heap entry per seq
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the clock used for the reservation file timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New validates cfg and returns an empty, unlocked Store.
func New(cfg types.StoreConfig, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		cfg:     cfg,
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
		data:    map[int]*types.Sequence{},
		entries: map[int]*entry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the store configuration.
func (s *Store) Config() types.StoreConfig { return s.cfg }

// Locked reports whether this Store holds the lock.
func (s *Store) Locked() bool { return s.locked }

// Lock creates the lock marker. It fails with ErrLocked if the marker
// already exists.
func (s *Store) Lock() error {
	if s.locked {
		return nil
	}
	f, err := os.OpenFile(s.cfg.LockFile(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", types.ErrLocked, s.cfg.LockFile())
	}
	if err != nil {
		return fmt.Errorf("creating lock %s: %w", s.cfg.LockFile(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing lock %s: %w", s.cfg.LockFile(), err)
	}
	s.locked = true
	s.logger.Debug("lock acquired", "path", s.cfg.LockFile())
	return nil
}

// Unlock removes the lock marker.
func (s *Store) Unlock() error {
	if !s.locked {
		return types.ErrNotLocked
	}
	s.locked = false
	if err := os.Remove(s.cfg.LockFile()); err != nil {
		return fmt.Errorf("removing lock %s: %w", s.cfg.LockFile(), err)
	}
	s.logger.Debug("lock released", "path", s.cfg.LockFile())
	return nil
}

func (s *Store) requireLock() error {
	if !s.locked {
		return types.ErrNotLocked
	}
	return nil
}

// Read loads the snapshot and rebuilds the heap. It requires the lock.
func (s *Store) Read() error {
	if err := s.requireLock(); err != nil {
		return err
	}
	return s.read()
}

// ReadonlyInit loads the snapshot without taking the lock. The result may
// be stale; mutating methods keep failing with ErrNotLocked.
func (s *Store) ReadonlyInit() error {
	return s.read()
}

func (s *Store) read() error {
	f, err := os.Open(s.cfg.JSONFile)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	data, err := decodeSnapshot(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.cfg.JSONFile, err)
	}
	s.data = data
	s.heap = make(entryHeap, 0, len(data))
	s.entries = make(map[int]*entry, len(data))
	for seq, rec := range data {
		e := newEntry(rec)
		s.heap = append(s.heap, e)
		s.entries[seq] = e
	}
	heap.Init(&s.heap)
	s.logger.Debug("snapshot read", "path", s.cfg.JSONFile, "records", len(data))
	return nil
}

func (s *Store) reset() {
	s.data = map[int]*types.Sequence{}
	s.heap = nil
	s.entries = map[int]*entry{}
}

// Write serializes every record to the snapshot, summary and reservation
// files. Live heap entries come first in pop order, then records without a
// live entry in seq order. It requires the lock.
func (s *Store) Write() error {
	if err := s.requireLock(); err != nil {
		return err
	}
	recs := s.ordered()
	if err := writeFileAtomic(s.cfg.JSONFile, func(w *bufio.Writer) error {
		return encodeSnapshot(w, recs)
	}); err != nil {
		return err
	}
	if err := writeFileAtomic(s.cfg.TextFile, func(w *bufio.Writer) error {
		return encodeSummary(w, recs)
	}); err != nil {
		return err
	}
	if err := writeFileAtomic(s.cfg.ReservationFile, func(w *bufio.Writer) error {
		return encodeReservations(w, recs, s.now())
	}); err != nil {
		return err
	}
	s.logger.Debug("snapshot written", "path", s.cfg.JSONFile, "records", len(recs))
	return nil
}

// ordered drains a copy of the heap so the live heap is left intact.
func (s *Store) ordered() []*types.Sequence {
	h := slices.Clone(s.heap)
	out := make([]*types.Sequence, 0, len(s.data))
	placed := make(map[int]bool, len(s.data))
	for e := h.popLive(); e != nil; e = h.popLive() {
		if s.entries[e.seq] != e || placed[e.seq] {
			continue
		}
		if rec, ok := s.data[e.seq]; ok {
			out = append(out, rec)
			placed[e.seq] = true
		}
	}
	for _, seq := range slices.Sorted(maps.Keys(s.data)) {
		if !placed[seq] {
			out = append(out, s.data[seq])
		}
	}
	return out
}

// PushNewInfo inserts or replaces rec. Any older heap entry for the same
// seq is sabotaged first so that only the new one can pop.
func (s *Store) PushNewInfo(rec *types.Sequence) error {
	if err := s.requireLock(); err != nil {
		return err
	}
	if rec.Seq == 0 {
		return fmt.Errorf("%w: record has no seq", types.ErrMalformedRecord)
	}
	if old, ok := s.entries[rec.Seq]; ok {
		old.live = false
	}
	e := newEntry(rec)
	heap.Push(&s.heap, e)
	s.entries[rec.Seq] = e
	s.data[rec.Seq] = rec
	return nil
}

// Drop removes seqs from the store and sabotages their heap entries. Seqs
// that are not present are returned, not treated as errors.
func (s *Store) Drop(seqs []int) (unknown []int, err error) {
	if err := s.requireLock(); err != nil {
		return nil, err
	}
	for _, seq := range seqs {
		if _, ok := s.data[seq]; !ok {
			unknown = append(unknown, seq)
			continue
		}
		if e, ok := s.entries[seq]; ok {
			e.live = false
			delete(s.entries, seq)
		}
		delete(s.data, seq)
	}
	if len(unknown) > 0 {
		s.logger.Warn("drop of unknown seqs ignored", "seqs", unknown)
	}
	return unknown, nil
}

// PopNTodo returns an iterator over at most n seqs in ascending
// (priority, time, seq) order. Each yielded entry is removed from the heap;
// a fresh Read is needed to see it again.
func (s *Store) PopNTodo(n int) (iter.Seq[int], error) {
	if err := s.requireLock(); err != nil {
		return nil, err
	}
	return func(yield func(int) bool) {
		for count := 0; count < n; {
			e := s.heap.popLive()
			if e == nil {
				return
			}
			if s.entries[e.seq] == e {
				delete(s.entries, e.seq)
			}
			if _, ok := s.data[e.seq]; !ok {
				continue
			}
			count++
			if !yield(e.seq) {
				return
			}
		}
	}, nil
}

// LockReadInit takes the lock and reads the snapshot. If the read fails
// the lock is released again and no partial state is kept.
func (s *Store) LockReadInit() error {
	if err := s.Lock(); err != nil {
		return err
	}
	if err := s.Read(); err != nil {
		s.reset()
		return errors.Join(err, s.Unlock())
	}
	return nil
}

// UnlockWrite writes the snapshot and releases the lock. The lock is
// released even when the write fails; both errors are reported.
func (s *Store) UnlockWrite() error {
	werr := s.Write()
	uerr := s.Unlock()
	return errors.Join(werr, uerr)
}

// Acquire polls LockReadInit every LockPoll until it succeeds, ctx ends or
// LockTimeout passes, then runs fn and always finishes with UnlockWrite.
func (s *Store) Acquire(ctx context.Context, fn func() error) (err error) {
	deadline := time.Now().Add(s.cfg.LockTimeout)
	for {
		err = s.LockReadInit()
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrLocked) || !time.Now().Before(deadline) {
			return err
		}
		s.logger.Info("snapshot locked, waiting", "retry_in", s.cfg.LockPoll)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(s.cfg.LockPoll):
		}
	}
	defer func() {
		err = errors.Join(err, s.UnlockWrite())
	}()
	return fn()
}

// Get returns the record for seq.
func (s *Store) Get(seq int) (*types.Sequence, bool) {
	rec, ok := s.data[seq]
	return rec, ok
}

// Has reports whether seq is present.
func (s *Store) Has(seq int) bool {
	_, ok := s.data[seq]
	return ok
}

// Len returns the number of records.
func (s *Store) Len() int { return len(s.data) }

// Seqs returns every seq, ascending.
func (s *Store) Seqs() []int {
	return slices.Sorted(maps.Keys(s.data))
}

// All iterates the records in seq order.
func (s *Store) All() iter.Seq[*types.Sequence] {
	return func(yield func(*types.Sequence) bool) {
		for _, seq := range s.Seqs() {
			if !yield(s.data[seq]) {
				return
			}
		}
	}
}

// Create writes an empty snapshot set for a new data directory. It fails
// if the snapshot already exists.
func Create(cfg types.StoreConfig, now time.Time) error {
	if _, err := os.Stat(cfg.JSONFile); err == nil {
		return fmt.Errorf("snapshot %s already exists: %w", cfg.JSONFile, fs.ErrExist)
	}
	s, err := New(cfg, WithClock(func() time.Time { return now }))
	if err != nil {
		return err
	}
	if err := s.Lock(); err != nil {
		return err
	}
	return s.UnlockWrite()
}
