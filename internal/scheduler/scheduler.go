// Package scheduler is the interface between updaters and the sequence
// store: merge detection, reservation bookkeeping, registration of new
// leaders and selection of the next batch to query.
package scheduler

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/mesh-intelligence/allseq/internal/priority"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

// Store is the part of the sequence store the scheduler relies on.
type Store interface {
	Get(seq int) (*types.Sequence, bool)
	Has(seq int) bool
	All() iter.Seq[*types.Sequence]
	PushNewInfo(rec *types.Sequence) error
	Drop(seqs []int) ([]int, error)
	PopNTodo(n int) (iter.Seq[int], error)
}

// Scheduler operates on a locked, read Store.
type Scheduler struct {
	store  Store
	calc   priority.Calculator
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock sets the clock used for priority recomputation.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New returns a Scheduler over store.
func New(store Store, calc priority.Calculator, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		calc:   calc,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Merge is a group of sequences that reached the same FDB id. Canonical is
// the smallest leader; Duplicates are the others, ascending.
type Merge struct {
	Canonical  int
	Duplicates []int
}

// FindMerges groups live records by id. Records with id 0 are ignored.
// The result is ordered by canonical seq and nothing is modified.
func (s *Scheduler) FindMerges() []Merge {
	byID := map[int64][]int{}
	for rec := range s.store.All() {
		if rec.ID == 0 {
			continue
		}
		byID[rec.ID] = append(byID[rec.ID], rec.Seq)
	}
	var merges []Merge
	for _, seqs := range byID {
		if len(seqs) < 2 {
			continue
		}
		slices.Sort(seqs)
		merges = append(merges, Merge{Canonical: seqs[0], Duplicates: seqs[1:]})
	}
	slices.SortFunc(merges, func(a, b Merge) int { return a.Canonical - b.Canonical })
	return merges
}

// FindAndDropMerges drops every duplicate found by FindMerges.
func (s *Scheduler) FindAndDropMerges() ([]Merge, error) {
	merges := s.FindMerges()
	var drops []int
	for _, m := range merges {
		s.logger.Info("sequences merged", "canonical", m.Canonical, "duplicates", m.Duplicates)
		drops = append(drops, m.Duplicates...)
	}
	if len(drops) == 0 {
		return merges, nil
	}
	if _, err := s.store.Drop(drops); err != nil {
		return nil, fmt.Errorf("dropping merged sequences: %w", err)
	}
	return merges, nil
}

// Claim is a seq held by an owner other than the requester.
type Claim struct {
	Seq   int
	Owner string
}

// ReserveResult partitions the seqs passed to ReserveSeqs.
type ReserveResult struct {
	Reserved     []int
	AlreadyOwned []int
	OtherOwned   []Claim
	Missing      []int
}

// UnreserveResult partitions the seqs passed to UnreserveSeqs.
type UnreserveResult struct {
	Unreserved  []int
	NotReserved []int
	OtherOwned  []Claim
	Missing     []int
}

// unique drops repeated seqs, keeping first occurrences.
func unique(seqs []int) []int {
	seen := make(map[int]bool, len(seqs))
	out := make([]int, 0, len(seqs))
	for _, seq := range seqs {
		if !seen[seq] {
			seen[seq] = true
			out = append(out, seq)
		}
	}
	return out
}

// refresh recomputes the priority of rec and pushes it back to the store.
// Callers pass a clone so that a failure leaves the stored record as it was.
func (s *Scheduler) refresh(rec *types.Sequence) error {
	if err := s.calc.Apply(rec, s.now()); err != nil {
		return err
	}
	return s.store.PushNewInfo(rec)
}

// ReserveSeqs reserves seqs to name. Every distinct input seq lands in
// exactly one list of the result.
func (s *Scheduler) ReserveSeqs(name string, seqs []int) (ReserveResult, error) {
	var res ReserveResult
	for _, seq := range unique(seqs) {
		rec, ok := s.store.Get(seq)
		switch {
		case !ok:
			res.Missing = append(res.Missing, seq)
		case rec.Res == name:
			res.AlreadyOwned = append(res.AlreadyOwned, seq)
		case rec.Res != "":
			res.OtherOwned = append(res.OtherOwned, Claim{Seq: seq, Owner: rec.Res})
		default:
			next := rec.Clone()
			next.Res = name
			if err := s.refresh(next); err != nil {
				return res, fmt.Errorf("reserving %d: %w", seq, err)
			}
			res.Reserved = append(res.Reserved, seq)
		}
	}
	return res, nil
}

// UnreserveSeqs releases name's reservations on seqs.
func (s *Scheduler) UnreserveSeqs(name string, seqs []int) (UnreserveResult, error) {
	var res UnreserveResult
	for _, seq := range unique(seqs) {
		rec, ok := s.store.Get(seq)
		switch {
		case !ok:
			res.Missing = append(res.Missing, seq)
		case rec.Res == "":
			res.NotReserved = append(res.NotReserved, seq)
		case rec.Res != name:
			res.OtherOwned = append(res.OtherOwned, Claim{Seq: seq, Owner: rec.Res})
		default:
			next := rec.Clone()
			next.Res = ""
			if err := s.refresh(next); err != nil {
				return res, fmt.Errorf("unreserving %d: %w", seq, err)
			}
			res.Unreserved = append(res.Unreserved, seq)
		}
	}
	return res, nil
}

// UpdateSeqs splits seqs into those present and those missing. It changes
// nothing; name identifies the requester in the log.
func (s *Scheduler) UpdateSeqs(name string, seqs []int) (exists, missing []int) {
	for _, seq := range unique(seqs) {
		if s.store.Has(seq) {
			exists = append(exists, seq)
		} else {
			missing = append(missing, seq)
		}
	}
	s.logger.Debug("update request", "name", name, "exists", len(exists), "missing", missing)
	return exists, missing
}

// NextBatch pops the n most urgent seqs.
func (s *Scheduler) NextBatch(n int) ([]int, error) {
	it, err := s.store.PopNTodo(n)
	if err != nil {
		return nil, err
	}
	return slices.Collect(it), nil
}

// RegisterNew adds never-queried records for the seqs not yet tracked. All
// new leaders are validated before anything is inserted.
func (s *Scheduler) RegisterNew(seqs []int) ([]int, error) {
	var news []int
	for _, seq := range unique(seqs) {
		if s.store.Has(seq) {
			continue
		}
		if err := types.ValidateLeader(seq); err != nil {
			return nil, err
		}
		news = append(news, seq)
	}
	for _, seq := range news {
		if err := s.store.PushNewInfo(types.NewSequence(seq)); err != nil {
			return nil, err
		}
	}
	if len(news) > 0 {
		s.logger.Info("new sequences added", "count", len(news), "seqs", news)
	}
	return news, nil
}

// RecalculatePriorities recomputes every queried record's priority as of
// now and returns how many changed.
func (s *Scheduler) RecalculatePriorities() (int, error) {
	recs := slices.Collect(s.store.All())
	changed := 0
	for _, rec := range recs {
		if rec.Time == "" {
			continue
		}
		old := rec.Priority
		if err := s.refresh(rec); err != nil {
			return changed, fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		if rec.Priority != old {
			changed++
		}
	}
	return changed, nil
}

// Owners returns the reserved seqs grouped by owner.
func (s *Scheduler) Owners() map[string][]int {
	out := map[string][]int{}
	for rec := range s.store.All() {
		if rec.Res != "" {
			out[rec.Res] = append(out[rec.Res], rec.Seq)
		}
	}
	for name := range out {
		slices.Sort(out[name])
	}
	return out
}
