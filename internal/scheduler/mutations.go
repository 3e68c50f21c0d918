// This file implements the scan for drivers that an unfactored composite
// could break.

package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/mesh-intelligence/allseq/internal/classify"
	"github.com/mesh-intelligence/allseq/internal/numtheory"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

// CompositeSource resolves the decimal value of the unfactored composite
// in the term with the given FDB id.
type CompositeSource interface {
	Composite(ctx context.Context, id int64) (*big.Int, error)
}

// Candidate is a sequence whose driver could break depending on how its
// composite splits.
type Candidate struct {
	Seq       int
	Guide     string
	Class     int
	Driver    bool
	Cofactor  int
	Mutations []classify.Mutation
}

// Line renders c the way the drivers report prints it.
func (c Candidate) Line() string {
	conds := make([]string, len(c.Mutations))
	for i, m := range c.Mutations {
		conds[i] = classify.FormatMutation(m, fmt.Sprintf("C%d", c.Cofactor))
	}
	return fmt.Sprintf("%6d with guide %s (class %d) may mutate: %s", c.Seq, c.Guide, c.Class, strings.Join(conds, " "))
}

// FindMutationCandidates screens unreserved records with a single
// unfactored composite and runs the mutation analysis on those that pass.
// Candidates are ordered drivers first, then by class and cofactor size.
func (s *Scheduler) FindMutationCandidates(ctx context.Context, engine *classify.Engine, src CompositeSource) ([]Candidate, error) {
	var out []Candidate
	for rec := range s.store.All() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		c, err := s.examine(ctx, engine, src, rec)
		if err != nil {
			if errors.Is(err, types.ErrDataError) || errors.Is(err, classify.ErrSearchTooLarge) {
				s.logger.Warn("skipping mutation check", "seq", rec.Seq, "error", err)
				continue
			}
			return out, fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if a.Driver != b.Driver {
			if a.Driver {
				return -1
			}
			return 1
		}
		return cmp.Or(cmp.Compare(a.Class, b.Class), cmp.Compare(a.Cofactor, b.Cofactor), cmp.Compare(a.Seq, b.Seq))
	})
	return out, nil
}

func (s *Scheduler) examine(ctx context.Context, engine *classify.Engine, src CompositeSource, rec *types.Sequence) (*Candidate, error) {
	if rec.Res != "" || rec.ID == 0 {
		return nil, nil
	}
	term, err := numtheory.ParseTerm(rec.Factors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDataError, err)
	}
	if term.Terminated {
		return nil, nil
	}
	guide, _, t, err := engine.CanonicalForm(term.Known)
	if err != nil {
		return nil, err
	}
	class := classify.Class(guide, true)
	// Each prime outside the guide adds at least one to the twos count.
	bound := class - term.LargePrimes() - len(t.Primes())
	if class < 2 || bound < 2 {
		return nil, nil
	}
	if len(guide.Without(2).Primes()) == 0 && class > 3 {
		return nil, nil
	}
	if !classify.IsDriver(guide) {
		return nil, nil
	}
	comps := term.Composites()
	if len(comps) != 1 || comps[0].Exp != 1 {
		return nil, nil
	}
	target := class - classify.TwosCount(t)
	if target < 2 {
		return nil, nil
	}

	n, err := src.Composite(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	// Forms with more primes than target are skipped by the analysis.
	muts, err := classify.MutationPossible(term.Known, n, classify.DefaultForms)
	if err != nil {
		return nil, err
	}
	if len(muts) == 0 {
		return nil, nil
	}
	return &Candidate{
		Seq:       rec.Seq,
		Guide:     guide.String(),
		Class:     class,
		Driver:    true,
		Cofactor:  comps[0].Digits,
		Mutations: muts,
	}, nil
}
