// This file implements the residue analysis that decides whether a composite
// could break a driver.

package classify

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/mesh-intelligence/allseq/internal/numtheory"
)

// Mutation analysis errors.
var (
	ErrEvenPower      = errors.New("form contains an even prime power")
	ErrBadComposite   = errors.New("composite must be positive")
	ErrSearchTooLarge = errors.New("residue search space too large")
)

// MaxResidueCombinations bounds the cartesian product examined for one
// tau assignment.
const MaxResidueCombinations = 1 << 24

// maxModulusBits keeps every modulus representable as a uint64.
const maxModulusBits = 63

// Form is the assumed shape of an unfactored composite as the exponents of
// its prime factors; (1, 1) is a semiprime.
type Form []int

// DefaultForms assumes a semiprime or a product of three primes.
var DefaultForms = []Form{{1, 1}, {1, 1, 1}}

// Mutation is one compatible assignment of per-prime tau values. Each
// entry of Residues is a sorted tuple of residues mod Modulus, one per
// prime, whose product is congruent to Actual.
type Mutation struct {
	Residues [][]uint64
	Actual   uint64
	Modulus  uint64
	Taus     []int
}

// MutationPossible reports the congruence conditions under which the
// composite, split according to one of forms, could lower the twos count
// of the term enough to break its driver. The target is known[2] minus the
// twos count of known. An empty result proves no such split exists.
func MutationPossible(known numtheory.Factors, composite *big.Int, forms []Form) ([]Mutation, error) {
	if forms == nil {
		forms = DefaultForms
	}
	target := known[2] - TwosCount(known)
	if target < 2 {
		return nil, nil
	}
	var out []Mutation
	for _, form := range forms {
		if len(form) > target {
			continue
		}
		res, err := CompositeTauAtMost(composite, target, form)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

// CompositeTauAtMost collects TestCompositeTau for every x in 2..target.
func CompositeTauAtMost(n *big.Int, target int, form Form) ([]Mutation, error) {
	var out []Mutation
	for x := 2; x <= target; x++ {
		res, err := TestCompositeTau(n, x, form)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

// TestCompositeTau returns the conditions under which tau(n) could equal x
// given that n splits as form. An empty result means it cannot.
func TestCompositeTau(n *big.Int, x int, form Form) ([]Mutation, error) {
	if n.Sign() <= 0 {
		return nil, ErrBadComposite
	}
	for _, a := range form {
		if a&1 != 1 {
			return nil, fmt.Errorf("%w: %d", ErrEvenPower, a)
		}
	}
	count := len(form)
	if count > x {
		return nil, nil
	}
	// tau(p^a) = tau(p) + beta((a+1)/2) for odd a, and p^a is congruent to
	// p modulo the powers of 2 involved, so higher powers only shift x.
	for _, a := range form {
		if a > 1 {
			x -= numtheory.Beta(uint64(a+1) >> 1)
		}
	}
	if count > x {
		return nil, nil
	}
	if x+1 > maxModulusBits {
		return nil, fmt.Errorf("%w: tau %d", ErrSearchTooLarge, x)
	}

	odd := new(big.Int).Rsh(n, n.TrailingZeroBits())
	var out []Mutation
	for _, taus := range PartitionsOfSize(x, count) {
		m, err := analyzeCompositeTau(odd, taus)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

// analyzeCompositeTau checks whether the residue conditions implied by
// taus are compatible with the odd number n. tau(p) = t exactly when
// p = 2^t - 1 (mod 2^(t+1)).
func analyzeCompositeTau(n *big.Int, taus []int) (*Mutation, error) {
	maxTau := slices.Max(taus)
	m := uint64(1) << (maxTau + 1)
	mask := m - 1

	promoted := make([][]uint64, len(taus))
	total := 1
	for i, t := range taus {
		mi := uint64(1) << (t + 1)
		ri := mi/2 - 1
		q := m / mi
		if total > MaxResidueCombinations/int(q) {
			return nil, fmt.Errorf("%w: taus %v", ErrSearchTooLarge, taus)
		}
		total *= int(q)
		rs := make([]uint64, q)
		for j := range rs {
			rs[j] = ri + uint64(j)*mi
		}
		promoted[i] = rs
	}

	var actual big.Int
	actual.And(n, new(big.Int).SetUint64(mask))
	want := actual.Uint64()

	seen := map[string]bool{}
	var matches [][]uint64
	idx := make([]int, len(promoted))
	tuple := make([]uint64, len(promoted))
	for {
		for i, j := range idx {
			tuple[i] = promoted[i][j]
		}
		sorted := slices.Clone(tuple)
		slices.Sort(sorted)
		key := residueKey(sorted)
		if !seen[key] {
			seen[key] = true
			r := uint64(1)
			for _, ri := range sorted {
				r = (r * ri) & mask
			}
			if r == want {
				matches = append(matches, sorted)
			}
		}
		if !advance(idx, promoted) {
			break
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	slices.SortFunc(matches, slices.Compare)
	return &Mutation{Residues: matches, Actual: want, Modulus: m, Taus: slices.Clone(taus)}, nil
}

// advance steps idx through the cartesian product like an odometer and
// reports false once every combination has been visited.
func advance(idx []int, lists [][]uint64) bool {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < len(lists[i]) {
			return true
		}
		idx[i] = 0
	}
	return false
}

func residueKey(rs []uint64) string {
	var b strings.Builder
	for _, r := range rs {
		b.WriteString(strconv.FormatUint(r, 10))
		b.WriteByte(',')
	}
	return b.String()
}

type partitionKey struct{ n, count int }

var (
	partitionMu    sync.Mutex
	partitionCache = map[partitionKey][][]int{}
)

// PartitionsOfSize returns every multiset of count positive integers that
// sums to n, each as an ascending slice, in lexicographic order. Results
// are memoized and must not be modified.
func PartitionsOfSize(n, count int) [][]int {
	if count < 1 || n < count {
		return nil
	}
	key := partitionKey{n, count}
	partitionMu.Lock()
	defer partitionMu.Unlock()
	if p, ok := partitionCache[key]; ok {
		return p
	}
	var out [][]int
	var walk func(prefix []int, remaining, slots, lo int)
	walk = func(prefix []int, remaining, slots, lo int) {
		if slots == 1 {
			if remaining >= lo {
				out = append(out, append(slices.Clone(prefix), remaining))
			}
			return
		}
		for v := lo; v*slots <= remaining; v++ {
			walk(append(prefix, v), remaining-v, slots-1, v)
		}
	}
	walk(make([]int, 0, count), n, count, 1)
	partitionCache[key] = out
	return out
}

// FormatMutation renders m as a sentence of per-prime conditions. label
// names the composite, "n" when empty.
func FormatMutation(m Mutation, label string) string {
	if label == "" {
		label = "n"
	}
	x := 0
	parts := make([]string, len(m.Taus))
	for i, t := range m.Taus {
		x += t
		parts[i] = strconv.Itoa(t)
	}
	conds := make([]string, len(m.Residues))
	for i, rs := range m.Residues {
		c := make([]string, len(rs))
		for j, r := range rs {
			c[j] = fmt.Sprintf("p%d%%%d==%d", j+1, m.Modulus, r)
		}
		conds[i] = strings.Join(c, ", ")
	}
	return fmt.Sprintf("Assuming that %s is made of %d primes, then since it's %d (mod %d), "+
		"it's possible that tau(n)=%d=%s via the following conditions: %s.",
		label, len(m.Taus), m.Actual, m.Modulus, x, strings.Join(parts, "+"), strings.Join(conds, "; "))
}
