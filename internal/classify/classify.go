// Package classify derives the guide, class and driver status of an
// aliquot term's factorization and analyses whether an unfactored
// composite could break the current driver.
package classify

import (
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/mesh-intelligence/allseq/internal/numtheory"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

// potential is the factorization of sigma(2^b).
type potential struct {
	known numtheory.Factors
	rest  *big.Int
}

// has reports whether p divides sigma(2^b).
func (v potential) has(p uint64) bool {
	if v.known[p] > 0 {
		return true
	}
	if v.rest.Cmp(big.NewInt(1)) == 0 {
		return false
	}
	var m big.Int
	return m.Mod(v.rest, new(big.Int).SetUint64(p)).Sign() == 0
}

// Engine computes guides. It memoizes the factorization of sigma(2^b) per
// b and is safe for concurrent use.
type Engine struct {
	factorer numtheory.Factorer

	mu    sync.Mutex
	cache map[int]potential
}

// New returns an Engine backed by f.
func New(f numtheory.Factorer) *Engine {
	return &Engine{factorer: f, cache: map[int]potential{}}
}

// Default uses the in-process rho factorer.
var Default = New(numtheory.RhoFactorer{})

func (e *Engine) potential(b int) potential {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.cache[b]; ok {
		return v
	}
	known, rest := e.factorer.Factor(numtheory.SigmaPow2(b))
	v := potential{known: known, rest: rest}
	e.cache[b] = v
	return v
}

// Guide returns 2^b times every prime of f that divides sigma(2^b), where
// b is the power of 2 in f. With withPowers false each such prime has
// exponent 1, otherwise its exponent in f.
func (e *Engine) Guide(f numtheory.Factors, withPowers bool) numtheory.Factors {
	b := f[2]
	guide := numtheory.Factors{2: b}
	v := e.potential(b)
	for p, a := range f {
		if p == 2 || a <= 0 || !v.has(p) {
			continue
		}
		if withPowers {
			guide[p] = a
		} else {
			guide[p] = 1
		}
	}
	return guide
}

// CanonicalForm splits n into guide * s * t where s holds the remaining
// even-powered primes and t the remaining odd-powered primes.
func (e *Engine) CanonicalForm(n numtheory.Factors) (guide, s, t numtheory.Factors, err error) {
	guide = e.Guide(n, true)
	s, t = numtheory.Factors{}, numtheory.Factors{}
	for p, a := range n {
		if a <= 0 || guide[p] > 0 {
			continue
		}
		if a&1 == 1 {
			t[p] = a
		} else {
			s[p] = a
		}
	}
	prod := guide.Product()
	prod.Mul(prod, s.Product())
	prod.Mul(prod, t.Product())
	if prod.Cmp(n.Product()) != 0 {
		return nil, nil, nil, fmt.Errorf("%w: canonical form of %s is %s * %s * %s",
			types.ErrInvariant, n, guide, s, t)
	}
	return guide, s, t, nil
}

// TwosCount returns the power of 2 in sigma(t) contributed by its odd
// primes: for each odd prime p with odd exponent a it adds
// beta(p+1) + beta((a+1)/2). Even exponents contribute nothing.
func TwosCount(t numtheory.Factors) int {
	tau := 0
	for p, a := range t {
		if p == 2 || a <= 0 || a&1 == 0 {
			continue
		}
		tau += numtheory.Beta(p+1) + numtheory.Beta(uint64(a+1)>>1)
	}
	return tau
}

// Class returns guide[2] minus the twos count of the guide's odd part.
// With withPowers false every odd prime counts with exponent 1.
func Class(guide numtheory.Factors, withPowers bool) int {
	v := guide.Without(2)
	if !withPowers {
		v = v.Flatten()
	}
	return guide[2] - TwosCount(v)
}

// IsDriver reports whether guide has class at most 1 when powers are
// ignored.
func IsDriver(guide numtheory.Factors) bool {
	return Class(guide, false) <= 1
}

// ClassOf computes the guide of n and returns its class.
func (e *Engine) ClassOf(n numtheory.Factors, withPowers bool) int {
	return Class(e.Guide(n, withPowers), withPowers)
}

// Description is the classification stored on a sequence record.
type Description struct {
	Guide  string
	Class  int
	Driver bool
}

// Describe classifies the factor string of a term. A bare 2 guide is
// reported as a downdriver.
func (e *Engine) Describe(factors string) (Description, error) {
	term, err := numtheory.ParseTerm(factors)
	if err != nil {
		return Description{}, err
	}
	if term.Terminated {
		return Description{Guide: types.GuideTerminated}, nil
	}
	guide := e.Guide(term.Known, false)
	if guide.String() == "2" {
		return Description{Guide: types.GuideDowndriver, Class: 1}, nil
	}
	return Description{
		Guide:  guide.String(),
		Class:  e.ClassOf(term.Known, true),
		Driver: IsDriver(guide),
	}, nil
}

// Abundance returns sigma(k)/k - 1 for the known part k of a term's factor
// string, rounded to four decimals. ok is false when nothing is known.
func Abundance(factors string) (value float64, ok bool, err error) {
	term, err := numtheory.ParseTerm(factors)
	if err != nil {
		return 0, false, err
	}
	if len(term.Known.Primes()) == 0 {
		return 0, false, nil
	}
	ratio := 1.0
	for p, a := range term.Known {
		// sigma(p^a)/p^a = sum of p^-i for i in 0..a
		sum, inv := 0.0, 1.0
		for range a + 1 {
			sum += inv
			inv /= float64(p)
		}
		ratio *= sum
	}
	return math.Round((ratio-1)*1e4) / 1e4, true, nil
}

// Apply runs Describe and Abundance over rec.Factors and stores the results.
func (e *Engine) Apply(rec *types.Sequence) error {
	d, err := e.Describe(rec.Factors)
	if err != nil {
		return fmt.Errorf("seq %d: classify %q: %w", rec.Seq, rec.Factors, err)
	}
	rec.SetClassification(d.Guide, d.Class, d.Driver)
	ab, ok, err := Abundance(rec.Factors)
	if err != nil {
		return fmt.Errorf("seq %d: abundance: %w", rec.Seq, err)
	}
	rec.Abundance = nil
	if ok {
		rec.Abundance = &ab
	}
	return nil
}
