// Package numtheory provides the prime-exponent representation of integers
// used by the classification engine, the factor-string codec, and a
// Factorer oracle for sigma(2^b).
package numtheory

import (
	"errors"
	"fmt"
	"math/big"
	"math/bits"
	"slices"
	"strconv"
	"strings"
)

// ErrBadFactorString is returned when a factor string cannot be parsed.
var ErrBadFactorString = errors.New("malformed factor string")

// Factors maps a prime to its exponent. Absent primes have exponent 0.
type Factors map[uint64]int

// Clone returns an independent copy.
func (f Factors) Clone() Factors {
	out := make(Factors, len(f))
	for p, a := range f {
		out[p] = a
	}
	return out
}

// Primes returns the primes with a positive exponent, ascending.
func (f Factors) Primes() []uint64 {
	ps := make([]uint64, 0, len(f))
	for p, a := range f {
		if a > 0 {
			ps = append(ps, p)
		}
	}
	slices.Sort(ps)
	return ps
}

// Without returns a copy with p removed.
func (f Factors) Without(p uint64) Factors {
	out := f.Clone()
	delete(out, p)
	return out
}

// Flatten returns a copy with every positive exponent set to 1.
func (f Factors) Flatten() Factors {
	out := make(Factors, len(f))
	for p, a := range f {
		if a > 0 {
			out[p] = 1
		}
	}
	return out
}

// Equal reports whether f and g describe the same integer.
func (f Factors) Equal(g Factors) bool {
	ps := f.Primes()
	if !slices.Equal(ps, g.Primes()) {
		return false
	}
	for _, p := range ps {
		if f[p] != g[p] {
			return false
		}
	}
	return true
}

// Product returns the integer f describes.
func (f Factors) Product() *big.Int {
	n := big.NewInt(1)
	var pp big.Int
	for p, a := range f {
		if a <= 0 {
			continue
		}
		pp.Exp(new(big.Int).SetUint64(p), big.NewInt(int64(a)), nil)
		n.Mul(n, &pp)
	}
	return n
}

// String formats as "2^3 * 3^2 * 5", primes ascending. The empty product
// is "1".
func (f Factors) String() string {
	ps := f.Primes()
	if len(ps) == 0 {
		return "1"
	}
	parts := make([]string, len(ps))
	for i, p := range ps {
		if a := f[p]; a > 1 {
			parts[i] = fmt.Sprintf("%d^%d", p, a)
		} else {
			parts[i] = strconv.FormatUint(p, 10)
		}
	}
	return strings.Join(parts, " * ")
}

// Parse reads a fully numeric factor string such as "2^3 * 3^2 * 5".
// Tokens may be separated by '*' or '·'.
func Parse(s string) (Factors, error) {
	t, err := ParseTerm(s)
	if err != nil {
		return nil, err
	}
	if len(t.Unknown) > 0 {
		return nil, fmt.Errorf("%w: %q has non-numeric factors", ErrBadFactorString, s)
	}
	return t.Known, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Factors {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// LargeKind distinguishes the non-numeric tokens in a term's factor string.
type LargeKind byte

const (
	LargePrime     LargeKind = 'P'
	LargeComposite LargeKind = 'C'
)

// Large is a factor known only by its decimal size, e.g. "P45" or "C120".
type Large struct {
	Kind   LargeKind
	Digits int
	Exp    int
}

// Term is a parsed factor string of a sequence term.
type Term struct {
	Known      Factors
	Unknown    []Large
	Terminated bool
}

// Composites returns the unfactored composite tokens.
func (t Term) Composites() []Large {
	var out []Large
	for _, l := range t.Unknown {
		if l.Kind == LargeComposite {
			out = append(out, l)
		}
	}
	return out
}

// LargePrimes returns the count of large-prime tokens.
func (t Term) LargePrimes() int {
	n := 0
	for _, l := range t.Unknown {
		if l.Kind == LargePrime {
			n++
		}
	}
	return n
}

// Cofactor returns the digit size of the largest composite, 0 if none.
func (t Term) Cofactor() int {
	best := 0
	for _, c := range t.Composites() {
		best = max(best, c.Digits)
	}
	return best
}

// ParseTerm reads a factor string as printed by the factoring database.
// Numeric primes too large for uint64 are kept as large primes.
func ParseTerm(s string) (Term, error) {
	t := Term{Known: Factors{}}
	s = strings.TrimSpace(s)
	if s == "" {
		return t, nil
	}
	if strings.Contains(strings.ToLower(s), "terminated") {
		t.Terminated = true
		return t, nil
	}
	sep := "*"
	if strings.Contains(s, "·") {
		sep = "·"
	}
	for tok := range strings.SplitSeq(s, sep) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return Term{}, fmt.Errorf("%w: empty token in %q", ErrBadFactorString, s)
		}
		base, exp := tok, 1
		if b, e, ok := strings.Cut(tok, "^"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(e))
			if err != nil || n < 1 {
				return Term{}, fmt.Errorf("%w: bad exponent in %q", ErrBadFactorString, tok)
			}
			base, exp = strings.TrimSpace(b), n
		}
		switch {
		case base == "":
			return Term{}, fmt.Errorf("%w: empty base in %q", ErrBadFactorString, tok)
		case base[0] == 'P' || base[0] == 'C':
			d, err := strconv.Atoi(base[1:])
			if err != nil || d < 1 {
				return Term{}, fmt.Errorf("%w: bad size in %q", ErrBadFactorString, tok)
			}
			t.Unknown = append(t.Unknown, Large{Kind: LargeKind(base[0]), Digits: d, Exp: exp})
		default:
			p, err := strconv.ParseUint(base, 10, 64)
			if errors.Is(err, strconv.ErrRange) {
				t.Unknown = append(t.Unknown, Large{Kind: LargePrime, Digits: len(base), Exp: exp})
				continue
			}
			if err != nil || p < 2 {
				return Term{}, fmt.Errorf("%w: bad factor %q", ErrBadFactorString, tok)
			}
			t.Known[p] += exp
		}
	}
	return t, nil
}

// Beta returns the 2-adic valuation of x, the number of trailing zero bits.
// Beta(0) is 0.
func Beta(x uint64) int {
	if x == 0 {
		return 0
	}
	return bits.TrailingZeros64(x)
}

// SigmaPow2 returns sigma(2^b) = 2^(b+1) - 1.
func SigmaPow2(b int) *big.Int {
	n := new(big.Int).Lsh(big.NewInt(1), uint(b+1))
	return n.Sub(n, big.NewInt(1))
}
