// This file implements the Pollard rho Factorer.

package numtheory

import (
	"math/big"
)

// Factorer splits an integer into primes. Primes that fit in uint64 are
// returned in Factors; anything left unfactored, or prime but too large
// for uint64, is multiplied into rest. rest is 1 when n is fully factored.
type Factorer interface {
	Factor(n *big.Int) (f Factors, rest *big.Int)
}

// Default limits for RhoFactorer.
const (
	DefaultTrialBound    = 1 << 16
	DefaultRhoIterations = 1 << 22
	defaultRhoSeeds      = 8
	primalityRounds      = 20
)

// RhoFactorer factors by trial division followed by Pollard-Brent rho.
// Primality is decided with big.Int.ProbablyPrime. The zero value uses the
// default limits.
type RhoFactorer struct {
	TrialBound    uint64
	RhoIterations int
}

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
)

// Factor implements Factorer.
func (r RhoFactorer) Factor(n *big.Int) (Factors, *big.Int) {
	f := Factors{}
	rest := big.NewInt(1)
	if n.Cmp(bigOne) <= 0 {
		return f, rest
	}
	m := new(big.Int).Set(n)

	bound := r.TrialBound
	if bound == 0 {
		bound = DefaultTrialBound
	}
	for m.Bit(0) == 0 {
		f[2]++
		m.Rsh(m, 1)
	}
	var q, rem, dd big.Int
	for d := uint64(3); d <= bound; d += 2 {
		bd := new(big.Int).SetUint64(d)
		if dd.Mul(bd, bd).Cmp(m) > 0 {
			break
		}
		for {
			q.QuoRem(m, bd, &rem)
			if rem.Sign() != 0 {
				break
			}
			f[d]++
			m.Set(&q)
		}
	}

	iters := r.RhoIterations
	if iters <= 0 {
		iters = DefaultRhoIterations
	}
	stack := []*big.Int{m}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c.Cmp(bigOne) == 0 {
			continue
		}
		if c.ProbablyPrime(primalityRounds) {
			if c.IsUint64() {
				f[c.Uint64()]++
			} else {
				rest.Mul(rest, c)
			}
			continue
		}
		d := splitComposite(c, iters)
		if d == nil {
			rest.Mul(rest, c)
			continue
		}
		stack = append(stack, d, new(big.Int).Quo(c, d))
	}
	return f, rest
}

// splitComposite returns a non-trivial divisor of the odd composite n, or
// nil if none is found within the iteration limit for any seed.
func splitComposite(n *big.Int, limit int) *big.Int {
	for seed := int64(1); seed <= defaultRhoSeeds; seed++ {
		if d := brent(n, big.NewInt(seed), limit); d != nil {
			return d
		}
	}
	return nil
}

func brent(n, c *big.Int, limit int) *big.Int {
	step := func(v *big.Int) {
		v.Mul(v, v)
		v.Add(v, c)
		v.Mod(v, n)
	}
	const batch = 128

	y := new(big.Int).Set(bigTwo)
	x := new(big.Int)
	ys := new(big.Int)
	q := big.NewInt(1)
	g := big.NewInt(1)
	diff := new(big.Int)

	for r := 1; g.Cmp(bigOne) == 0; r *= 2 {
		if r > limit {
			return nil
		}
		x.Set(y)
		for range r {
			step(y)
		}
		for k := 0; k < r && g.Cmp(bigOne) == 0; k += batch {
			ys.Set(y)
			for range min(batch, r-k) {
				step(y)
				diff.Sub(x, y)
				diff.Abs(diff)
				q.Mul(q, diff)
				q.Mod(q, n)
			}
			g.GCD(nil, nil, q, n)
		}
	}

	if g.Cmp(n) == 0 {
		// Batch overshot; walk back one step at a time.
		for range limit {
			step(ys)
			diff.Sub(x, ys)
			diff.Abs(diff)
			g.GCD(nil, nil, diff, n)
			if g.Cmp(bigOne) != 0 {
				break
			}
		}
	}
	if g.Cmp(bigOne) == 0 || g.Cmp(n) == 0 {
		return nil
	}
	return g
}
