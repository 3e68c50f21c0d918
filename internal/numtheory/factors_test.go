// Tests for the factor-string codec and the Factorer.

package numtheory

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Factors
		str  string
	}{
		{"powers", "2^3 * 3^2 * 5 * 7 * 31^5", Factors{2: 3, 3: 2, 5: 1, 7: 1, 31: 5}, "2^3 * 3^2 * 5 * 7 * 31^5"},
		{"unordered without spaces", "5*2^2*3", Factors{2: 2, 3: 1, 5: 1}, "2^2 * 3 * 5"},
		{"middle dot separator", "2 · 3 · 167", Factors{2: 1, 3: 1, 167: 1}, "2 * 3 * 167"},
		{"repeated prime accumulates", "3 * 3", Factors{3: 2}, "3^2"},
		{"empty", "", Factors{}, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
			assert.Equal(t, tt.str, got.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"2 * * 3", "2^x", "2^0", "abc", "1", "2 * C100"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrBadFactorString, in)
	}
}

func TestParseTerm(t *testing.T) {
	term, err := ParseTerm("2^3 * 3 * 11 * P45 * C120 * C98")
	require.NoError(t, err)
	assert.Equal(t, "2^3 * 3 * 11", term.Known.String())
	assert.Equal(t, 1, term.LargePrimes())
	assert.Len(t, term.Composites(), 2)
	assert.Equal(t, 120, term.Cofactor())
	assert.False(t, term.Terminated)

	term, err = ParseTerm("2 * 340282366920938463463374607431768211507")
	require.NoError(t, err)
	assert.Equal(t, Factors{2: 1}, term.Known)
	require.Len(t, term.Unknown, 1)
	assert.Equal(t, Large{Kind: LargePrime, Digits: 39, Exp: 1}, term.Unknown[0])

	term, err = ParseTerm("terminated at 1")
	require.NoError(t, err)
	assert.True(t, term.Terminated)
}

func TestProduct(t *testing.T) {
	f := MustParse("2^3 * 3^2 * 5 * 7 * 31^5")
	assert.Equal(t, "72145460520", f.Product().String())
	assert.Equal(t, "1", Factors{}.Product().String())
}

func TestHelpers(t *testing.T) {
	f := Factors{2: 3, 3: 2, 5: 1}
	assert.Equal(t, Factors{3: 1, 5: 1}, f.Without(2).Flatten())
	assert.Equal(t, 3, f[2], "Without must not mutate the receiver")
	assert.Equal(t, []uint64{2, 3, 5}, f.Primes())
}

func TestBeta(t *testing.T) {
	tests := []struct {
		x    uint64
		want int
	}{
		{0, 0}, {1, 0}, {2, 1}, {4, 2}, {6, 1}, {24, 3}, {1 << 40, 40},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Beta(tt.x), "Beta(%d)", tt.x)
	}
}

func TestSigmaPow2(t *testing.T) {
	assert.Equal(t, "15", SigmaPow2(3).String())
	assert.Equal(t, "1", SigmaPow2(0).String())
	assert.Equal(t, "2047", SigmaPow2(10).String())
}

func TestRhoFactorer(t *testing.T) {
	tests := []struct {
		name     string
		n        string
		want     Factors
		wantRest string
	}{
		{"one", "1", Factors{}, "1"},
		{"sigma 2^10", "2047", Factors{23: 1, 89: 1}, "1"},
		{"sigma 2^5", "63", Factors{3: 2, 7: 1}, "1"},
		{"doctest value", "72145460520", Factors{2: 3, 3: 2, 5: 1, 7: 1, 31: 5}, "1"},
		// 2^64 - 1 = 3 * 5 * 17 * 257 * 641 * 65537 * 6700417
		{"beyond trial bound", "18446744073709551615", Factors{3: 1, 5: 1, 17: 1, 257: 1, 641: 1, 65537: 1, 6700417: 1}, "1"},
		// (2^61 - 1) * (2^31 - 1): two primes above the trial bound
		{"two large primes", "4951760154835678088235319297", Factors{2305843009213693951: 1, 2147483647: 1}, "1"},
	}
	var fr RhoFactorer
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := new(big.Int).SetString(tt.n, 10)
			require.True(t, ok)
			got, rest := fr.Factor(n)
			assert.True(t, tt.want.Equal(got), "got %v", got)
			assert.Equal(t, tt.wantRest, rest.String())
		})
	}
}

func TestRhoFactorerKeepsHugePrimeInRest(t *testing.T) {
	p, _ := new(big.Int).SetString("340282366920938463463374607431768211507", 10)
	n := new(big.Int).Mul(p, big.NewInt(12))
	got, rest := RhoFactorer{}.Factor(n)
	assert.Equal(t, Factors{2: 2, 3: 1}, got)
	assert.Equal(t, p.String(), rest.String())
}
