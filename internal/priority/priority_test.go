// Tests for the priority formula.

package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/allseq/pkg/types"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) string { return now.Add(-d).Format(types.TimeLayout) }

func TestPriority(t *testing.T) {
	const days = 24 * time.Hour
	tests := []struct {
		name string
		rec  types.Sequence
		want float64
	}{
		{
			name: "moving sequence after short-term window",
			rec:  types.Sequence{Time: ago(10 * days), Progress: types.Digits(3), Cofactor: 120},
			want: 0,
		},
		{
			name: "stalled sequence",
			rec:  types.Sequence{Time: ago(5 * days), Progress: types.StalledSince("2024-05-11"), Cofactor: 120},
			want: 25,
		},
		{
			name: "reserved stalled sequence",
			rec:  types.Sequence{Time: ago(5 * days), Progress: types.StalledSince("2024-05-11"), Res: "Bob"},
			want: 12.5,
		},
		{
			name: "reserved sequence past half its period",
			rec:  types.Sequence{Time: ago(10 * days), Progress: types.StalledSince("2024-05-06"), Res: "Bob"},
			want: 5.71,
		},
		{
			name: "small cofactor",
			rec:  types.Sequence{Time: ago(5 * days), Progress: types.StalledSince("2024-05-11"), Cofactor: 90},
			want: 15,
		},
		{
			name: "cofactor at the bound is discounted",
			rec:  types.Sequence{Time: ago(5 * days), Progress: types.StalledSince("2024-05-11"), Cofactor: 98},
			want: 16.33,
		},
		{
			name: "downdriver",
			rec:  types.Sequence{Time: ago(5 * days), Progress: types.StalledSince("2024-05-11"), Guide: types.GuideDowndriver},
			want: 12.5,
		},
		{
			name: "just updated gets the short-term penalty",
			rec:  types.Sequence{Time: ago(1 * days), Progress: types.Digits(2)},
			want: 4,
		},
		{
			name: "penalty on top of stall",
			rec:  types.Sequence{Time: ago(12 * time.Hour), Progress: types.StalledSince("2024-06-05")},
			want: 14.5,
		},
		{
			name: "unknown progress counts as one day",
			rec:  types.Sequence{Time: ago(4 * days)},
			want: 0,
		},
	}

	calc := New(types.DefaultPriorityConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Priority(&tt.rec, now)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestPriorityErrors(t *testing.T) {
	calc := New(types.DefaultPriorityConfig())

	_, err := calc.Priority(&types.Sequence{Seq: 1000}, now)
	assert.Error(t, err)

	_, err = calc.Priority(&types.Sequence{Time: ago(time.Hour), Progress: types.Progress{Kind: types.ProgressStalled, Since: "bad"}}, now)
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	calc := New(types.DefaultPriorityConfig())

	fresh := types.NewSequence(1000)
	require.NoError(t, calc.Apply(fresh, now))
	assert.Equal(t, -1.0, fresh.Priority)

	rec := &types.Sequence{Seq: 1000, Time: ago(time.Hour * 24), Progress: types.Digits(1)}
	require.NoError(t, calc.Apply(rec, now))
	assert.Equal(t, 4.0, rec.Priority)
}
